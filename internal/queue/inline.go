package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrNoHandler = errors.New("queue: no handler registered for task type")

const defaultInlineTimeout = time.Minute

// Inline runs each enqueued task on its own goroutine in this process. It
// is both the Client and the Server; tasks are not retried.
type Inline struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	wg       sync.WaitGroup
	closed   bool
}

// NewInline creates an empty in-process runner.
func NewInline() *Inline {
	return &Inline{handlers: make(map[string]Handler)}
}

var (
	_ Client = (*Inline)(nil)
	_ Server = (*Inline)(nil)
)

func (q *Inline) Register(taskType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = h
}

func (q *Inline) Enqueue(_ context.Context, t Task, opts ...EnqueueOption) (string, error) {
	q.mu.RLock()
	h, ok := q.handlers[t.Type]
	closed := q.closed
	if ok && !closed {
		q.wg.Add(1)
	}
	q.mu.RUnlock()
	if closed {
		return "", errors.New("queue: closed")
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoHandler, t.Type)
	}

	timeout := defaultInlineTimeout
	if len(opts) > 0 && opts[0].Timeout > 0 {
		timeout = opts[0].Timeout
	}
	id := uuid.NewString()
	go func() {
		defer q.wg.Done()
		// the job outlives the request that enqueued it
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := h(ctx, t); err != nil {
			log.Error().Err(err).Str("task_type", t.Type).Str("task_id", id).Msg("inline task failed")
		}
	}()
	return id, nil
}

// Run blocks until ctx ends, then waits for running tasks.
func (q *Inline) Run(ctx context.Context) error {
	<-ctx.Done()
	return q.Stop(context.Background())
}

// Stop refuses new tasks and waits for running ones or ctx, whichever is first.
func (q *Inline) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Inline) Close() error {
	return q.Stop(context.Background())
}
