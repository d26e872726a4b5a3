// Package queue runs background jobs off the websocket read loop. Jobs go
// through Redis-backed asynq when REDIS_URL is set and through an
// in-process runner otherwise.
package queue

import (
	"context"
	"time"
)

// Task is a job with a stable type name and an opaque payload.
type Task struct {
	Type    string
	Payload []byte
}

// Handler processes a Task. A non-nil error asks the backend to retry where
// it supports retries.
type Handler func(ctx context.Context, task Task) error

// EnqueueOption controls enqueue behaviour; zero values mean unspecified.
type EnqueueOption struct {
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

// Client enqueues tasks for background processing.
type Client interface {
	Enqueue(ctx context.Context, t Task, opts ...EnqueueOption) (id string, err error)
	Close() error
}

// Server runs workers that handle tasks until Run's context ends.
type Server interface {
	Register(taskType string, h Handler)
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
}
