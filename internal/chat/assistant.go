package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"securechat/internal/ai"
	"securechat/internal/models"
	"securechat/internal/observability"
	"securechat/internal/queue"
	"securechat/internal/repositories"
)

// AssistantTaskType names assistant reply jobs on the queue.
const AssistantTaskType = "chat:assistant_reply"

// AssistantJob asks for a reply to Query in RoomID.
type AssistantJob struct {
	RoomID      string `json:"roomId"`
	Query       string `json:"query"`
	RequestedBy string `json:"requestedBy"`
}

// Dispatcher hands assistant jobs to whatever runs them.
type Dispatcher interface {
	Dispatch(ctx context.Context, job AssistantJob) error
}

// Assistant produces, stores and broadcasts assistant replies.
type Assistant struct {
	replier  ai.Replier
	messages repositories.MessageRepository
	hub      Broadcaster
}

// NewAssistant constructs an Assistant.
func NewAssistant(replier ai.Replier, messages repositories.MessageRepository, hub Broadcaster) *Assistant {
	return &Assistant{replier: replier, messages: messages, hub: hub}
}

// Handle runs one job. Failures are logged and swallowed: the room gets no
// message and nobody is notified.
func (a *Assistant) Handle(ctx context.Context, job AssistantJob) error {
	logger := log.With().Str("room_id", job.RoomID).Str("requested_by", job.RequestedBy).Logger()

	reply, err := a.replier.Reply(ctx, job.Query, job.RoomID)
	if err != nil {
		observability.IncAssistantJob("ai_error")
		logger.Error().Err(err).Msg("assistant reply failed")
		return nil
	}

	msg, err := a.messages.Create(ctx, models.NewMessage{
		RoomID:     job.RoomID,
		SenderKind: models.SenderAssistant,
		Content:    reply,
	})
	if err != nil {
		observability.IncAssistantJob("persist_error")
		logger.Error().Err(err).Msg("failed to persist assistant reply")
		return nil
	}
	observability.IncMessagePersisted(string(models.SenderAssistant), false)

	env, err := models.NewEnvelope(models.EventReceiveMessage, models.ReceivePayloadFromMessage(msg, nil))
	if err != nil {
		return err
	}
	a.hub.Broadcast(msg.RoomID, env, "")
	observability.IncAssistantJob("ok")
	logger.Debug().Str("message_id", msg.ID).Msg("assistant reply delivered")
	return nil
}

// QueueDispatcher enqueues jobs on a queue client.
type QueueDispatcher struct {
	client  queue.Client
	timeout time.Duration
}

// persistHeadroom is added to the AI timeout so a late reply can still be
// stored and broadcast before the job deadline.
const persistHeadroom = 5 * time.Second

// NewQueueDispatcher builds a dispatcher for an AI client bounded by
// aiTimeout. Jobs get aiTimeout plus persistHeadroom.
func NewQueueDispatcher(client queue.Client, aiTimeout time.Duration) *QueueDispatcher {
	return &QueueDispatcher{client: client, timeout: aiTimeout + persistHeadroom}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, job AssistantJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	id, err := d.client.Enqueue(ctx, queue.Task{Type: AssistantTaskType, Payload: payload}, queue.EnqueueOption{
		MaxRetry: 1,
		Timeout:  d.timeout,
	})
	if err != nil {
		return fmt.Errorf("enqueue assistant job: %w", err)
	}
	log.Debug().Str("task_id", id).Str("room_id", job.RoomID).Msg("assistant job enqueued")
	return nil
}

// RegisterAssistant binds the assistant to srv.
func RegisterAssistant(srv queue.Server, a *Assistant) {
	srv.Register(AssistantTaskType, func(ctx context.Context, t queue.Task) error {
		var job AssistantJob
		if err := json.Unmarshal(t.Payload, &job); err != nil {
			return fmt.Errorf("decode assistant job: %w", err)
		}
		return a.Handle(ctx, job)
	})
}
