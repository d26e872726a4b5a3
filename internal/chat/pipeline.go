package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"securechat/internal/auth"
	"securechat/internal/models"
	"securechat/internal/observability"
	"securechat/internal/repositories"
)

const (
	errMsgAuthRequired   = "authentication required"
	errMsgSendFailed     = "failed to send message"
	errMsgEncryptionOff  = "encrypted messages are not accepted: end-to-end encryption is disabled"
	errMsgInvalidMessage = "invalid message"
	errMsgAssistantBusy  = "assistant is unavailable"
)

// Pipeline validates, persists and fans out submitted messages, routing
// @ai queries to the assistant instead.
type Pipeline struct {
	verifier  auth.Verifier
	messages  repositories.MessageRepository
	users     repositories.UserRepository
	hub       Broadcaster
	assistant Dispatcher
	e2ee      bool
}

// NewPipeline constructs a Pipeline. e2ee controls whether encrypted
// submissions are accepted.
func NewPipeline(verifier auth.Verifier, messages repositories.MessageRepository, users repositories.UserRepository, hub Broadcaster, assistant Dispatcher, e2ee bool) *Pipeline {
	return &Pipeline{verifier: verifier, messages: messages, users: users, hub: hub, assistant: assistant, e2ee: e2ee}
}

// Submit handles one send-message event. Failures are reported to the
// sender as an error event and returned; nothing is retried.
func (p *Pipeline) Submit(ctx context.Context, sender Sender, payload models.SendMessagePayload) error {
	ctx, span := otel.Tracer("securechat/chat").Start(ctx, "chat.submit")
	defer span.End()
	span.SetAttributes(attribute.String("room.id", payload.RoomID), attribute.Bool("message.encrypted", payload.IsEncrypted))

	token := payload.Token
	if token == "" {
		token = sender.Token()
	}
	identity, err := p.verifier.Verify(ctx, token)
	if err != nil {
		span.SetStatus(codes.Error, "unauthenticated")
		sender.SendError(errMsgAuthRequired)
		return fmt.Errorf("%w: %v", auth.ErrUnauthenticated, err)
	}

	if err := p.validate(payload); err != nil {
		span.SetStatus(codes.Error, "invalid payload")
		if payload.IsEncrypted && !p.e2ee {
			sender.SendError(errMsgEncryptionOff)
		} else {
			sender.SendError(errMsgInvalidMessage)
		}
		return err
	}

	intent := ClassifyIntent(payload)
	if intent.Kind == AssistantQuery {
		span.SetAttributes(attribute.String("chat.intent", "assistant"))
		job := AssistantJob{RoomID: payload.RoomID, Query: intent.Query, RequestedBy: identity.UserID}
		if err := p.assistant.Dispatch(ctx, job); err != nil {
			log.Error().Err(err).Str("room_id", payload.RoomID).Str("user_id", identity.UserID).Msg("assistant dispatch failed")
			sender.SendError(errMsgAssistantBusy)
			return err
		}
		return nil
	}

	senderID := identity.UserID
	msg, err := p.messages.Create(ctx, models.NewMessage{
		RoomID:      payload.RoomID,
		SenderID:    &senderID,
		SenderKind:  models.SenderUser,
		Content:     payload.Content,
		Ciphertext:  payload.Ciphertext,
		Nonce:       payload.Nonce,
		IsEncrypted: payload.IsEncrypted,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		log.Error().Err(err).Str("room_id", payload.RoomID).Str("user_id", senderID).Msg("failed to persist message")
		sender.SendError(errMsgSendFailed)
		return fmt.Errorf("persist message: %w", err)
	}
	observability.IncMessagePersisted(string(models.SenderUser), msg.IsEncrypted)

	info := p.senderInfo(ctx, senderID)
	env, err := models.NewEnvelope(models.EventReceiveMessage, models.ReceivePayloadFromMessage(msg, &info))
	if err != nil {
		return err
	}
	p.hub.Broadcast(msg.RoomID, env, "")
	span.SetAttributes(attribute.String("message.id", msg.ID))

	_ = observability.PublishEvent(ctx, "messages.created", observability.EventEnvelope{
		EventType: "message_events",
		EventName: "message_created",
		Payload: map[string]interface{}{
			"message_id":   msg.ID,
			"room_id":      msg.RoomID,
			"sender_id":    senderID,
			"is_encrypted": msg.IsEncrypted,
		},
	}, observability.BuildHeaders("", observability.TraceIDFromContext(ctx)))
	return nil
}

func (p *Pipeline) validate(payload models.SendMessagePayload) error {
	if payload.RoomID == "" {
		return fmt.Errorf("%w: roomId is required", ErrInvalidPayload)
	}
	if payload.IsEncrypted {
		if !p.e2ee {
			return fmt.Errorf("%w: encryption disabled", ErrInvalidPayload)
		}
		if payload.Ciphertext == "" || payload.Nonce == "" {
			return fmt.Errorf("%w: ciphertext and nonce are required", ErrInvalidPayload)
		}
		return nil
	}
	if strings.TrimSpace(payload.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidPayload)
	}
	return nil
}

// senderInfo falls back to the bare id when the user has no local record.
func (p *Pipeline) senderInfo(ctx context.Context, userID string) models.SenderInfo {
	user, err := p.users.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, repositories.ErrUserNotFound) {
			log.Warn().Err(err).Str("user_id", userID).Msg("failed to load sender")
		}
		return models.SenderInfo{ID: userID, DisplayName: userID}
	}
	name := user.DisplayName
	if name == "" {
		name = user.ID
	}
	return models.SenderInfo{ID: user.ID, DisplayName: name}
}
