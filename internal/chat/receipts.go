package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"securechat/internal/models"
	"securechat/internal/observability"
	"securechat/internal/repositories"
)

// Receipts records who has read which message.
type Receipts struct {
	messages repositories.MessageRepository
	hub      Broadcaster
}

func NewReceipts(messages repositories.MessageRepository, hub Broadcaster) *Receipts {
	return &Receipts{messages: messages, hub: hub}
}

// MarkRead adds the connection's user to the message's read set. Only the
// first acknowledgement by a reader is broadcast; repeats are no-ops. The
// userId in the payload is ignored.
func (r *Receipts) MarkRead(ctx context.Context, sender Sender, payload models.ReadReceiptPayload) error {
	if payload.MessageID == "" {
		sender.SendError("messageId is required")
		return fmt.Errorf("%w: messageId is required", ErrInvalidPayload)
	}

	msg, err := r.messages.GetMessage(ctx, payload.MessageID)
	if err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			observability.IncReadReceipt("not_found")
			sender.SendError("message not found")
			return err
		}
		log.Error().Err(err).Str("message_id", payload.MessageID).Msg("failed to load message for read receipt")
		sender.SendError("failed to mark message as read")
		return err
	}
	if payload.RoomID != "" && payload.RoomID != msg.RoomID {
		observability.IncReadReceipt("room_mismatch")
		sender.SendError("message does not belong to this room")
		return fmt.Errorf("%w: message %s is not in room %s", ErrInvalidPayload, msg.ID, payload.RoomID)
	}

	reader := sender.UserID()
	added, err := r.messages.AddReader(ctx, msg.ID, reader)
	if err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Str("user_id", reader).Msg("failed to record read receipt")
		sender.SendError("failed to mark message as read")
		return err
	}
	if !added {
		observability.IncReadReceipt("duplicate")
		return nil
	}
	observability.IncReadReceipt("added")

	env, err := models.NewEnvelope(models.EventMessageRead, models.ReadReceiptPayload{
		MessageID: msg.ID,
		UserID:    reader,
		RoomID:    msg.RoomID,
	})
	if err != nil {
		return err
	}
	r.hub.Broadcast(msg.RoomID, env, sender.ID())
	return nil
}
