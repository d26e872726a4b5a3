// Package keydist creates per-room keys and hands every member a copy
// sealed to their public key.
package keydist

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"securechat/internal/crypto"
	"securechat/internal/models"
	"securechat/internal/observability"
	"securechat/internal/repositories"
	"securechat/internal/telemetry"
)

var ErrDisabled = errors.New("end-to-end encryption is disabled")

// Broadcaster delivers an envelope to every connection subscribed to a room.
type Broadcaster interface {
	Broadcast(roomID string, env models.Envelope, exceptConnID string) int
}

// Service distributes room keys. A fresh key is drawn on every call and
// never stored; members who have not published a public key are left out.
type Service struct {
	rooms   repositories.RoomRepository
	hub     Broadcaster
	enabled bool
	audit   *telemetry.AuditEmitter
}

// NewService constructs a Service. With enabled false every Distribute call
// returns ErrDisabled.
func NewService(rooms repositories.RoomRepository, hub Broadcaster, enabled bool, audit *telemetry.AuditEmitter) *Service {
	return &Service{rooms: rooms, hub: hub, enabled: enabled, audit: audit}
}

// Enabled reports whether end-to-end encryption is switched on.
func (s *Service) Enabled() bool { return s.enabled }

// Distribute seals a new room key for every member with a public key and
// broadcasts the bundle to the room. The returned bundle is what was sent.
func (s *Service) Distribute(ctx context.Context, roomID string) (models.RoomKeyBundle, error) {
	ctx, span := otel.Tracer("securechat/keydist").Start(ctx, "keydist.distribute",
		trace.WithAttributes(attribute.String("room.id", roomID)))
	defer span.End()

	if !s.enabled {
		observability.ObserveKeyDistribution("disabled", 0)
		return models.RoomKeyBundle{}, ErrDisabled
	}

	members, err := s.rooms.MembersWithPublicKeys(ctx, roomID)
	if err != nil {
		result := "error"
		if errors.Is(err, repositories.ErrRoomNotFound) {
			result = "room_not_found"
		}
		observability.ObserveKeyDistribution(result, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		return models.RoomKeyBundle{}, fmt.Errorf("load room members: %w", err)
	}

	bundle, err := sealForMembers(roomID, members)
	if err != nil {
		observability.ObserveKeyDistribution("error", 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "seal failed")
		return models.RoomKeyBundle{}, err
	}

	env, err := models.NewEnvelope(models.EventRoomKeyDistribution, bundle)
	if err != nil {
		return models.RoomKeyBundle{}, err
	}
	delivered := s.hub.Broadcast(roomID, env, "")

	recipients := len(bundle.EncryptedKeys)
	observability.ObserveKeyDistribution("ok", recipients)
	span.SetAttributes(attribute.Int("keydist.recipients", recipients), attribute.Int("keydist.connections", delivered))
	log.Debug().Str("room_id", roomID).Int("recipients", recipients).Int("connections", delivered).Msg("room key distributed")

	traceID := observability.TraceIDFromContext(ctx)
	_ = observability.PublishEvent(ctx, "keys.distributed", observability.EventEnvelope{
		EventType: "key_events",
		EventName: "keys.distributed",
		Payload: map[string]interface{}{
			"room_id":     roomID,
			"recipients":  recipients,
			"connections": delivered,
		},
	}, observability.BuildHeaders("", traceID))
	s.audit.Emit(ctx, telemetry.Record{
		Action:    telemetry.ActionRoomKeySealed,
		Text:      fmt.Sprintf("room key sealed for %d members", recipients),
		RequestID: traceID,
		RoomID:    roomID,
	})

	return bundle, nil
}

func sealForMembers(roomID string, members []models.MemberKey) (models.RoomKeyBundle, error) {
	key, err := crypto.NewRoomKey()
	if err != nil {
		return models.RoomKeyBundle{}, fmt.Errorf("generate room key: %w", err)
	}
	defer crypto.Wipe(key)

	bundle := models.RoomKeyBundle{RoomID: roomID, EncryptedKeys: make(map[string]string, len(members))}
	for _, m := range members {
		pub, err := crypto.ParsePublicKey(m.PublicKey)
		if err != nil {
			log.Warn().Err(err).Str("room_id", roomID).Str("user_id", m.UserID).Msg("skipping member with unusable public key")
			continue
		}
		sealed, err := crypto.SealRoomKey(key, pub)
		if err != nil {
			return models.RoomKeyBundle{}, fmt.Errorf("seal room key for %s: %w", m.UserID, err)
		}
		bundle.EncryptedKeys[m.UserID] = sealed
	}
	return bundle, nil
}
