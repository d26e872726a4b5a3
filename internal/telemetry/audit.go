package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

// Audited actions.
const (
	ActionHandshakeRejected = "ws.handshake_rejected"
	ActionPublicKeyUpdated  = "keys.public_key_updated"
	ActionRoomKeySealed     = "keys.room_key_sealed"
	ActionAuditTest         = "debug.audit_test"
)

const (
	LevelInfo = "INFO"
	LevelWarn = "WARN"
)

// Record is one security-relevant action. Key material never goes in here.
type Record struct {
	Level     string
	Action    string
	Text      string
	RequestID string
	UserID    *string
	RoomID    string
}

// AuditEmitter publishes audit_log envelopes for rejected credentials,
// public key changes and room key distributions.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level  string `json:"level"`
	Action string `json:"action"`
	Text   string `json:"text"`
	RoomID string `json:"room_id,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		now:         time.Now,
	}
}

// Emit publishes r. Failures are logged and never reach the caller.
func (e *AuditEmitter) Emit(ctx context.Context, r Record) {
	if e == nil || e.publisher == nil {
		return
	}
	if r.Level == "" {
		r.Level = LevelInfo
	}

	logEv := log.Debug().Str("action", r.Action).Str("request_id", r.RequestID)
	if r.UserID != nil {
		logEv = logEv.Str("user_id", *r.UserID)
	}
	if r.RoomID != "" {
		logEv = logEv.Str("room_id", r.RoomID)
	}
	logEv.Msg(r.Text)

	envelope := AuditEnvelope{
		SchemaVersion: 2,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     r.RequestID,
		UserID:        r.UserID,
		Payload: AuditPayload{
			Level:  r.Level,
			Action: r.Action,
			Text:   r.Text,
			RoomID: r.RoomID,
		},
	}

	headers := map[string]string{"x-audit-action": r.Action}
	if r.RequestID != "" {
		headers["x-request-id"] = r.RequestID
	}
	if err := e.publisher.Publish(ctx, e.routingKey, envelope, headers); err != nil {
		log.Warn().Err(err).Str("action", r.Action).Msg("audit publish failed")
	}
}
