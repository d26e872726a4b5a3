package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/oklog/ulid/v2"

	"securechat/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const maxHistoryLimit = 200

// MessageRepository defines interactions for room messages.
type MessageRepository interface {
	Create(ctx context.Context, msg models.NewMessage) (models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	AddReader(ctx context.Context, messageID, readerID string) (bool, error)
	ListRoomMessages(ctx context.Context, roomID string, limit int, before string) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `m.id, m.room_id, m.sender_id, m.sender_kind, m.content, m.ciphertext, m.nonce, m.is_encrypted, m.created_at`

type messageRow struct {
	models.Message
	ReadBy pq.StringArray `db:"read_by"`
}

func (r messageRow) toModel() models.Message {
	msg := r.Message
	msg.ReadBy = []string(r.ReadBy)
	return msg
}

// Create stores a message under a fresh ULID. A verified sender without a
// users row gets a bare one in the same transaction, since sender_id
// references users(id).
func (r *MessageRepo) Create(ctx context.Context, in models.NewMessage) (models.Message, error) {
	kind := in.SenderKind
	if kind == "" {
		kind = models.SenderUser
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if in.SenderID != nil {
		if _, err := tx.ExecContext(ctx, `INSERT INTO users (id) VALUES ($1) ON CONFLICT DO NOTHING`, *in.SenderID); err != nil {
			return models.Message{}, err
		}
	}

	var msg models.Message
	err = tx.QueryRowxContext(ctx, `INSERT INTO messages (id, room_id, sender_id, sender_kind, content, ciphertext, nonce, is_encrypted)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id, room_id, sender_id, sender_kind, content, ciphertext, nonce, is_encrypted, created_at`,
		ulid.Make().String(), in.RoomID, in.SenderID, kind, in.Content, in.Ciphertext, in.Nonce, in.IsEncrypted).
		StructScan(&msg)
	if err != nil {
		return models.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// GetMessage retrieves a single message with its readers.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+`,
        COALESCE(array_agg(mr.reader_id ORDER BY mr.read_at) FILTER (WHERE mr.reader_id IS NOT NULL), '{}') AS read_by
        FROM messages m
        LEFT JOIN message_reads mr ON mr.message_id = m.id
        WHERE m.id=$1
        GROUP BY m.id`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel(), nil
}

// AddReader inserts readerID into the read set. added is false when the
// reader was already present.
func (r *MessageRepo) AddReader(ctx context.Context, messageID, readerID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO message_reads (message_id, reader_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, messageID, readerID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return false, ErrMessageNotFound
		}
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ListRoomMessages returns up to limit messages older than the message
// before (all when empty), oldest first.
func (r *MessageRepo) ListRoomMessages(ctx context.Context, roomID string, limit int, before string) ([]models.Message, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	query := `SELECT ` + messageColumns + `,
        COALESCE(array_agg(mr.reader_id ORDER BY mr.read_at) FILTER (WHERE mr.reader_id IS NOT NULL), '{}') AS read_by
        FROM messages m
        LEFT JOIN message_reads mr ON mr.message_id = m.id
        WHERE m.room_id=$1
        AND ($2 = '' OR m.id < $2)
        GROUP BY m.id
        ORDER BY m.created_at DESC, m.id DESC
        LIMIT $3`
	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, query, roomID, before, limit); err != nil {
		return nil, err
	}
	msgs := make([]models.Message, len(rows))
	for i, row := range rows {
		msgs[len(rows)-1-i] = row.toModel()
	}
	return msgs, nil
}
