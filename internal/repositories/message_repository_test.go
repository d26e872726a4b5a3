package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/internal/models"
)

var messageCols = []string{"id", "room_id", "sender_id", "sender_kind", "content", "ciphertext", "nonce", "is_encrypted", "created_at"}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return sqlx.NewDb(raw, "postgres"), mock
}

func TestCreateEnsuresSenderRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)
	sender := "carol"
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users \(id\) VALUES \(\$1\) ON CONFLICT DO NOTHING`).
		WithArgs("carol").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO messages`).
		WithArgs(sqlmock.AnyArg(), "room-1", "carol", "user", "hi", "", "", false).
		WillReturnRows(sqlmock.NewRows(messageCols).AddRow("01MSG", "room-1", "carol", "user", "hi", "", "", false, now))
	mock.ExpectCommit()

	msg, err := repo.Create(context.Background(), models.NewMessage{RoomID: "room-1", SenderID: &sender, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "01MSG", msg.ID)
	require.NotNil(t, msg.SenderID)
	assert.Equal(t, "carol", *msg.SenderID)
	assert.Equal(t, models.SenderUser, msg.SenderKind)
	assert.Equal(t, now, msg.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAssistantReplySkipsSenderRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO messages`).
		WithArgs(sqlmock.AnyArg(), "room-1", nil, "assistant", "4", "", "", false).
		WillReturnRows(sqlmock.NewRows(messageCols).AddRow("01AI", "room-1", nil, "assistant", "4", "", "", false, time.Now()))
	mock.ExpectCommit()

	msg, err := repo.Create(context.Background(), models.NewMessage{RoomID: "room-1", SenderKind: models.SenderAssistant, Content: "4"})
	require.NoError(t, err)
	assert.Nil(t, msg.SenderID)
	assert.Equal(t, models.SenderAssistant, msg.SenderKind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRollsBackOnInsertFailure(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)
	sender := "carol"

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).WithArgs("carol").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO messages`).WillReturnError(&pq.Error{Code: "23503"})
	mock.ExpectRollback()

	_, err := repo.Create(context.Background(), models.NewMessage{RoomID: "gone", SenderID: &sender, Content: "hi"})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMessageScansReaders(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	cols := append(append([]string{}, messageCols...), "read_by")
	mock.ExpectQuery(`array_agg\(mr.reader_id`).
		WithArgs("01MSG").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("01MSG", "room-1", "alice", "user", "", "Y3Q=", "bm9uY2U=", true, time.Now(), "{bob,carol}"))

	msg, err := repo.GetMessage(context.Background(), "01MSG")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, msg.ReadBy)
	assert.True(t, msg.IsEncrypted)
	assert.Equal(t, "Y3Q=", msg.Ciphertext)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMessageNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectQuery(`FROM messages m`).WithArgs("missing").WillReturnRows(sqlmock.NewRows(append(messageCols, "read_by")))

	_, err := repo.GetMessage(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestAddReaderIsIdempotent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	stmt := `INSERT INTO message_reads \(message_id, reader_id\) VALUES \(\$1, \$2\) ON CONFLICT DO NOTHING`
	mock.ExpectExec(stmt).WithArgs("01MSG", "bob").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(stmt).WithArgs("01MSG", "bob").WillReturnResult(sqlmock.NewResult(0, 0))

	added, err := repo.AddReader(context.Background(), "01MSG", "bob")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = repo.AddReader(context.Background(), "01MSG", "bob")
	require.NoError(t, err)
	assert.False(t, added)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddReaderUnknownMessage(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectExec(`INSERT INTO message_reads`).WillReturnError(&pq.Error{Code: "23503"})

	_, err := repo.AddReader(context.Background(), "missing", "bob")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestListRoomMessagesOldestFirst(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	cols := append(append([]string{}, messageCols...), "read_by")
	mock.ExpectQuery(`WHERE m.room_id=\$1`).
		WithArgs("room-1", "", maxHistoryLimit).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("02", "room-1", "bob", "user", "second", "", "", false, t0.Add(time.Minute), "{}").
			AddRow("01", "room-1", "alice", "user", "first", "", "", false, t0, "{bob}"))

	msgs, err := repo.ListRoomMessages(context.Background(), "room-1", 0, "")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, []string{"bob"}, msgs[0].ReadBy)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Empty(t, msgs[1].ReadBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}
