package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"securechat/internal/models"
)

var ErrRoomNotFound = errors.New("room not found")

// RoomRepository abstracts room and membership reads.
type RoomRepository interface {
	GetRoom(ctx context.Context, roomID string) (models.Room, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	MembersWithPublicKeys(ctx context.Context, roomID string) ([]models.MemberKey, error)
}

// RoomRepo is a sqlx implementation of RoomRepository.
type RoomRepo struct {
	db *sqlx.DB
}

// NewRoomRepo constructs a RoomRepo.
func NewRoomRepo(db *sqlx.DB) *RoomRepo {
	return &RoomRepo{db: db}
}

// GetRoom fetches a single room.
func (r *RoomRepo) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	var room models.Room
	err := r.db.GetContext(ctx, &room, `SELECT id, name, created_at FROM rooms WHERE id=$1`, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, ErrRoomNotFound
	}
	return room, err
}

// IsMember checks membership.
func (r *RoomRepo) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id=$1 AND user_id=$2)`, roomID, userID)
	return exists, err
}

// MembersWithPublicKeys returns the members that have published a public
// key, in join order. Members without a key are left out.
func (r *RoomRepo) MembersWithPublicKeys(ctx context.Context, roomID string) ([]models.MemberKey, error) {
	if _, err := r.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}

	var members []models.MemberKey
	err := r.db.SelectContext(ctx, &members, `SELECT u.id AS user_id, u.display_name, u.public_key
        FROM room_members rm
        INNER JOIN users u ON u.id = rm.user_id
        WHERE rm.room_id=$1 AND u.public_key IS NOT NULL AND u.public_key <> ''
        ORDER BY rm.joined_at ASC, u.id ASC`, roomID)
	return members, err
}
