package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"securechat/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository reads user display data and stores published public keys.
type UserRepository interface {
	GetUser(ctx context.Context, userID string) (models.User, error)
	SetPublicKey(ctx context.Context, userID, publicKey string) error
	GetPublicKey(ctx context.Context, userID string) (string, error)
}

// UserRepo is a sqlx-backed repository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// GetUser retrieves a single user.
func (r *UserRepo) GetUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT id, display_name, public_key FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// SetPublicKey records the caller's public key, creating the user row when
// the identity has not been seen before.
func (r *UserRepo) SetPublicKey(ctx context.Context, userID, publicKey string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO users (id, public_key) VALUES ($1, $2)
        ON CONFLICT (id) DO UPDATE SET public_key = EXCLUDED.public_key`, userID, publicKey)
	return err
}

// GetPublicKey returns the key on file, or ErrUserNotFound when the user is
// unknown or has not published one.
func (r *UserRepo) GetPublicKey(ctx context.Context, userID string) (string, error) {
	var key sql.NullString
	err := r.db.GetContext(ctx, &key, `SELECT public_key FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !key.Valid) {
		return "", ErrUserNotFound
	}
	return key.String, err
}
