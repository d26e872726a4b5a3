package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"securechat/internal/ai"
	"securechat/internal/auth"
	"securechat/internal/models"
	"securechat/internal/repositories"
)

type RoomRepositoryMock struct {
	mock.Mock
}

func (m *RoomRepositoryMock) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	args := m.Called(ctx, roomID)
	var room models.Room
	if val := args.Get(0); val != nil {
		room = val.(models.Room)
	}
	return room, args.Error(1)
}

func (m *RoomRepositoryMock) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	args := m.Called(ctx, roomID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *RoomRepositoryMock) MembersWithPublicKeys(ctx context.Context, roomID string) ([]models.MemberKey, error) {
	args := m.Called(ctx, roomID)
	var members []models.MemberKey
	if val := args.Get(0); val != nil {
		members = val.([]models.MemberKey)
	}
	return members, args.Error(1)
}

type UserRepositoryMock struct {
	mock.Mock
}

func (m *UserRepositoryMock) GetUser(ctx context.Context, userID string) (models.User, error) {
	args := m.Called(ctx, userID)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *UserRepositoryMock) SetPublicKey(ctx context.Context, userID, publicKey string) error {
	args := m.Called(ctx, userID, publicKey)
	return args.Error(0)
}

func (m *UserRepositoryMock) GetPublicKey(ctx context.Context, userID string) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Create(ctx context.Context, msg models.NewMessage) (models.Message, error) {
	args := m.Called(ctx, msg)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) AddReader(ctx context.Context, messageID, readerID string) (bool, error) {
	args := m.Called(ctx, messageID, readerID)
	return args.Bool(0), args.Error(1)
}

func (m *MessageRepositoryMock) ListRoomMessages(ctx context.Context, roomID string, limit int, before string) ([]models.Message, error) {
	args := m.Called(ctx, roomID, limit, before)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

type VerifierMock struct {
	mock.Mock
}

func (m *VerifierMock) Verify(ctx context.Context, token string) (auth.Identity, error) {
	args := m.Called(ctx, token)
	var id auth.Identity
	if val := args.Get(0); val != nil {
		id = val.(auth.Identity)
	}
	return id, args.Error(1)
}

type ReplierMock struct {
	mock.Mock
}

func (m *ReplierMock) Reply(ctx context.Context, message, roomID string) (string, error) {
	args := m.Called(ctx, message, roomID)
	return args.String(0), args.Error(1)
}

var (
	_ repositories.RoomRepository    = (*RoomRepositoryMock)(nil)
	_ repositories.UserRepository    = (*UserRepositoryMock)(nil)
	_ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
	_ auth.Verifier                  = (*VerifierMock)(nil)
	_ ai.Replier                     = (*ReplierMock)(nil)
)
