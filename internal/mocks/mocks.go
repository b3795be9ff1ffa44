package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"dm-service/internal/auth"
	"dm-service/internal/models"
)

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

func (m *MessageRepositoryMock) History(ctx context.Context, userA, userB int64) ([]models.Message, error) {
	args := m.Called(ctx, userA, userB)
	var list []models.Message
	if val := args.Get(0); val != nil {
		list = val.([]models.Message)
	}
	return list, args.Error(1)
}

func (m *MessageRepositoryMock) HistoryPage(ctx context.Context, userA, userB int64, beforeID int64, limit int) ([]models.Message, error) {
	args := m.Called(ctx, userA, userB, beforeID, limit)
	var list []models.Message
	if val := args.Get(0); val != nil {
		list = val.([]models.Message)
	}
	return list, args.Error(1)
}

func (m *MessageRepositoryMock) MarkSeen(ctx context.Context, senderID, receiverID int64) (int64, error) {
	args := m.Called(ctx, senderID, receiverID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MessageRepositoryMock) UnseenCount(ctx context.Context, receiverID int64) (int64, error) {
	args := m.Called(ctx, receiverID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MessageRepositoryMock) UnseenCountFrom(ctx context.Context, receiverID, senderID int64) (int64, error) {
	args := m.Called(ctx, receiverID, senderID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MessageRepositoryMock) UnseenBySender(ctx context.Context, receiverID int64) ([]models.UnseenCount, error) {
	args := m.Called(ctx, receiverID)
	var list []models.UnseenCount
	if val := args.Get(0); val != nil {
		list = val.([]models.UnseenCount)
	}
	return list, args.Error(1)
}

type DirectoryMock struct {
	mock.Mock
}

func (m *DirectoryMock) UserExists(ctx context.Context, userID int64) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

type DelivererMock struct {
	mock.Mock
}

func (m *DelivererMock) RouteNewMessage(ctx context.Context, msg models.Message) {
	m.Called(ctx, msg)
}

func (m *DelivererMock) RouteReadReceipt(ctx context.Context, receiverID, senderID int64) (int64, error) {
	args := m.Called(ctx, receiverID, senderID)
	return args.Get(0).(int64), args.Error(1)
}

type EmitterMock struct {
	mock.Mock
}

func (m *EmitterMock) Emit(ctx context.Context, eventName string, userID int64, payload any) {
	m.Called(ctx, eventName, userID, payload)
}

type MessageServiceMock struct {
	mock.Mock
}

func (m *MessageServiceMock) Send(ctx context.Context, in models.NewMessage) (models.Message, error) {
	args := m.Called(ctx, in)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageServiceMock) MarkRead(ctx context.Context, receiverID, senderID int64) (int64, error) {
	args := m.Called(ctx, receiverID, senderID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MessageServiceMock) Conversation(ctx context.Context, userID, peerID, beforeID int64, limit int) ([]models.Message, error) {
	args := m.Called(ctx, userID, peerID, beforeID, limit)
	var list []models.Message
	if val := args.Get(0); val != nil {
		list = val.([]models.Message)
	}
	return list, args.Error(1)
}

func (m *MessageServiceMock) UnseenCount(ctx context.Context, userID int64) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MessageServiceMock) UnseenFrom(ctx context.Context, receiverID, senderID int64) (int64, error) {
	args := m.Called(ctx, receiverID, senderID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MessageServiceMock) UnseenBySender(ctx context.Context, receiverID int64) ([]models.UnseenCount, error) {
	args := m.Called(ctx, receiverID)
	var list []models.UnseenCount
	if val := args.Get(0); val != nil {
		list = val.([]models.UnseenCount)
	}
	return list, args.Error(1)
}

type AuthenticatorMock struct {
	mock.Mock
}

func (m *AuthenticatorMock) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	args := m.Called(ctx, token)
	var id auth.Identity
	if val := args.Get(0); val != nil {
		id = val.(auth.Identity)
	}
	return id, args.Error(1)
}

type TokenValidatorMock struct {
	mock.Mock
}

func (m *TokenValidatorMock) ValidateToken(ctx context.Context, token string) (int64, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(int64), args.Error(1)
}

type RevocationListMock struct {
	mock.Mock
}

func (m *RevocationListMock) IsRevoked(ctx context.Context, token string) (bool, error) {
	args := m.Called(ctx, token)
	return args.Bool(0), args.Error(1)
}

type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}
