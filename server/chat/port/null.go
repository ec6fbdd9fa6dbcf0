package port

import (
	"context"
	"time"

	"chatcore/server/chat/domain"
)

// Null answers reads with empty results and mutations with ErrNoSession.
type Null struct{}

var (
	_ ChatPort   = Null{}
	_ Paginator  = Null{}
	_ SyncWaiter = Null{}
)

func (Null) GetRooms(context.Context) ([]domain.ChatRoom, error) {
	return []domain.ChatRoom{}, nil
}

func (Null) GetRoom(context.Context, string) (*domain.ChatRoom, error) {
	return nil, nil
}

func (Null) JoinRoom(context.Context, string) error {
	return ErrNoSession
}

func (Null) LeaveRoom(context.Context, string) error {
	return ErrNoSession
}

func (Null) GetMessages(context.Context, string, int) ([]domain.ChatMessage, error) {
	return []domain.ChatMessage{}, nil
}

func (Null) LoadMoreMessages(context.Context, string, string, int) ([]domain.ChatMessage, error) {
	return []domain.ChatMessage{}, nil
}

func (Null) SendMessage(context.Context, string, string) (domain.ChatMessage, error) {
	return domain.ChatMessage{}, ErrNoSession
}

func (Null) GetCurrentUser(context.Context) (*domain.ChatUser, error) {
	return nil, nil
}

func (Null) GetRoomMembers(context.Context, string) ([]domain.ChatUser, error) {
	return []domain.ChatUser{}, nil
}

func (Null) IsConnected() bool { return false }

func (Null) Connect(context.Context) error { return ErrNoSession }

func (Null) Disconnect(context.Context) error { return nil }

func (Null) WaitForSync(context.Context, time.Duration) error { return ErrNoSession }

func (Null) OnMessage(func(domain.ChatMessage)) Unsubscribe { return func() {} }

func (Null) OnRoomUpdate(func(domain.ChatRoom)) Unsubscribe { return func() {} }

func (Null) OnConnectionChange(func(bool)) Unsubscribe { return func() {} }
