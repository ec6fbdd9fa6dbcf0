// Package port defines the contract UI and application code use to talk to a
// chat session, and the null implementation used while no session exists.
package port

import (
	"context"
	"errors"
	"time"

	"chatcore/server/chat/domain"
	"chatcore/server/common/pubsub"
)

// ErrNoSession is returned by mutating calls on the null port.
var ErrNoSession = errors.New("no chat session available")

type Unsubscribe = pubsub.Unsubscribe

type ChatPort interface {
	GetRooms(ctx context.Context) ([]domain.ChatRoom, error)
	GetRoom(ctx context.Context, roomID string) (*domain.ChatRoom, error)
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error

	GetMessages(ctx context.Context, roomID string, limit int) ([]domain.ChatMessage, error)
	SendMessage(ctx context.Context, roomID, content string) (domain.ChatMessage, error)

	GetCurrentUser(ctx context.Context) (*domain.ChatUser, error)
	GetRoomMembers(ctx context.Context, roomID string) ([]domain.ChatUser, error)

	IsConnected() bool
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Listeners are called one at a time, in delivery order, and may call
	// back into the port.
	OnMessage(fn func(domain.ChatMessage)) Unsubscribe
	OnRoomUpdate(fn func(domain.ChatRoom)) Unsubscribe
	OnConnectionChange(fn func(connected bool)) Unsubscribe
}

// Paginator is implemented by ports that can page backward through history.
type Paginator interface {
	// LoadMoreMessages returns up to limit messages older than beforeID,
	// oldest first.
	LoadMoreMessages(ctx context.Context, roomID, beforeID string, limit int) ([]domain.ChatMessage, error)
}

// SyncWaiter is implemented by ports that can block until the first sync settles.
type SyncWaiter interface {
	WaitForSync(ctx context.Context, timeout time.Duration) error
}

// RoomFocuser is implemented by ports that can prefetch a room the user just
// opened. FocusRoom never fails.
type RoomFocuser interface {
	FocusRoom(ctx context.Context, roomID string, messageLimit int)
}
