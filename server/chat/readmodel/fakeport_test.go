package readmodel

import (
	"context"
	"sync"
	"time"

	"chatcore/server/chat/adapter"
	"chatcore/server/chat/domain"
	"chatcore/server/chat/port"
	"chatcore/server/common/pubsub"
)

// fakePort serves canned rooms and messages. A non-nil gate on a room blocks
// GetMessages for that room until the channel is closed.
type fakePort struct {
	port.Null

	mu       sync.Mutex
	rooms    []domain.ChatRoom
	history  map[string][]domain.ChatMessage
	gates    map[string]chan struct{}
	sendErr  error
	onSend   func()
	getCalls int

	messages *pubsub.Topic[domain.ChatMessage]
	updates  *pubsub.Topic[domain.ChatRoom]
}

func newFakePort() *fakePort {
	return &fakePort{
		history:  map[string][]domain.ChatMessage{},
		gates:    map[string]chan struct{}{},
		messages: pubsub.NewTopic[domain.ChatMessage](),
		updates:  pubsub.NewTopic[domain.ChatRoom](),
	}
}

func (p *fakePort) GetRooms(context.Context) ([]domain.ChatRoom, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ChatRoom(nil), p.rooms...), nil
}

func (p *fakePort) GetMessages(ctx context.Context, roomID string, limit int) ([]domain.ChatMessage, error) {
	p.mu.Lock()
	p.getCalls++
	gate := p.gates[roomID]
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	all := p.history[roomID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]domain.ChatMessage{}, all...), nil
}

func (p *fakePort) LoadMoreMessages(_ context.Context, roomID, beforeID string, limit int) ([]domain.ChatMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := p.history[roomID]
	end := len(all)
	if beforeID != "" {
		end = -1
		for i, m := range all {
			if m.ID == beforeID {
				end = i
				break
			}
		}
		if end < 0 {
			return []domain.ChatMessage{}, nil
		}
	}
	start := max(0, end-limit)
	return append([]domain.ChatMessage{}, all[start:end]...), nil
}

// plainPort hides optional capabilities of the wrapped port.
type plainPort struct {
	port.ChatPort
}

func (p *fakePort) SendMessage(_ context.Context, roomID, content string) (domain.ChatMessage, error) {
	if p.onSend != nil {
		p.onSend()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return domain.ChatMessage{}, p.sendErr
	}
	return domain.ChatMessage{
		ID:        adapter.NewLocalID(),
		RoomID:    roomID,
		Sender:    "@me:example.org",
		Content:   content,
		Timestamp: time.Now(),
		Type:      domain.MessageTypeText,
	}, nil
}

func (p *fakePort) GetCurrentUser(context.Context) (*domain.ChatUser, error) {
	return &domain.ChatUser{ID: "@me:example.org", Presence: domain.PresenceOnline}, nil
}

func (p *fakePort) OnMessage(fn func(domain.ChatMessage)) port.Unsubscribe {
	return p.messages.Subscribe(fn)
}

func (p *fakePort) OnRoomUpdate(fn func(domain.ChatRoom)) port.Unsubscribe {
	return p.updates.Subscribe(fn)
}

func (p *fakePort) setHistory(roomID string, msgs ...domain.ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history[roomID] = msgs
}

func (p *fakePort) gate(roomID string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan struct{})
	p.gates[roomID] = ch
	return ch
}

func (p *fakePort) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getCalls
}

func msg(id, roomID, sender, content string, ts int64) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        id,
		RoomID:    roomID,
		Sender:    sender,
		Content:   content,
		Timestamp: time.UnixMilli(ts),
		Type:      domain.MessageTypeText,
	}
}

func room(id string, joined bool, lastActive int64, bump *int64) domain.ChatRoom {
	return domain.ChatRoom{
		ID:                  id,
		Name:                id,
		Type:                domain.RoomTypeGroup,
		IsJoined:            joined,
		LastActiveTimestamp: lastActive,
		BumpStamp:           bump,
	}
}

func roomIDs(rooms []domain.ChatRoom) []string {
	out := make([]string, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.ID)
	}
	return out
}

func messageIDs(msgs []domain.ChatMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func int64p(v int64) *int64 {
	return &v
}
