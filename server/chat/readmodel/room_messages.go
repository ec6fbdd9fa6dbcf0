package readmodel

import (
	"context"
	"slices"
	"sync"
	"time"

	"chatcore/server/chat/adapter"
	"chatcore/server/chat/domain"
	"chatcore/server/chat/port"
	commonlog "chatcore/server/common/log"
	"chatcore/server/common/pubsub"
)

const (
	DefaultPageSize = 30
	reloadTimeout   = 15 * time.Second
	echoSkew        = time.Minute
)

// MessagesView is the message window of the open room, oldest first.
type MessagesView struct {
	RoomID        string
	Messages      []domain.ChatMessage
	HasMore       bool
	IsInitialLoad bool
}

func (v MessagesView) clone() MessagesView {
	v.Messages = slices.Clone(v.Messages)
	if v.Messages == nil {
		v.Messages = []domain.ChatMessage{}
	}
	return v
}

// RoomMessages holds the message window for one open room at a time. Switching
// rooms resets the view before the new room's first load starts.
type RoomMessages struct {
	port     port.ChatPort
	pageSize int

	emit sync.Mutex

	mu        sync.Mutex
	view      MessagesView
	gen       uint64
	self      string
	closed    bool
	reloading bool
	reloadGen uint64
	dirty     bool
	unsubs    []pubsub.Unsubscribe
	wg        sync.WaitGroup

	changes *pubsub.Topic[MessagesView]
}

func NewRoomMessages(p port.ChatPort, pageSize int) *RoomMessages {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	m := &RoomMessages{
		port:     p,
		pageSize: pageSize,
		changes:  pubsub.NewTopic[MessagesView](),
	}
	m.unsubs = []pubsub.Unsubscribe{
		p.OnMessage(m.handleMessage),
		p.OnRoomUpdate(m.handleRoomUpdate),
	}
	return m
}

// Open switches the view to roomID and loads its newest page. A load that is
// overtaken by another Open is discarded.
func (m *RoomMessages) Open(ctx context.Context, roomID string) error {
	gen := m.reset(roomID)
	if roomID == "" {
		return nil
	}
	m.loadSelf(ctx)

	msgs, err := m.port.GetMessages(ctx, roomID, m.pageSize)
	if err != nil {
		m.commit(gen, func(v *MessagesView) bool {
			v.IsInitialLoad = false
			v.HasMore = false
			return true
		})
		return err
	}
	m.commit(gen, func(v *MessagesView) bool {
		v.Messages = merge(msgs, v.Messages)
		v.HasMore = len(msgs) >= m.pageSize
		v.IsInitialLoad = false
		return true
	})
	return nil
}

func (m *RoomMessages) reset(roomID string) uint64 {
	m.emit.Lock()
	defer m.emit.Unlock()

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.dirty = false
	m.view = MessagesView{
		RoomID:        roomID,
		HasMore:       roomID != "",
		IsInitialLoad: roomID != "",
	}
	snap := m.view.clone()
	m.mu.Unlock()

	m.changes.Publish(snap)
	return gen
}

func (m *RoomMessages) loadSelf(ctx context.Context) {
	m.mu.Lock()
	known := m.self != ""
	m.mu.Unlock()
	if known {
		return
	}
	user, err := m.port.GetCurrentUser(ctx)
	if err != nil || user == nil {
		return
	}
	m.mu.Lock()
	m.self = user.ID
	m.mu.Unlock()
}

// LoadMore prepends one page of older messages.
func (m *RoomMessages) LoadMore(ctx context.Context) error {
	m.mu.Lock()
	gen, roomID, hasMore := m.gen, m.view.RoomID, m.view.HasMore
	oldest, count := oldestCanonical(m.view.Messages)
	m.mu.Unlock()
	if roomID == "" || !hasMore {
		return nil
	}

	if pager, ok := m.port.(port.Paginator); ok {
		older, err := pager.LoadMoreMessages(ctx, roomID, oldest, m.pageSize)
		if err != nil {
			return err
		}
		m.commit(gen, func(v *MessagesView) bool {
			fresh := make([]domain.ChatMessage, 0, len(older))
			for _, msg := range older {
				if indexOf(v.Messages, msg.ID) < 0 {
					fresh = append(fresh, msg)
				}
			}
			v.Messages = append(fresh, v.Messages...)
			v.HasMore = len(older) >= m.pageSize
			return true
		})
		return nil
	}

	want := count + m.pageSize
	msgs, err := m.port.GetMessages(ctx, roomID, want)
	if err != nil {
		return err
	}
	m.commit(gen, func(v *MessagesView) bool {
		v.Messages = merge(msgs, v.Messages)
		v.HasMore = len(msgs) >= want
		return true
	})
	return nil
}

// Send appends a pending message before the network call. On success the
// pending entry is replaced by the port's message; on failure it is removed.
func (m *RoomMessages) Send(ctx context.Context, content string) (domain.ChatMessage, error) {
	m.mu.Lock()
	gen, roomID, self := m.gen, m.view.RoomID, m.self
	m.mu.Unlock()
	if roomID == "" {
		return domain.ChatMessage{}, port.ErrNoSession
	}

	pending := domain.ChatMessage{
		ID:        adapter.NewLocalID(),
		RoomID:    roomID,
		Sender:    self,
		Content:   content,
		Timestamp: time.Now(),
		Type:      domain.MessageTypeText,
	}
	m.commit(gen, func(v *MessagesView) bool {
		v.Messages = append(v.Messages, pending)
		return true
	})

	sent, err := m.port.SendMessage(ctx, roomID, content)
	if err != nil {
		m.commit(gen, func(v *MessagesView) bool {
			i := indexOf(v.Messages, pending.ID)
			if i < 0 {
				return false
			}
			v.Messages = slices.Delete(v.Messages, i, i+1)
			return true
		})
		return domain.ChatMessage{}, err
	}
	m.commit(gen, func(v *MessagesView) bool {
		i := indexOf(v.Messages, pending.ID)
		if i < 0 {
			return false
		}
		v.Messages[i] = sent
		return true
	})
	return sent, nil
}

func (m *RoomMessages) handleMessage(msg domain.ChatMessage) {
	m.commit(m.currentGen(), func(v *MessagesView) bool {
		if msg.RoomID != v.RoomID || v.IsInitialLoad || indexOf(v.Messages, msg.ID) >= 0 {
			return false
		}
		if i := indexOfEcho(v.Messages, msg); i >= 0 {
			v.Messages[i] = msg
			return true
		}
		v.Messages = append(v.Messages, msg)
		return true
	})
}

// handleRoomUpdate reloads the open room in the background so a slow fetch
// never holds up the port's delivery of later events.
func (m *RoomMessages) handleRoomUpdate(room domain.ChatRoom) {
	m.mu.Lock()
	if m.closed || room.ID != m.view.RoomID || m.view.IsInitialLoad {
		m.mu.Unlock()
		return
	}
	if m.reloading && m.reloadGen == m.gen {
		m.dirty = true
		m.mu.Unlock()
		return
	}
	m.reloading = true
	m.reloadGen = m.gen
	gen := m.gen
	m.wg.Add(1)
	m.mu.Unlock()

	go m.reload(gen, room.ID)
}

func (m *RoomMessages) reload(gen uint64, roomID string) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		_, count := oldestCanonical(m.view.Messages)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		msgs, err := m.port.GetMessages(ctx, roomID, max(count, m.pageSize))
		cancel()
		if err != nil {
			commonlog.Warnf("event=chat_readmodel action=reload_messages status=failed room_id=%s error=%v", roomID, err)
		} else {
			m.commit(gen, func(v *MessagesView) bool {
				v.Messages = merge(msgs, v.Messages)
				return true
			})
		}

		m.mu.Lock()
		if !m.dirty || m.closed || gen != m.gen {
			if m.reloadGen == gen {
				m.reloading = false
				m.dirty = false
			}
			m.mu.Unlock()
			return
		}
		m.dirty = false
		m.mu.Unlock()
	}
}

// commit applies mutate when gen is still the open room's generation and
// publishes the resulting view if mutate reports a change.
func (m *RoomMessages) commit(gen uint64, mutate func(v *MessagesView) bool) bool {
	m.emit.Lock()
	defer m.emit.Unlock()

	m.mu.Lock()
	if m.closed || gen != m.gen || !mutate(&m.view) {
		m.mu.Unlock()
		return false
	}
	snap := m.view.clone()
	m.mu.Unlock()

	m.changes.Publish(snap)
	return true
}

func (m *RoomMessages) currentGen() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

func (m *RoomMessages) View() MessagesView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view.clone()
}

// OnChange is called with every new view. Handlers must not call Open, Send
// or LoadMore.
func (m *RoomMessages) OnChange(fn func(MessagesView)) pubsub.Unsubscribe {
	return m.changes.Subscribe(fn)
}

// Close detaches from the port and waits for background reloads.
func (m *RoomMessages) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	m.wg.Wait()
	m.changes.Clear()
}

// merge takes fetched as the canonical window and keeps local messages from
// current that have not been echoed back yet.
func merge(fetched, current []domain.ChatMessage) []domain.ChatMessage {
	out := slices.Clone(fetched)
	claimed := map[int]bool{}
	var pending []domain.ChatMessage
	for _, msg := range current {
		if !adapter.IsLocalID(msg.ID) {
			continue
		}
		if i := echoIn(out, msg, claimed); i >= 0 {
			claimed[i] = true
			continue
		}
		pending = append(pending, msg)
	}
	if out == nil {
		out = []domain.ChatMessage{}
	}
	return append(out, pending...)
}

func echoIn(msgs []domain.ChatMessage, local domain.ChatMessage, claimed map[int]bool) int {
	for i, msg := range msgs {
		if claimed[i] || adapter.IsLocalID(msg.ID) {
			continue
		}
		if confirms(local, msg) {
			return i
		}
	}
	return -1
}

// indexOfEcho finds the first local message that msg confirms.
func indexOfEcho(msgs []domain.ChatMessage, msg domain.ChatMessage) int {
	for i, local := range msgs {
		if adapter.IsLocalID(local.ID) && confirms(local, msg) {
			return i
		}
	}
	return -1
}

// confirms reports whether msg is the service's copy of the local message.
func confirms(local, msg domain.ChatMessage) bool {
	return msg.Sender == local.Sender &&
		msg.Content == local.Content &&
		!msg.Timestamp.Before(local.Timestamp.Add(-echoSkew))
}

func indexOf(msgs []domain.ChatMessage, id string) int {
	return slices.IndexFunc(msgs, func(m domain.ChatMessage) bool { return m.ID == id })
}

// oldestCanonical returns the id of the oldest non-local message and the
// number of non-local messages.
func oldestCanonical(msgs []domain.ChatMessage) (string, int) {
	oldest, count := "", 0
	for _, msg := range msgs {
		if adapter.IsLocalID(msg.ID) {
			continue
		}
		if count == 0 {
			oldest = msg.ID
		}
		count++
	}
	return oldest, count
}
