// Package adapter translates one driver's rooms and events into domain
// entities and implements port.ChatPort on top of it.
package adapter

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatcore/server/chat/domain"
	"chatcore/server/chat/driver"
	"chatcore/server/chat/port"
	commonlog "chatcore/server/common/log"
	"chatcore/server/common/pubsub"
)

// DefaultRoomLimit caps GetRooms so the room list stays cheap to render.
const DefaultRoomLimit = 20

const localIDPrefix = "local-"

// Driver is the part of *driver.Driver the adapter relies on.
type Driver interface {
	Start() error
	Stop()
	SyncStarted() bool
	WaitForSync(ctx context.Context, timeout time.Duration) error
	Paginate(ctx context.Context, roomID string, limit int) error
	FocusRoom(ctx context.Context, roomID string, messageLimit int)
	Decrypt(ctx context.Context, evt driver.Event) (driver.Event, error)
	RequestRoomKey(evt driver.Event)
	SendText(ctx context.Context, roomID, text string) (string, error)
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
	JoinedMembers(ctx context.Context, roomID string) ([]driver.Member, error)
	Profile(ctx context.Context, userID string) (driver.Member, error)

	Rooms() []driver.Room
	Room(roomID string) (driver.Room, bool)
	Timeline(roomID string) []driver.Event
	State() driver.State
	UserID() string

	OnMessage(fn func(driver.Event)) pubsub.Unsubscribe
	OnRoomUpdate(fn func(driver.RoomUpdate)) pubsub.Unsubscribe
	OnStateChange(fn func(driver.State)) pubsub.Unsubscribe
}

type Options struct {
	RoomLimit int
}

type Adapter struct {
	driver Driver
	opts   Options

	messages   *pubsub.Topic[domain.ChatMessage]
	rooms      *pubsub.Topic[domain.ChatRoom]
	connection *pubsub.Topic[bool]

	// dispatch re-broadcasts driver deliveries, so the driver's sync path
	// never runs adapter listeners.
	dispatch *pubsub.Queue

	mu        sync.Mutex
	connected bool
	opened    map[string]struct{}
	unsubs    []pubsub.Unsubscribe
	closed    bool
}

var (
	_ port.ChatPort    = (*Adapter)(nil)
	_ port.Paginator   = (*Adapter)(nil)
	_ port.SyncWaiter  = (*Adapter)(nil)
	_ port.RoomFocuser = (*Adapter)(nil)
)

// New subscribes once to the driver's streams; every adapter listener is fed
// from those single subscriptions. Listeners run one at a time on the
// adapter's dispatch goroutine, in delivery order, and may call back into the
// adapter.
func New(d Driver, opts Options) *Adapter {
	if opts.RoomLimit <= 0 {
		opts.RoomLimit = DefaultRoomLimit
	}
	a := &Adapter{
		driver:     d,
		opts:       opts,
		messages:   pubsub.NewTopic[domain.ChatMessage](),
		rooms:      pubsub.NewTopic[domain.ChatRoom](),
		connection: pubsub.NewTopic[bool](),
		dispatch:   pubsub.NewQueue(),
		connected:  d.State().Connected,
		opened:     map[string]struct{}{},
	}
	a.unsubs = []pubsub.Unsubscribe{
		d.OnMessage(a.handleMessage),
		d.OnRoomUpdate(a.handleRoomUpdate),
		d.OnStateChange(a.handleState),
	}
	return a
}

// Close detaches from the driver and drops every listener once the deliveries
// already queued have run. The driver itself is owned by the caller.
func (a *Adapter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	unsubs := a.unsubs
	a.unsubs = nil
	a.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	a.dispatch.Close(func() {
		a.messages.Clear()
		a.rooms.Clear()
		a.connection.Clear()
	})
}

func (a *Adapter) handleMessage(evt driver.Event) {
	a.dispatch.Enqueue(func() {
		a.messages.Publish(a.resolve(context.Background(), []driver.Event{evt})[0])
	})
}

// handleRoomUpdate snapshots the room as of the update; only its publication
// is deferred.
func (a *Adapter) handleRoomUpdate(update driver.RoomUpdate) {
	room, ok := a.driver.Room(update.RoomID)
	if !ok {
		return
	}
	snapshot := a.toRoom(room)
	a.dispatch.Enqueue(func() {
		if update.Reason == driver.UpdateDecrypted {
			commonlog.Debugf("event=chat_adapter action=room_decrypted status=ok room_id=%s", update.RoomID)
		}
		a.rooms.Publish(snapshot)
	})
}

func (a *Adapter) handleState(s driver.State) {
	a.dispatch.Enqueue(func() {
		a.mu.Lock()
		changed := a.connected != s.Connected
		a.connected = s.Connected
		a.mu.Unlock()
		if changed {
			a.connection.Publish(s.Connected)
		}
	})
}

func (a *Adapter) GetRooms(ctx context.Context) ([]domain.ChatRoom, error) {
	if !a.driver.SyncStarted() {
		if err := a.driver.Start(); err != nil {
			return nil, err
		}
	}
	joined := make([]domain.ChatRoom, 0)
	for _, room := range a.driver.Rooms() {
		if !room.Joined() {
			continue
		}
		joined = append(joined, a.toRoom(room))
	}
	SortByRecency(joined)
	if len(joined) > a.opts.RoomLimit {
		joined = joined[:a.opts.RoomLimit]
	}
	return joined, nil
}

// SortByRecency orders rooms newest first by bump stamp, falling back to the
// last active timestamp. Ties keep their input order.
func SortByRecency(rooms []domain.ChatRoom) {
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].RecencyKey() > rooms[j].RecencyKey()
	})
}

func (a *Adapter) GetRoom(_ context.Context, roomID string) (*domain.ChatRoom, error) {
	room, ok := a.driver.Room(roomID)
	if !ok {
		return nil, nil
	}
	out := a.toRoom(room)
	return &out, nil
}

func (a *Adapter) JoinRoom(ctx context.Context, roomID string) error {
	return a.driver.JoinRoom(ctx, roomID)
}

func (a *Adapter) LeaveRoom(ctx context.Context, roomID string) error {
	return a.driver.LeaveRoom(ctx, roomID)
}

// GetMessages serves whatever the driver has cached, paginating once when the
// cache is short. It does not wait for sync.
func (a *Adapter) GetMessages(ctx context.Context, roomID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return []domain.ChatMessage{}, nil
	}
	a.markOpened(roomID)
	timeline := a.driver.Timeline(roomID)
	if countMessages(timeline) < limit {
		if err := a.driver.Paginate(ctx, roomID, limit); err != nil {
			commonlog.Warnf("event=chat_adapter action=get_messages status=paginate_failed room_id=%s error=%v", roomID, err)
		} else {
			timeline = a.driver.Timeline(roomID)
		}
	}
	return a.resolve(ctx, driver.MessageWindow(timeline, limit)), nil
}

func (a *Adapter) FocusRoom(ctx context.Context, roomID string, messageLimit int) {
	a.markOpened(roomID)
	a.driver.FocusRoom(ctx, roomID, messageLimit)
}

// markOpened records that a room's timeline has been asked for. Only opened
// rooms carry a last message.
func (a *Adapter) markOpened(roomID string) {
	a.mu.Lock()
	a.opened[roomID] = struct{}{}
	a.mu.Unlock()
}

func (a *Adapter) isOpened(roomID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.opened[roomID]
	return ok
}

func (a *Adapter) LoadMoreMessages(ctx context.Context, roomID, beforeID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return []domain.ChatMessage{}, nil
	}
	a.markOpened(roomID)
	older := olderThan(a.driver.Timeline(roomID), beforeID)
	if len(older) < limit {
		room, ok := a.driver.Room(roomID)
		if !ok || room.HasMoreHistory {
			if err := a.driver.Paginate(ctx, roomID, limit); err != nil {
				commonlog.Warnf("event=chat_adapter action=load_more status=paginate_failed room_id=%s error=%v", roomID, err)
			} else {
				older = olderThan(a.driver.Timeline(roomID), beforeID)
			}
		}
	}
	if len(older) > limit {
		older = older[len(older)-limit:]
	}
	return a.resolve(ctx, older), nil
}

// olderThan returns the message events before beforeID, oldest first. An empty
// beforeID means the whole cached history; an unknown one yields nothing.
func olderThan(timeline []driver.Event, beforeID string) []driver.Event {
	out := make([]driver.Event, 0, len(timeline))
	for _, evt := range timeline {
		if beforeID != "" && evt.ID == beforeID {
			return out
		}
		if evt.IsMessage() {
			out = append(out, evt)
		}
	}
	if beforeID != "" {
		return []driver.Event{}
	}
	return out
}

// resolve applies the decryption policy: one non-blocking decrypt per
// encrypted event, and on failure a background key request plus a placeholder.
func (a *Adapter) resolve(ctx context.Context, events []driver.Event) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(events))
	for _, evt := range events {
		if evt.IsEncrypted() {
			decrypted, err := a.driver.Decrypt(ctx, evt)
			if err == nil {
				evt = decrypted
			} else {
				a.driver.RequestRoomKey(evt)
			}
		}
		out = append(out, a.toMessage(evt))
	}
	return out
}

// SendMessage returns an optimistic message whose id is local, not the
// protocol event id.
func (a *Adapter) SendMessage(ctx context.Context, roomID, content string) (domain.ChatMessage, error) {
	if _, err := a.driver.SendText(ctx, roomID, content); err != nil {
		return domain.ChatMessage{}, err
	}
	return domain.ChatMessage{
		ID:        NewLocalID(),
		RoomID:    roomID,
		Sender:    a.driver.UserID(),
		Content:   content,
		Timestamp: time.Now(),
		Type:      domain.MessageTypeText,
	}, nil
}

// NewLocalID mints a temporary message id.
func NewLocalID() string {
	return localIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id was minted by NewLocalID.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

func (a *Adapter) GetCurrentUser(ctx context.Context) (*domain.ChatUser, error) {
	userID := a.driver.UserID()
	if userID == "" {
		return nil, nil
	}
	user := domain.ChatUser{ID: userID, Presence: a.presence()}
	profile, err := a.driver.Profile(ctx, userID)
	if err != nil {
		commonlog.Warnf("event=chat_adapter action=get_current_user status=profile_failed user_id=%s error=%v", userID, err)
		return &user, nil
	}
	user.DisplayName = optional(profile.DisplayName)
	user.AvatarURL = optional(profile.AvatarURL)
	return &user, nil
}

func (a *Adapter) GetRoomMembers(ctx context.Context, roomID string) ([]domain.ChatUser, error) {
	members, err := a.driver.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ChatUser, 0, len(members))
	for _, m := range members {
		out = append(out, domain.ChatUser{
			ID:          m.UserID,
			DisplayName: optional(m.DisplayName),
			AvatarURL:   optional(m.AvatarURL),
			Presence:    domain.PresenceOffline,
		})
	}
	return out, nil
}

func (a *Adapter) presence() domain.Presence {
	if a.IsConnected() {
		return domain.PresenceOnline
	}
	return domain.PresenceOffline
}

func (a *Adapter) IsConnected() bool {
	return a.driver.State().Connected
}

func (a *Adapter) Connect(context.Context) error {
	return a.driver.Start()
}

func (a *Adapter) Disconnect(context.Context) error {
	a.driver.Stop()
	return nil
}

func (a *Adapter) WaitForSync(ctx context.Context, timeout time.Duration) error {
	return a.driver.WaitForSync(ctx, timeout)
}

func (a *Adapter) OnMessage(fn func(domain.ChatMessage)) port.Unsubscribe {
	return a.messages.Subscribe(fn)
}

func (a *Adapter) OnRoomUpdate(fn func(domain.ChatRoom)) port.Unsubscribe {
	return a.rooms.Subscribe(fn)
}

func (a *Adapter) OnConnectionChange(fn func(connected bool)) port.Unsubscribe {
	return a.connection.Subscribe(fn)
}

func (a *Adapter) toRoom(room driver.Room) domain.ChatRoom {
	out := domain.ChatRoom{
		ID:                  room.ID,
		Name:                room.Name,
		Type:                domain.ClassifyRoom(room.Name, room.JoinedMembers),
		MemberCount:         room.JoinedMembers,
		IsJoined:            room.Joined(),
		IsEncrypted:         room.Encrypted,
		LastActiveTimestamp: room.LastActive,
		BumpStamp:           room.BumpStamp,
	}
	if !a.isOpened(room.ID) {
		return out
	}
	if last := driver.MessageWindow(a.driver.Timeline(room.ID), 1); len(last) == 1 {
		msg := a.toMessage(last[0])
		out.LastMessage = &msg
	}
	return out
}

func (a *Adapter) toMessage(evt driver.Event) domain.ChatMessage {
	msg := domain.ChatMessage{
		ID:        evt.ID,
		RoomID:    evt.RoomID,
		Sender:    evt.Sender,
		Content:   evt.Body,
		Timestamp: time.UnixMilli(evt.Timestamp),
		Type:      messageType(evt.MsgType),
	}
	if evt.NeedsPlaceholder() {
		msg.Content = domain.UndecryptableContent
		msg.Type = domain.MessageTypeText
	}
	return msg
}

func messageType(msgType string) domain.MessageType {
	switch msgType {
	case "m.image":
		return domain.MessageTypeImage
	case "m.file", "m.video", "m.audio":
		return domain.MessageTypeFile
	default:
		return domain.MessageTypeText
	}
}

func countMessages(events []driver.Event) int {
	count := 0
	for _, evt := range events {
		if evt.IsMessage() {
			count++
		}
	}
	return count
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
