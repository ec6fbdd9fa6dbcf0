// Package drivertest provides a scripted protocol client for exercising the
// driver and everything layered on it without a live service.
package drivertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatcore/server/chat/driver"
)

type SentText struct {
	RoomID string
	Text   string
}

type MessagesCall struct {
	RoomID string
	From   string
	Limit  int
}

// FakeClient implements driver.Client. Exported fields configure responses and
// must be set before the client is handed to a driver.
type FakeClient struct {
	Identity  driver.Identity
	WhoamiErr error
	CryptoErr error
	SyncErr   error
	SendErr   error
	JoinErr   error
	LeaveErr  error
	Members   map[string][]driver.Member
	Profiles  map[string]driver.Member

	mu           sync.Mutex
	handler      driver.SyncHandler
	syncOpts     driver.SyncOptions
	syncCalls    int
	stopCalls    int
	closeCalls   int
	syncing      chan struct{}
	pages        map[string][]driver.Page
	pageErr      map[string]error
	messageCalls []MessagesCall
	cleartext    map[string]driver.Event
	keyRequests  []string
	sent         []SentText
	joined       []string
	left         []string
	sendCounter  int
}

func NewFakeClient(userID, deviceID string) *FakeClient {
	return &FakeClient{
		Identity:  driver.Identity{UserID: userID, DeviceID: deviceID},
		Members:   map[string][]driver.Member{},
		Profiles:  map[string]driver.Member{},
		syncing:   make(chan struct{}, 16),
		pages:     map[string][]driver.Page{},
		pageErr:   map[string]error{},
		cleartext: map[string]driver.Event{},
	}
}

// Factory returns a driver.ClientFactory that always hands out c.
func (c *FakeClient) Factory() driver.ClientFactory {
	return func(driver.Config) (driver.Client, error) {
		return c, nil
	}
}

func (c *FakeClient) Whoami(context.Context) (driver.Identity, error) {
	if c.WhoamiErr != nil {
		return driver.Identity{}, c.WhoamiErr
	}
	return c.Identity, nil
}

func (c *FakeClient) InitCrypto(context.Context) error {
	return c.CryptoErr
}

func (c *FakeClient) Sync(ctx context.Context, opts driver.SyncOptions, h driver.SyncHandler) error {
	c.mu.Lock()
	c.syncCalls++
	c.syncOpts = opts
	if c.SyncErr != nil {
		err := c.SyncErr
		c.mu.Unlock()
		return err
	}
	c.handler = h
	c.mu.Unlock()

	select {
	case c.syncing <- struct{}{}:
	default:
	}
	<-ctx.Done()

	c.mu.Lock()
	if c.handler == h {
		c.handler = nil
	}
	c.mu.Unlock()
	return ctx.Err()
}

func (c *FakeClient) StopSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCalls++
}

// WaitSyncing blocks until a Sync call is running or the timeout elapses.
func (c *FakeClient) WaitSyncing(timeout time.Duration) bool {
	select {
	case <-c.syncing:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *FakeClient) currentHandler() driver.SyncHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// Deliver feeds one sync response made of rooms into the running loop.
func (c *FakeClient) Deliver(rooms ...driver.RoomSync) bool {
	h := c.currentHandler()
	if h == nil {
		return false
	}
	ctx := context.Background()
	for _, rs := range rooms {
		h.OnRoomSync(ctx, rs)
	}
	h.OnSyncDone(ctx)
	return true
}

func (c *FakeClient) FailSync(err error) bool {
	h := c.currentHandler()
	if h == nil {
		return false
	}
	h.OnSyncFailed(err)
	return true
}

// LateDecrypt reports evt as decrypted by the library after its keys arrived.
func (c *FakeClient) LateDecrypt(evt driver.Event) bool {
	h := c.currentHandler()
	if h == nil {
		return false
	}
	h.OnDecrypted(context.Background(), evt)
	return true
}

// QueuePage schedules the next Messages response for roomID.
func (c *FakeClient) QueuePage(roomID string, page driver.Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[roomID] = append(c.pages[roomID], page)
}

func (c *FakeClient) FailPagination(roomID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pageErr[roomID] = err
}

func (c *FakeClient) Messages(_ context.Context, roomID, from string, limit int) (driver.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageCalls = append(c.messageCalls, MessagesCall{RoomID: roomID, From: from, Limit: limit})
	if err := c.pageErr[roomID]; err != nil {
		return driver.Page{}, err
	}
	queued := c.pages[roomID]
	if len(queued) == 0 {
		return driver.Page{}, nil
	}
	c.pages[roomID] = queued[1:]
	return queued[0], nil
}

// MakeDecryptable registers the cleartext Decrypt returns for an event id.
func (c *FakeClient) MakeDecryptable(eventID string, clear driver.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleartext[eventID] = clear
}

func (c *FakeClient) Decrypt(_ context.Context, evt driver.Event) (driver.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear, ok := c.cleartext[evt.ID]
	if !ok {
		return driver.Event{}, fmt.Errorf("no session for event %s", evt.ID)
	}
	return clear, nil
}

func (c *FakeClient) RequestRoomKey(_ context.Context, evt driver.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyRequests = append(c.keyRequests, evt.ID)
	return nil
}

func (c *FakeClient) SendText(_ context.Context, roomID, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return "", c.SendErr
	}
	c.sent = append(c.sent, SentText{RoomID: roomID, Text: text})
	c.sendCounter++
	return fmt.Sprintf("$sent%d", c.sendCounter), nil
}

func (c *FakeClient) JoinRoom(_ context.Context, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.JoinErr != nil {
		return c.JoinErr
	}
	c.joined = append(c.joined, roomID)
	return nil
}

func (c *FakeClient) LeaveRoom(_ context.Context, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LeaveErr != nil {
		return c.LeaveErr
	}
	c.left = append(c.left, roomID)
	return nil
}

func (c *FakeClient) JoinedMembers(_ context.Context, roomID string) ([]driver.Member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]driver.Member(nil), c.Members[roomID]...), nil
}

func (c *FakeClient) Profile(_ context.Context, userID string) (driver.Member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.Profiles[userID]; ok {
		return p, nil
	}
	return driver.Member{UserID: userID}, nil
}

func (c *FakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return nil
}

func (c *FakeClient) SyncCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncCalls
}

func (c *FakeClient) SyncOptions() driver.SyncOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncOpts
}

func (c *FakeClient) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

func (c *FakeClient) MessagesCalls() []MessagesCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MessagesCall(nil), c.messageCalls...)
}

func (c *FakeClient) KeyRequests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keyRequests...)
}

func (c *FakeClient) Sent() []SentText {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentText(nil), c.sent...)
}

func (c *FakeClient) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.joined...)
}

func (c *FakeClient) Left() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.left...)
}

// TextEvent builds a plain text message event.
func TextEvent(id, roomID, sender, body string, ts int64) driver.Event {
	return driver.Event{ID: id, RoomID: roomID, Type: driver.EventMessage, Sender: sender, Timestamp: ts, Body: body, MsgType: "m.text"}
}

// EncryptedEvent builds an event still in its encrypted envelope.
func EncryptedEvent(id, roomID, sender string, ts int64) driver.Event {
	return driver.Event{ID: id, RoomID: roomID, Type: driver.EventEncrypted, Sender: sender, Timestamp: ts}
}

// MemberEvent builds a membership state event.
func MemberEvent(roomID, userID, membership string) driver.Event {
	key := userID
	return driver.Event{ID: "$member-" + roomID + "-" + userID, RoomID: roomID, Type: driver.EventMember, Sender: userID, StateKey: &key, Membership: membership}
}

// NameEvent builds a room name state event.
func NameEvent(roomID, name string) driver.Event {
	key := ""
	return driver.Event{ID: "$name-" + roomID, RoomID: roomID, Type: driver.EventRoomName, StateKey: &key, RoomName: name}
}

// EncryptionEvent marks a room as encrypted.
func EncryptionEvent(roomID string) driver.Event {
	key := ""
	return driver.Event{ID: "$enc-" + roomID, RoomID: roomID, Type: driver.EventEncryption, StateKey: &key}
}

// JoinedRoom builds a sync entry for a joined room with count members.
func JoinedRoom(roomID, name string, members int, timeline ...driver.Event) driver.RoomSync {
	count := members
	state := []driver.Event{}
	if name != "" {
		state = append(state, NameEvent(roomID, name))
	}
	return driver.RoomSync{
		RoomID:            roomID,
		Membership:        driver.MembershipJoin,
		State:             state,
		Timeline:          timeline,
		JoinedMemberCount: &count,
		PrevBatch:         "prev-" + roomID,
	}
}
