package driver

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	commonlog "chatcore/server/common/log"
	"chatcore/server/common/pubsub"
)

const (
	// DefaultTimelineLimit keeps the initial sync metadata-first; message
	// bodies are paginated in on demand.
	DefaultTimelineLimit = 5
	keyRequestTimeout    = 30 * time.Second
	backgroundDecryptTTL = 15 * time.Second
)

type Options struct {
	TimelineLimit int
}

// Driver owns exactly one protocol client and its sync loop.
type Driver struct {
	factory ClientFactory
	opts    Options

	lifecycle sync.Mutex

	mu         sync.RWMutex
	client     Client
	state      State
	userID     string
	syncGen    uint64
	syncCancel context.CancelFunc
	syncDone   chan struct{}
	everReady  bool
	// keyRequests holds event ids whose room key was already requested from
	// the current client.
	keyRequests map[string]struct{}

	store    *roomStore
	paginate singleflight.Group

	messages *pubsub.Topic[Event]
	rooms    *pubsub.Topic[RoomUpdate]
	states   *pubsub.Topic[State]
}

func New(factory ClientFactory, opts Options) *Driver {
	if opts.TimelineLimit <= 0 {
		opts.TimelineLimit = DefaultTimelineLimit
	}
	return &Driver{
		factory:     factory,
		opts:        opts,
		state:       State{Phase: PhaseUninitialized},
		keyRequests: map[string]struct{}{},
		store:       newRoomStore(),
		messages:    pubsub.NewTopic[Event](),
		rooms:       pubsub.NewTopic[RoomUpdate](),
		states:      pubsub.NewTopic[State](),
	}
}

// transition mutates state under the driver lock and publishes the result in
// order with every other transition.
func (d *Driver) transition(mutate func(s *State)) {
	d.states.PublishLocked(func() State {
		d.mu.Lock()
		defer d.mu.Unlock()
		mutate(&d.state)
		return d.state
	})
}

// Initialize builds the client, runs the identity self-check and opportunistically
// prepares encryption. A failed self-check leaves the driver in the error phase
// and returns the client's error unchanged.
func (d *Driver) Initialize(ctx context.Context, cfg Config) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	d.stopLocked()
	d.releaseClient()

	d.transition(func(s *State) {
		*s = State{Phase: PhaseInitializing}
	})

	client, err := d.factory(cfg)
	if err != nil {
		d.fail(err)
		return err
	}
	ident, err := client.Whoami(ctx)
	if err != nil {
		_ = client.Close()
		commonlog.Errorf("event=chat_driver action=whoami status=failed user_id=%s error=%v", cfg.UserID, err)
		d.fail(err)
		return err
	}
	deviceID := ident.DeviceID
	if deviceID == "" {
		deviceID = cfg.DeviceID
	}

	if err := client.InitCrypto(ctx); err != nil {
		if errors.Is(err, ErrCryptoUnavailable) {
			commonlog.Infof("event=chat_driver action=init_crypto status=skipped user_id=%s", ident.UserID)
		} else {
			commonlog.Warnf("event=chat_driver action=init_crypto status=failed user_id=%s device_id=%s error=%v", ident.UserID, deviceID, err)
		}
	}

	d.transition(func(s *State) {
		d.client = client
		d.userID = ident.UserID
		d.everReady = false
		d.keyRequests = map[string]struct{}{}
		*s = State{Phase: PhaseIdle, Connected: true, DeviceID: deviceID}
	})
	commonlog.Infof("event=chat_driver action=initialize status=ok user_id=%s device_id=%s", ident.UserID, deviceID)
	return nil
}

func (d *Driver) fail(err error) {
	d.transition(func(s *State) {
		*s = State{Phase: PhaseError, Err: err}
	})
}

// Start begins the sync loop. Calling it while a loop is running or starting is a no-op.
func (d *Driver) Start() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	d.mu.Lock()
	if d.client == nil {
		d.mu.Unlock()
		return ErrNotInitialized
	}
	if d.syncCancel != nil {
		d.mu.Unlock()
		return nil
	}
	syncCtx, cancel := context.WithCancel(context.Background())
	d.syncGen++
	gen := d.syncGen
	done := make(chan struct{})
	d.syncCancel = cancel
	d.syncDone = done
	client := d.client
	d.mu.Unlock()

	d.transition(func(s *State) {
		s.Phase = PhaseSyncing
		s.Syncing = true
		s.Err = nil
	})
	commonlog.Infof("event=chat_driver action=start_sync status=ok user_id=%s timeline_limit=%d", d.UserID(), d.opts.TimelineLimit)

	go d.runSync(syncCtx, client, gen, done)
	return nil
}

func (d *Driver) runSync(ctx context.Context, client Client, gen uint64, done chan struct{}) {
	defer close(done)
	err := client.Sync(ctx, SyncOptions{TimelineLimit: d.opts.TimelineLimit}, &syncSink{d: d, gen: gen})

	d.mu.Lock()
	if gen != d.syncGen || ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	cancel := d.syncCancel
	d.syncCancel = nil
	d.syncDone = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if err != nil {
		commonlog.Errorf("event=chat_driver action=sync status=failed user_id=%s error=%v", d.UserID(), err)
		d.transition(func(s *State) {
			s.Phase = PhaseError
			s.Syncing = false
			s.Err = err
		})
		return
	}
	d.transition(func(s *State) {
		s.Phase = PhaseStopped
		s.Syncing = false
	})
}

// Stop halts the sync loop and waits for it to exit. The client is kept so
// Start may resume. Safe to call repeatedly.
func (d *Driver) Stop() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	d.stopLocked()
}

func (d *Driver) stopLocked() {
	d.mu.Lock()
	cancel := d.syncCancel
	done := d.syncDone
	client := d.client
	d.syncCancel = nil
	d.syncDone = nil
	d.syncGen++
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if client != nil {
		client.StopSync()
	}
	<-done
	d.transition(func(s *State) {
		s.Phase = PhaseStopped
		s.Syncing = false
	})
	commonlog.Infof("event=chat_driver action=stop_sync status=ok user_id=%s", d.UserID())
}

// Dispose stops syncing, releases the client, drops every listener and resets
// the driver to disconnected. Safe to call repeatedly.
func (d *Driver) Dispose() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	d.stopLocked()
	released := d.releaseClient()

	d.mu.RLock()
	alreadyReset := !released && !d.state.Connected && d.state.Phase == PhaseStopped
	d.mu.RUnlock()
	if !alreadyReset {
		d.transition(func(s *State) {
			*s = State{Phase: PhaseStopped}
		})
	}
	d.messages.Clear()
	d.rooms.Clear()
	d.states.Clear()
}

func (d *Driver) releaseClient() bool {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.mu.Unlock()
	if client == nil {
		return false
	}
	if err := client.Close(); err != nil {
		commonlog.Warnf("event=chat_driver action=close_client status=failed user_id=%s error=%v", d.UserID(), err)
	}
	return true
}

// WaitForSync blocks until the first sync settles, the loop reports an error,
// or timeout elapses.
func (d *Driver) WaitForSync(ctx context.Context, timeout time.Duration) error {
	result := make(chan error, 1)
	settle := func(s State) {
		var err error
		switch s.Phase {
		case PhaseReady:
		case PhaseError:
			err = s.Err
			if err == nil {
				err = errors.New("sync failed")
			}
		case PhaseStopped:
			err = ErrSyncStopped
		default:
			return
		}
		select {
		case result <- err:
		default:
		}
	}
	unsub := d.states.Subscribe(settle)
	defer unsub()

	current := d.State()
	if current.Phase == PhaseUninitialized {
		return ErrNotInitialized
	}
	settle(current)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		return ErrSyncTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FocusRoom prefetches history for a room the user just opened and starts
// background decrypt attempts for encrypted events in that window. It never fails.
func (d *Driver) FocusRoom(ctx context.Context, roomID string, messageLimit int) {
	if messageLimit <= 0 {
		return
	}
	if countMessages(d.store.timeline(roomID)) < messageLimit {
		if err := d.Paginate(ctx, roomID, messageLimit); err != nil {
			commonlog.Warnf("event=chat_driver action=focus_room status=failed room_id=%s error=%v", roomID, err)
		}
	}

	window := MessageWindow(d.store.timeline(roomID), messageLimit)
	for _, evt := range window {
		if !evt.IsEncrypted() {
			continue
		}
		go d.backgroundDecrypt(evt)
	}
}

func (d *Driver) backgroundDecrypt(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundDecryptTTL)
	defer cancel()
	if _, err := d.Decrypt(ctx, evt); err != nil {
		commonlog.Debugf("event=chat_driver action=background_decrypt status=failed room_id=%s event_id=%s error=%v", evt.RoomID, evt.ID, err)
		d.RequestRoomKey(evt)
		return
	}
	d.rooms.Publish(RoomUpdate{RoomID: evt.RoomID, Reason: UpdateDecrypted})
}

// Paginate fetches one page of older history for roomID. Concurrent calls for
// the same room share a single request.
func (d *Driver) Paginate(ctx context.Context, roomID string, limit int) error {
	client, err := d.currentClient()
	if err != nil {
		return err
	}
	_, err, _ = d.paginate.Do(roomID, func() (any, error) {
		from, exhausted := d.store.paginationToken(roomID)
		if exhausted {
			return 0, nil
		}
		page, err := client.Messages(ctx, roomID, from, limit)
		if err != nil {
			return 0, err
		}
		added := d.store.prepend(roomID, page)
		commonlog.Debugf("event=chat_driver action=paginate status=ok room_id=%s added=%d", roomID, added)
		if added > 0 {
			d.rooms.Publish(RoomUpdate{RoomID: roomID, Reason: UpdateHistory})
		}
		return added, nil
	})
	return err
}

// Decrypt attempts one non-blocking decryption and caches the cleartext on success.
func (d *Driver) Decrypt(ctx context.Context, evt Event) (Event, error) {
	client, err := d.currentClient()
	if err != nil {
		return Event{}, err
	}
	decrypted, err := client.Decrypt(ctx, evt)
	if err != nil {
		return Event{}, err
	}
	decrypted.ID = evt.ID
	decrypted.RoomID = evt.RoomID
	decrypted.WasEncrypted = true
	if decrypted.Sender == "" {
		decrypted.Sender = evt.Sender
	}
	if decrypted.Timestamp == 0 {
		decrypted.Timestamp = evt.Timestamp
	}
	d.store.replace(decrypted)
	return decrypted, nil
}

// RequestRoomKey fires a key request in the background, at most once per event
// per client unless the previous request failed. The caller gets no handle;
// completion, if it ever happens, surfaces as a decrypted room update.
func (d *Driver) RequestRoomKey(evt Event) {
	client, err := d.currentClient()
	if err != nil {
		return
	}
	if !d.markKeyRequested(evt.ID) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), keyRequestTimeout)
		defer cancel()
		err := client.RequestRoomKey(ctx, evt)
		if err == nil || errors.Is(err, ErrCryptoUnavailable) {
			return
		}
		commonlog.Debugf("event=chat_driver action=request_room_key status=failed room_id=%s event_id=%s error=%v", evt.RoomID, evt.ID, err)
		d.mu.Lock()
		delete(d.keyRequests, evt.ID)
		d.mu.Unlock()
	}()
}

func (d *Driver) markKeyRequested(eventID string) bool {
	if eventID == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, sent := d.keyRequests[eventID]; sent {
		return false
	}
	d.keyRequests[eventID] = struct{}{}
	return true
}

func (d *Driver) SendText(ctx context.Context, roomID, text string) (string, error) {
	client, err := d.currentClient()
	if err != nil {
		return "", err
	}
	return client.SendText(ctx, roomID, text)
}

func (d *Driver) JoinRoom(ctx context.Context, roomID string) error {
	client, err := d.currentClient()
	if err != nil {
		return err
	}
	if err := client.JoinRoom(ctx, roomID); err != nil {
		return err
	}
	d.store.setMembership(roomID, MembershipJoin)
	d.rooms.Publish(RoomUpdate{RoomID: roomID, Reason: UpdateMembership})
	return nil
}

func (d *Driver) LeaveRoom(ctx context.Context, roomID string) error {
	client, err := d.currentClient()
	if err != nil {
		return err
	}
	if err := client.LeaveRoom(ctx, roomID); err != nil {
		return err
	}
	d.store.setMembership(roomID, MembershipLeave)
	d.rooms.Publish(RoomUpdate{RoomID: roomID, Reason: UpdateMembership})
	return nil
}

func (d *Driver) JoinedMembers(ctx context.Context, roomID string) ([]Member, error) {
	client, err := d.currentClient()
	if err != nil {
		return nil, err
	}
	return client.JoinedMembers(ctx, roomID)
}

func (d *Driver) Profile(ctx context.Context, userID string) (Member, error) {
	client, err := d.currentClient()
	if err != nil {
		return Member{}, err
	}
	return client.Profile(ctx, userID)
}

// Rooms returns a read-only snapshot of every cached room.
func (d *Driver) Rooms() []Room {
	return d.store.list(d.UserID())
}

func (d *Driver) Room(roomID string) (Room, bool) {
	return d.store.room(roomID, d.UserID())
}

// Timeline returns a copy of the cached timeline, oldest first.
func (d *Driver) Timeline(roomID string) []Event {
	return d.store.timeline(roomID)
}

func (d *Driver) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Driver) UserID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.userID
}

// SyncStarted reports whether a sync loop is running or starting.
func (d *Driver) SyncStarted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.syncCancel != nil
}

func (d *Driver) OnMessage(fn func(Event)) pubsub.Unsubscribe {
	return d.messages.Subscribe(fn)
}

func (d *Driver) OnRoomUpdate(fn func(RoomUpdate)) pubsub.Unsubscribe {
	return d.rooms.Subscribe(fn)
}

func (d *Driver) OnStateChange(fn func(State)) pubsub.Unsubscribe {
	return d.states.Subscribe(fn)
}

func (d *Driver) currentClient() (Client, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.client == nil {
		return nil, ErrNotInitialized
	}
	return d.client, nil
}

func (d *Driver) isCurrent(gen uint64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return gen == d.syncGen && d.syncCancel != nil
}

// syncSink adapts one sync loop generation to the driver. Output from a loop
// that has since been stopped is dropped.
type syncSink struct {
	d   *Driver
	gen uint64
}

func (s *syncSink) OnRoomSync(_ context.Context, rs RoomSync) {
	if !s.d.isCurrent(s.gen) {
		return
	}
	fresh := s.d.store.apply(rs)

	s.d.mu.RLock()
	live := s.d.everReady
	s.d.mu.RUnlock()
	if live {
		for _, evt := range fresh {
			if evt.IsMessage() {
				s.d.messages.Publish(evt)
			}
		}
	}
	s.d.rooms.Publish(RoomUpdate{RoomID: rs.RoomID, Reason: UpdateSync})
}

func (s *syncSink) OnSyncDone(context.Context) {
	if !s.d.isCurrent(s.gen) {
		return
	}
	s.d.mu.Lock()
	first := !s.d.everReady
	s.d.everReady = true
	changed := s.d.state.Phase != PhaseReady
	s.d.mu.Unlock()

	if changed {
		s.d.transition(func(st *State) {
			st.Phase = PhaseReady
			st.Syncing = true
			st.Err = nil
		})
	}
	if first {
		commonlog.Infof("event=chat_driver action=initial_sync status=ok user_id=%s", s.d.UserID())
	}
}

func (s *syncSink) OnSyncFailed(err error) {
	if !s.d.isCurrent(s.gen) {
		return
	}
	commonlog.Warnf("event=chat_driver action=sync status=retrying user_id=%s error=%v", s.d.UserID(), err)
	s.d.transition(func(st *State) {
		st.Phase = PhaseError
		st.Err = err
	})
}

func (s *syncSink) OnDecrypted(_ context.Context, evt Event) {
	if !s.d.isCurrent(s.gen) {
		return
	}
	if !s.d.store.replace(evt) {
		return
	}
	s.d.rooms.Publish(RoomUpdate{RoomID: evt.RoomID, Reason: UpdateDecrypted})
}

func countMessages(events []Event) int {
	count := 0
	for _, evt := range events {
		if evt.IsMessage() {
			count++
		}
	}
	return count
}

// MessageWindow returns the newest limit message events of a timeline, oldest first.
func MessageWindow(events []Event, limit int) []Event {
	out := make([]Event, 0, limit)
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		if events[i].IsMessage() {
			out = append(out, events[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
