package driver_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chatcore/server/chat/driver"
	"chatcore/server/chat/driver/drivertest"
)

const (
	alice  = "@alice:example.org"
	device = "ALICEDEVICE"
)

func newDriver(t *testing.T) (*driver.Driver, *drivertest.FakeClient) {
	t.Helper()
	fake := drivertest.NewFakeClient(alice, device)
	d := driver.New(fake.Factory(), driver.Options{})
	t.Cleanup(d.Dispose)
	return d, fake
}

func startSyncing(t *testing.T, d *driver.Driver, fake *drivertest.FakeClient) {
	t.Helper()
	require.NoError(t, d.Initialize(context.Background(), driver.Config{ServiceURL: "https://chat.example.org", UserID: alice}))
	require.NoError(t, d.Start())
	require.True(t, fake.WaitSyncing(time.Second), "sync loop did not start")
}

type recorder[T any] struct {
	mu  sync.Mutex
	got []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.got...)
}

func TestInitialize_WhoamiFailureIsReturnedVerbatim(t *testing.T) {
	d, fake := newDriver(t)
	expired := errors.New("M_UNKNOWN_TOKEN: access token expired")
	fake.WhoamiErr = expired

	err := d.Initialize(context.Background(), driver.Config{UserID: alice})
	require.Error(t, err)
	assert.Same(t, expired, err)

	state := d.State()
	assert.Equal(t, driver.PhaseError, state.Phase)
	assert.Same(t, expired, state.Err)
	assert.False(t, state.Connected)
	assert.Equal(t, 1, fake.CloseCalls())
	assert.ErrorIs(t, d.Start(), driver.ErrNotInitialized)
}

func TestInitialize_CryptoFailureIsNotFatal(t *testing.T) {
	d, fake := newDriver(t)
	fake.CryptoErr = errors.New("olm account corrupted")

	require.NoError(t, d.Initialize(context.Background(), driver.Config{UserID: alice}))
	state := d.State()
	assert.Equal(t, driver.PhaseIdle, state.Phase)
	assert.True(t, state.Connected)
	assert.False(t, state.Syncing)
	assert.Equal(t, device, state.DeviceID)
	assert.Equal(t, alice, d.UserID())
}

func TestInitialize_RecoversFromError(t *testing.T) {
	d, fake := newDriver(t)
	fake.WhoamiErr = errors.New("offline")
	require.Error(t, d.Initialize(context.Background(), driver.Config{UserID: alice}))

	fake.WhoamiErr = nil
	require.NoError(t, d.Initialize(context.Background(), driver.Config{UserID: alice}))
	assert.Equal(t, driver.PhaseIdle, d.State().Phase)
}

func TestStart_IsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := drivertest.NewFakeClient(alice, device)
	d := driver.New(fake.Factory(), driver.Options{TimelineLimit: 3})
	defer d.Dispose()

	require.NoError(t, d.Initialize(context.Background(), driver.Config{UserID: alice}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Start())
		}()
	}
	wg.Wait()
	require.NoError(t, d.Start())
	require.True(t, fake.WaitSyncing(time.Second))

	assert.Equal(t, 1, fake.SyncCalls())
	assert.Equal(t, 3, fake.SyncOptions().TimelineLimit)
	assert.True(t, d.SyncStarted())

	messages := &recorder[driver.Event]{}
	d.OnMessage(messages.add)
	require.True(t, fake.Deliver(drivertest.JoinedRoom("!a:example.org", "Team", 4)))
	require.True(t, fake.Deliver(driver.RoomSync{
		RoomID:   "!a:example.org",
		Timeline: []driver.Event{drivertest.TextEvent("$1", "!a:example.org", "@bob:example.org", "hi", 1000)},
	}))
	assert.Len(t, messages.all(), 1)
}

func TestStart_DefaultsToSmallTimeline(t *testing.T) {
	d, fake := newDriver(t)
	startSyncing(t, d, fake)
	assert.Equal(t, driver.DefaultTimelineLimit, fake.SyncOptions().TimelineLimit)
}

func TestStart_RequiresInitialize(t *testing.T) {
	d, _ := newDriver(t)
	assert.ErrorIs(t, d.Start(), driver.ErrNotInitialized)
}

func TestWaitForSync_ResolvesWhenReady(t *testing.T) {
	d, fake := newDriver(t)
	startSyncing(t, d, fake)

	go fake.Deliver(drivertest.JoinedRoom("!a:example.org", "Team", 3))
	require.NoError(t, d.WaitForSync(context.Background(), time.Second))
	assert.True(t, d.State().Ready())
}

func TestWaitForSync_TimesOut(t *testing.T) {
	d, fake := newDriver(t)
	startSyncing(t, d, fake)

	err := d.WaitForSync(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, driver.ErrSyncTimeout)
}

func TestWaitForSync_RejectsOnSyncError(t *testing.T) {
	d, fake := newDriver(t)
	startSyncing(t, d, fake)

	boom := errors.New("sync: 502 bad gateway")
	require.True(t, fake.FailSync(boom))
	assert.ErrorIs(t, d.WaitForSync(context.Background(), time.Second), boom)
}

func TestWaitForSync_RejectsWhenSyncLoopExits(t *testing.T) {
	d, fake := newDriver(t)
	fake.SyncErr = errors.New("M_UNKNOWN_TOKEN")
	require.NoError(t, d.Initialize(context.Background(), driver.Config{UserID: alice}))
	require.NoError(t, d.Start())

	assert.ErrorIs(t, d.WaitForSync(context.Background(), time.Second), fake.SyncErr)
	assert.False(t, d.SyncStarted())
}

func TestWaitForSync_Uninitialized(t *testing.T) {
	d, _ := newDriver(t)
	assert.ErrorIs(t, d.WaitForSync(context.Background(), time.Second), driver.ErrNotInitialized)
}

func TestSync_InitialBatchIsNotEmittedAsLiveMessages(t *testing.T) {
	d, fake := newDriver(t)
	startSyncing(t, d, fake)

	messages := &recorder[driver.Event]{}
	updates := &recorder[driver.RoomUpdate]{}
	d.OnMessage(messages.add)
	d.OnRoomUpdate(updates.add)

	room := "!a:example.org"
	require.True(t, fake.Deliver(drivertest.JoinedRoom(room, "Team", 3,
		drivertest.TextEvent("$old", room, "@bob:example.org", "before login", 1000))))
	assert.Empty(t, messages.all())
	require.Len(t, updates.all(), 1)
	assert.Equal(t, driver.UpdateSync, updates.all()[0].Reason)

	require.True(t, fake.Deliver(driver.RoomSync{
		RoomID: room,
		Timeline: []driver.Event{
			drivertest.TextEvent("$new", room, "@bob:example.org", "live", 2000),
			drivertest.MemberEvent(room, "@carol:example.org", driver.MembershipJoin),
		},
	}))
	got := messages.all()
	require.Len(t, got, 1)
	assert.Equal(t, "$new", got[0].ID)
	assert.Equal(t, room, got[0].RoomID)

	snapshot, ok := d.Room(room)
	require.True(t, ok)
	assert.Equal(t, int64(2000), snapshot.LastActive)
	assert.Len(t, d.Timeline(room), 3)
}

func TestStopAndDispose_AreIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := drivertest.NewFakeClient(alice, device)
	d := driver.New(fake.Factory(), driver.Options{})
	startSyncing(t, d, fake)

	states := &recorder[driver.State]{}
	d.OnStateChange(states.add)

	d.Stop()
	d.Stop()
	assert.Equal(t, driver.PhaseStopped, d.State().Phase)
	assert.True(t, d.State().Connected)
	assert.False(t, d.SyncStarted())

	d.Dispose()
	d.Dispose()
	state := d.State()
	assert.Equal(t, driver.PhaseStopped, state.Phase)
	assert.False(t, state.Connected)
	assert.Equal(t, 1, fake.CloseCalls())
	assert.ErrorIs(t, d.Start(), driver.ErrNotInitialized)

	// listeners registered before Dispose are gone
	before := len(states.all())
	require.NoError(t, d.Initialize(context.Background(), driver.Config{UserID: alice}))
	assert.Len(t, states.all(), before)
	d.Dispose()
}

func TestStop_AllowsRestart(t *testing.T) {
	d, fake := newDriver(t)
	startSyncing(t, d, fake)

	d.Stop()
	require.NoError(t, d.Start())
	require.True(t, fake.WaitSyncing(time.Second))
	assert.Equal(t, 2, fake.SyncCalls())

	go fake.Deliver(drivertest.JoinedRoom("!a:example.org", "Team", 3))
	assert.NoError(t, d.WaitForSync(context.Background(), time.Second))
}

func TestFocusRoom_PaginatesShortTimeline(t *testing.T) {
	d, fake := newDriver(t)
	startSyncing(t, d, fake)

	room := "!a:example.org"
	require.True(t, fake.Deliver(drivertest.JoinedRoom(room, "Team", 3,
		drivertest.TextEvent("$3", room, "@bob:example.org", "three", 3000))))

	fake.QueuePage(room, driver.Page{
		Events: []driver.Event{
			drivertest.TextEvent("$2", room, "@bob:example.org", "two", 2000),
			drivertest.TextEvent("$1", room, "@bob:example.org", "one", 1000),
		},
		End: "t1",
	})
	updates := &recorder[driver.RoomUpdate]{}
	d.OnRoomUpdate(updates.add)

	d.FocusRoom(context.Background(), room, 5)

	calls := fake.MessagesCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "prev-"+room, calls[0].From)
	assert.Equal(t, 5, calls[0].Limit)

	ids := []string{}
	for _, evt := range d.Timeline(room) {
		ids = append(ids, evt.ID)
	}
	assert.Equal(t, []string{"$1", "$2", "$3"}, ids)
	require.Len(t, updates.all(), 1)
	assert.Equal(t, driver.UpdateHistory, updates.all()[0].Reason)

	// a full timeline needs no round trip
	d.FocusRoom(context.Background(), room, 2)
	assert.Len(t, fake.MessagesCalls(), 1)
}

func TestFocusRoom_DecryptsInBackground(t *testing.T) {
	d, fake := newDriver(t)
	startSyncing(t, d, fake)

	room := "!secret:example.org"
	rs := drivertest.JoinedRoom(room, "Secret", 3,
		drivertest.EncryptedEvent("$enc1", room, "@bob:example.org", 1000),
		drivertest.EncryptedEvent("$enc2", room, "@bob:example.org", 2000))
	rs.State = append(rs.State, drivertest.EncryptionEvent(room))
	require.True(t, fake.Deliver(rs))
	fake.MakeDecryptable("$enc1", drivertest.TextEvent("", "", "", "cleartext", 0))

	updates := &recorder[driver.RoomUpdate]{}
	d.OnRoomUpdate(updates.add)

	d.FocusRoom(context.Background(), room, 2)

	require.Eventually(t, func() bool {
		return len(fake.KeyRequests()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"$enc2"}, fake.KeyRequests())

	require.Eventually(t, func() bool {
		for _, evt := range d.Timeline(room) {
			if evt.ID == "$enc1" && evt.Body == "cleartext" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	timeline := d.Timeline(room)
	assert.Equal(t, "@bob:example.org", timeline[0].Sender)
	assert.Equal(t, int64(1000), timeline[0].Timestamp)
	assert.True(t, timeline[1].IsEncrypted())

	require.Eventually(t, func() bool {
		for _, u := range updates.all() {
			if u.Reason == driver.UpdateDecrypted {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	snapshot, _ := d.Room(room)
	assert.True(t, snapshot.Encrypted)
}

func TestFocusRoom_SwallowsFailures(t *testing.T) {
	d, fake := newDriver(t)

	assert.NotPanics(t, func() { d.FocusRoom(context.Background(), "!a:example.org", 10) })

	startSyncing(t, d, fake)
	fake.FailPagination("!a:example.org", errors.New("M_FORBIDDEN"))
	assert.NotPanics(t, func() { d.FocusRoom(context.Background(), "!a:example.org", 10) })
}

func TestPaginate_StopsAtStartOfRoom(t *testing.T) {
	d, fake := newDriver(t)
	startSyncing(t, d, fake)

	room := "!a:example.org"
	require.True(t, fake.Deliver(drivertest.JoinedRoom(room, "Team", 3)))
	fake.QueuePage(room, driver.Page{Events: []driver.Event{
		drivertest.TextEvent("$1", room, "@bob:example.org", "first", 1000),
	}})

	require.NoError(t, d.Paginate(context.Background(), room, 10))
	snapshot, _ := d.Room(room)
	assert.False(t, snapshot.HasMoreHistory)

	require.NoError(t, d.Paginate(context.Background(), room, 10))
	assert.Len(t, fake.MessagesCalls(), 1)
}

func TestLateDecryption_ReplacesEventAndUpdatesRoom(t *testing.T) {
	d, fake := newDriver(t)
	startSyncing(t, d, fake)

	room := "!secret:example.org"
	require.True(t, fake.Deliver(drivertest.JoinedRoom(room, "Secret", 3,
		drivertest.EncryptedEvent("$enc", room, "@bob:example.org", 1000))))

	updates := &recorder[driver.RoomUpdate]{}
	d.OnRoomUpdate(updates.add)

	clear := drivertest.TextEvent("$enc", room, "@bob:example.org", "keys arrived", 1000)
	require.True(t, fake.LateDecrypt(clear))

	require.Len(t, updates.all(), 1)
	assert.Equal(t, driver.RoomUpdate{RoomID: room, Reason: driver.UpdateDecrypted}, updates.all()[0])
	assert.Equal(t, "keys arrived", d.Timeline(room)[0].Body)
}

func TestJoinAndLeave_UpdateMembership(t *testing.T) {
	d, fake := newDriver(t)
	startSyncing(t, d, fake)

	room := "!b:example.org"
	require.NoError(t, d.JoinRoom(context.Background(), room))
	snapshot, ok := d.Room(room)
	require.True(t, ok)
	assert.True(t, snapshot.Joined())

	require.NoError(t, d.LeaveRoom(context.Background(), room))
	snapshot, _ = d.Room(room)
	assert.False(t, snapshot.Joined())
	assert.Equal(t, []string{room}, fake.Joined())
	assert.Equal(t, []string{room}, fake.Left())

	fake.JoinErr = errors.New("M_FORBIDDEN")
	assert.ErrorIs(t, d.JoinRoom(context.Background(), "!c:example.org"), fake.JoinErr)
}

func TestOperations_RequireClient(t *testing.T) {
	d, _ := newDriver(t)
	ctx := context.Background()

	_, err := d.SendText(ctx, "!a:example.org", "hi")
	assert.ErrorIs(t, err, driver.ErrNotInitialized)
	assert.ErrorIs(t, d.JoinRoom(ctx, "!a:example.org"), driver.ErrNotInitialized)
	assert.ErrorIs(t, d.Paginate(ctx, "!a:example.org", 5), driver.ErrNotInitialized)
	_, err = d.Profile(ctx, alice)
	assert.ErrorIs(t, err, driver.ErrNotInitialized)
}

func TestRequestRoomKey_OncePerEvent(t *testing.T) {
	d, fake := newDriver(t)
	require.NoError(t, d.Initialize(context.Background(), driver.Config{UserID: alice}))

	evt := drivertest.EncryptedEvent("$enc", "!secret:example.org", "@bob:example.org", 1000)
	for i := 0; i < 3; i++ {
		d.RequestRoomKey(evt)
	}
	d.RequestRoomKey(drivertest.EncryptedEvent("$other", "!secret:example.org", "@bob:example.org", 2000))

	require.Eventually(t, func() bool { return len(fake.KeyRequests()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(fake.KeyRequests()) > 2 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"$enc", "$other"}, fake.KeyRequests())
}

func TestDecrypt_NonMessageKeepsItsSlot(t *testing.T) {
	d, fake := newDriver(t)
	startSyncing(t, d, fake)
	room := "!secret:example.org"
	require.True(t, fake.Deliver(drivertest.JoinedRoom(room, "Secret", 3,
		drivertest.TextEvent("$1", room, "@bob:example.org", "one", 1000),
		drivertest.EncryptedEvent("$2", room, "@bob:example.org", 2000))))
	fake.MakeDecryptable("$2", driver.Event{Type: "m.reaction"})

	before := driver.MessageWindow(d.Timeline(room), 5)
	require.Len(t, before, 2)
	decrypted, err := d.Decrypt(context.Background(), before[1])
	require.NoError(t, err)
	assert.True(t, decrypted.WasEncrypted)

	after := driver.MessageWindow(d.Timeline(room), 5)
	require.Len(t, after, 2)
	assert.Equal(t, "$2", after[1].ID)
	assert.False(t, after[1].IsEncrypted())
	assert.True(t, after[1].NeedsPlaceholder())
	assert.False(t, after[0].NeedsPlaceholder())
}

type oneShotClient struct {
	*drivertest.FakeClient
	ctxs chan context.Context
}

func (c *oneShotClient) Sync(ctx context.Context, _ driver.SyncOptions, _ driver.SyncHandler) error {
	c.ctxs <- ctx
	return errors.New("sync rejected")
}

func TestSync_SelfExitReleasesContext(t *testing.T) {
	client := &oneShotClient{FakeClient: drivertest.NewFakeClient(alice, device), ctxs: make(chan context.Context, 1)}
	d := driver.New(func(driver.Config) (driver.Client, error) { return client, nil }, driver.Options{})
	t.Cleanup(d.Dispose)
	require.NoError(t, d.Initialize(context.Background(), driver.Config{UserID: alice}))
	require.NoError(t, d.Start())

	var syncCtx context.Context
	select {
	case syncCtx = <-client.ctxs:
	case <-time.After(time.Second):
		t.Fatal("sync loop did not start")
	}
	require.Eventually(t, func() bool { return d.State().Phase == driver.PhaseError }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return syncCtx.Err() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, syncCtx.Err(), context.Canceled)
	assert.False(t, d.SyncStarted())
}
