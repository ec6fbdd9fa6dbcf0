package driver

import (
	"context"
	"errors"
)

// Event types the driver understands. Anything else is cached as an opaque
// timeline entry.
const (
	EventMessage        = "m.room.message"
	EventEncrypted      = "m.room.encrypted"
	EventMember         = "m.room.member"
	EventRoomName       = "m.room.name"
	EventCanonicalAlias = "m.room.canonical_alias"
	EventEncryption     = "m.room.encryption"
)

const (
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipInvite = "invite"
	MembershipBan    = "ban"
)

var (
	ErrNotInitialized    = errors.New("driver is not initialized")
	ErrSyncTimeout       = errors.New("timed out waiting for sync")
	ErrSyncStopped       = errors.New("sync stopped before becoming ready")
	ErrCryptoUnavailable = errors.New("encryption support is not available")
	ErrRoomNotFound      = errors.New("room not found")
)

// Config describes one authenticated protocol client.
type Config struct {
	ServiceURL  string
	AccessToken string
	UserID      string
	DeviceID    string
}

// ClientFactory constructs the protocol client library binding. It must not
// perform network calls.
type ClientFactory func(cfg Config) (Client, error)

// Client is the boundary to the protocol client library. Implementations own
// the wire protocol; the driver owns their lifecycle.
type Client interface {
	// Whoami performs the identity self-check against the service.
	Whoami(ctx context.Context) (Identity, error)
	// InitCrypto prepares end-to-end encryption. ErrCryptoUnavailable means
	// the binding was built without it.
	InitCrypto(ctx context.Context) error
	// Sync runs the sync loop until ctx is cancelled, StopSync is called, or
	// the service rejects the session. Each processed response is reported to h.
	Sync(ctx context.Context, opts SyncOptions, h SyncHandler) error
	StopSync()

	// Messages pages backward from the given token. An empty from starts at
	// the newest event.
	Messages(ctx context.Context, roomID, from string, limit int) (Page, error)
	// Decrypt attempts decryption without waiting for missing keys.
	Decrypt(ctx context.Context, evt Event) (Event, error)
	// RequestRoomKey asks other devices for the key that evt was encrypted with.
	RequestRoomKey(ctx context.Context, evt Event) error

	SendText(ctx context.Context, roomID, text string) (eventID string, err error)
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
	JoinedMembers(ctx context.Context, roomID string) ([]Member, error)
	Profile(ctx context.Context, userID string) (Member, error)

	Close() error
}

type SyncOptions struct {
	// TimelineLimit bounds the number of timeline events requested per room.
	TimelineLimit int
}

// SyncHandler receives the output of the sync loop.
type SyncHandler interface {
	OnRoomSync(ctx context.Context, room RoomSync)
	// OnSyncDone marks the end of one processed sync response.
	OnSyncDone(ctx context.Context)
	// OnSyncFailed reports a failed sync request the client will retry.
	OnSyncFailed(err error)
	// OnDecrypted reports an event whose keys arrived after it was first seen.
	OnDecrypted(ctx context.Context, evt Event)
}

type Identity struct {
	UserID   string
	DeviceID string
}

type Member struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// Event is the driver's protocol-neutral view of a room event.
type Event struct {
	ID        string
	RoomID    string
	Type      string
	Sender    string
	Timestamp int64
	StateKey  *string

	Body       string
	MsgType    string
	Membership string
	RoomName   string
	Alias      string

	// WasEncrypted marks a cached event that arrived in an encrypted envelope
	// and has since been decrypted.
	WasEncrypted bool

	// Native is the binding's own representation, handed back on Decrypt and
	// RequestRoomKey. Callers outside the binding must treat it as opaque.
	Native any
}

// IsMessage counts an event decrypted out of an envelope the same way it was
// counted while still encrypted, whatever its cleartext type.
func (e Event) IsMessage() bool {
	return e.Type == EventMessage || e.Type == EventEncrypted || e.WasEncrypted
}

// NeedsPlaceholder reports whether the event has no displayable message body:
// still encrypted, or decrypted to something other than a message.
func (e Event) NeedsPlaceholder() bool {
	return e.IsEncrypted() || (e.WasEncrypted && e.Type != EventMessage)
}

func (e Event) IsEncrypted() bool {
	return e.Type == EventEncrypted
}

func (e Event) IsState() bool {
	return e.StateKey != nil
}

// RoomSync is one room's slice of a sync response.
type RoomSync struct {
	RoomID     string
	Membership string
	State      []Event
	Timeline   []Event
	// Limited means the timeline has a gap before its first event.
	Limited           bool
	PrevBatch         string
	JoinedMemberCount *int
	Heroes            []string
	BumpStamp         *int64
}

// Page is one backward pagination result, newest event first.
type Page struct {
	Events []Event
	End    string
}
