package driver

type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseInitializing  Phase = "initializing"
	PhaseIdle          Phase = "idle"
	PhaseSyncing       Phase = "syncing"
	PhaseReady         Phase = "ready"
	PhaseStopped       Phase = "stopped"
	PhaseError         Phase = "error"
)

type State struct {
	Phase     Phase
	Connected bool
	Syncing   bool
	Err       error
	DeviceID  string
}

func (s State) Ready() bool {
	return s.Phase == PhaseReady
}

// RoomUpdate is emitted whenever the cached view of a room changes.
type RoomUpdate struct {
	RoomID string
	Reason UpdateReason
}

type UpdateReason string

const (
	UpdateSync       UpdateReason = "sync"
	UpdateDecrypted  UpdateReason = "decrypted"
	UpdateMembership UpdateReason = "membership"
	UpdateHistory    UpdateReason = "history"
)
