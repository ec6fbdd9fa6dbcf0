package binder

import (
	"sync"

	"chatcore/server/chat/adapter"
	"chatcore/server/chat/driver"
	"chatcore/server/chat/port"
)

type Kind string

const (
	KindNone  Kind = "none"
	KindLive  Kind = "live"
	KindError Kind = "error"
)

// Session is one driver and adapter pair bound to an authenticated identity,
// or the error variant carrying a null port. A nil *Session is the no-session
// variant; every method is safe on it.
type Session struct {
	ID       string
	Kind     Kind
	UserID   string
	DeviceID string

	err        error
	credential string
	driver     *driver.Driver
	adapter    *adapter.Adapter

	mu       sync.Mutex
	disposed bool
}

func newErrorSession(id, userID string, err error) *Session {
	return &Session{ID: id, Kind: KindError, UserID: userID, err: err}
}

func (s *Session) kind() Kind {
	if s == nil {
		return KindNone
	}
	return s.Kind
}

// IsReady reports whether the session is live and not yet torn down.
func (s *Session) IsReady() bool {
	if s == nil || s.Kind != KindLive {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disposed
}

func (s *Session) Err() error {
	if s == nil {
		return nil
	}
	return s.err
}

// Port returns the session's chat port; error, disposed and nil sessions
// answer with the null port.
func (s *Session) Port() port.ChatPort {
	if !s.IsReady() || s.adapter == nil {
		return port.Null{}
	}
	return s.adapter
}

// State returns the driver state, or the zero state when there is no driver.
func (s *Session) State() driver.State {
	if s == nil || s.driver == nil {
		return driver.State{}
	}
	return s.driver.State()
}

func (s *Session) dispose() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	if s.driver != nil {
		s.driver.Dispose()
	}
	if s.adapter != nil {
		s.adapter.Close()
	}
}
