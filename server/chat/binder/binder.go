// Package binder ties chat sessions to the application's authentication state.
// It is the only place a driver and adapter pair is built or torn down.
package binder

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"chatcore/server/chat/adapter"
	"chatcore/server/chat/devicestore"
	"chatcore/server/chat/domain"
	"chatcore/server/chat/driver"
	"chatcore/server/chat/matrix"
	"chatcore/server/chat/port"
	commonlog "chatcore/server/common/log"
	"chatcore/server/common/pubsub"
)

var ErrInvalidProtocolID = errors.New("protocol identity must look like @localpart:domain")

var protocolIDPattern = regexp.MustCompile(`^@[^:\s]+:\S+$`)

type tokenExchanger interface {
	ExchangeToken(ctx context.Context, bearer string) (string, error)
	Clear()
}

type authenticator interface {
	LoginWithToken(ctx context.Context, token, deviceHint string) (matrix.LoginResult, error)
}

type Options struct {
	ServiceURL string
	Driver     driver.Options
	Adapter    adapter.Options
}

type Binder struct {
	exchanger tokenExchanger
	login     authenticator
	devices   devicestore.Store
	clients   driver.ClientFactory
	opts      Options

	lifecycle sync.Mutex

	mu       sync.RWMutex
	current  *Session
	sessions *pubsub.Topic[*Session]
}

func New(exchanger tokenExchanger, login authenticator, devices devicestore.Store, clients driver.ClientFactory, opts Options) *Binder {
	return &Binder{
		exchanger: exchanger,
		login:     login,
		devices:   devices,
		clients:   clients,
		opts:      opts,
		sessions:  pubsub.NewTopic[*Session](),
	}
}

// ValidProtocolID reports whether id has the @localpart:domain shape.
func ValidProtocolID(id string) bool {
	return protocolIDPattern.MatchString(id)
}

// HandleAuthChange is the single entry point for login, logout and token
// refresh. A missing user, credential or protocol identity means logout.
// The live session is kept when neither the identity nor the credential changed.
func (b *Binder) HandleAuthChange(ctx context.Context, user *domain.User, credential string) (*Session, error) {
	credential = strings.TrimSpace(credential)
	if user == nil || credential == "" || strings.TrimSpace(user.ProtocolID) == "" {
		b.DestroySession()
		return nil, nil
	}
	if cur := b.Current(); cur.IsReady() && cur.UserID == strings.TrimSpace(user.ProtocolID) && cur.credential == credential {
		return cur, nil
	}
	return b.CreateSession(ctx, *user, credential)
}

// CreateSession replaces any existing session with a new one for user. On
// failure an error session is published and returned alongside the error.
func (b *Binder) CreateSession(ctx context.Context, user domain.User, credential string) (*Session, error) {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if prev := b.Current(); prev != nil {
		prev.dispose()
		b.publish(nil)
	}

	sessionID := ulid.Make().String()
	protocolID := strings.TrimSpace(user.ProtocolID)
	s, err := b.build(ctx, sessionID, protocolID, credential)
	if err != nil {
		commonlog.Errorf("event=chat_session action=create status=failed session_id=%s user_id=%s error=%v", sessionID, protocolID, err)
		s = newErrorSession(sessionID, protocolID, err)
	} else {
		commonlog.Infof("event=chat_session action=create status=ok session_id=%s user_id=%s device_id=%s", s.ID, s.UserID, s.DeviceID)
	}
	b.publish(s)
	return s, err
}

func (b *Binder) build(ctx context.Context, sessionID, protocolID, credential string) (*Session, error) {
	if !ValidProtocolID(protocolID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProtocolID, protocolID)
	}

	token, err := b.exchanger.ExchangeToken(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("exchange token: %w", err)
	}

	hint, err := devicestore.DeviceID(ctx, b.devices, protocolID)
	if err != nil {
		commonlog.Warnf("event=chat_session action=load_device_id status=failed user_id=%s error=%v", protocolID, err)
		hint = ""
	}

	login, err := b.login.LoginWithToken(ctx, token, hint)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	userID := login.UserID
	if userID == "" {
		userID = protocolID
	}
	if hint != "" && login.DeviceID != hint {
		commonlog.Warnf("event=chat_session action=login status=device_changed user_id=%s requested_device_id=%s device_id=%s", userID, hint, login.DeviceID)
	}
	if login.DeviceID != "" && login.DeviceID != hint {
		if err := devicestore.SaveDeviceID(ctx, b.devices, protocolID, login.DeviceID); err != nil {
			commonlog.Errorf("event=chat_session action=save_device_id status=failed user_id=%s device_id=%s error=%v", userID, login.DeviceID, err)
		}
	}

	d := driver.New(b.clients, b.opts.Driver)
	if err := d.Initialize(ctx, driver.Config{
		ServiceURL:  b.opts.ServiceURL,
		AccessToken: login.AccessToken,
		UserID:      userID,
		DeviceID:    login.DeviceID,
	}); err != nil {
		d.Dispose()
		return nil, fmt.Errorf("initialize driver: %w", err)
	}
	a := adapter.New(d, b.opts.Adapter)

	if err := d.Start(); err != nil {
		commonlog.Warnf("event=chat_session action=start_sync status=degraded session_id=%s user_id=%s error=%v", sessionID, userID, err)
	}

	return &Session{
		ID:         sessionID,
		Kind:       KindLive,
		UserID:     userID,
		DeviceID:   d.State().DeviceID,
		credential: credential,
		driver:     d,
		adapter:    a,
	}, nil
}

// DestroySession disposes the current session, drops cached exchange tokens
// and publishes nil. Safe to call without a session.
func (b *Binder) DestroySession() {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	prev := b.Current()
	prev.dispose()
	b.exchanger.Clear()
	b.publish(nil)
	if prev != nil {
		commonlog.Infof("event=chat_session action=destroy status=ok session_id=%s user_id=%s", prev.ID, prev.UserID)
	}
}

func (b *Binder) publish(s *Session) {
	b.sessions.PublishLocked(func() *Session {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.current = s
		return s
	})
}

// Current returns the current session, nil when none exists.
func (b *Binder) Current() *Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// ChatPort returns the live session's port, or nil when there is no session.
// An error session answers with the null port.
func (b *Binder) ChatPort() port.ChatPort {
	s := b.Current()
	if s == nil {
		return nil
	}
	return s.Port()
}

// PortOrNull is ChatPort with the null port standing in for no session.
func (b *Binder) PortOrNull() port.ChatPort {
	return b.Current().Port()
}

// OnSessionChange calls fn with the current session right away, then with
// every later change. Handlers must not create or destroy sessions.
func (b *Binder) OnSessionChange(fn func(*Session)) pubsub.Unsubscribe {
	return b.sessions.SubscribeReplay(fn, b.Current)
}

// Close tears down the current session and drops every listener.
func (b *Binder) Close() {
	b.DestroySession()
	b.sessions.Clear()
}
