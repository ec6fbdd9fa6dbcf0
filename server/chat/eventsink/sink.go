// Package eventsink mirrors the current session's port events to a message
// broker. Delivery is best effort: a full queue drops events.
package eventsink

import (
	"context"
	"sync"
	"time"

	"chatcore/server/chat/binder"
	"chatcore/server/chat/domain"
	"chatcore/server/chat/port"
	commonlog "chatcore/server/common/log"
	"chatcore/server/common/pubsub"
)

const (
	queueSize      = 256
	publishTimeout = 5 * time.Second
)

type publisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

type sessionSource interface {
	OnSessionChange(fn func(*binder.Session)) pubsub.Unsubscribe
}

type outgoing struct {
	key      string
	envelope Envelope
}

type Sink struct {
	pub   publisher
	queue chan outgoing
	stop  chan struct{}
	wg    sync.WaitGroup

	mu           sync.Mutex
	portUnsubs   []pubsub.Unsubscribe
	sessionUnsub pubsub.Unsubscribe
	closed       bool
}

func NewSink(pub publisher) *Sink {
	s := &Sink{
		pub:   pub,
		queue: make(chan outgoing, queueSize),
		stop:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Attach follows src: every session change re-binds the sink to the new
// session's port.
func (s *Sink) Attach(src sessionSource) {
	unsub := src.OnSessionChange(s.onSession)
	s.mu.Lock()
	prev := s.sessionUnsub
	s.sessionUnsub = unsub
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (s *Sink) onSession(sess *binder.Session) {
	if !sess.IsReady() {
		s.Bind("", "", nil)
		return
	}
	s.Bind(sess.UserID, sess.ID, sess.Port())
}

// Bind subscribes to p's events on behalf of userID, dropping any previous
// binding. A nil port only detaches.
func (s *Sink) Bind(userID, sessionID string, p port.ChatPort) {
	var unsubs []pubsub.Unsubscribe
	if p != nil {
		unsubs = []pubsub.Unsubscribe{
			p.OnMessage(func(msg domain.ChatMessage) {
				s.enqueue(RoutingKey(userID, TypeMessageCreated), MessageCreated(userID, sessionID, msg))
			}),
			p.OnRoomUpdate(func(room domain.ChatRoom) {
				s.enqueue(RoutingKey(userID, TypeRoomUpdated), RoomUpdated(userID, sessionID, room))
			}),
			p.OnConnectionChange(func(connected bool) {
				s.enqueue(RoutingKey(userID, TypeConnectionChanged), ConnectionChanged(userID, sessionID, connected))
			}),
		}
	}

	s.mu.Lock()
	prev := s.portUnsubs
	s.portUnsubs = unsubs
	s.mu.Unlock()
	for _, unsub := range prev {
		unsub()
	}
	if p != nil {
		commonlog.Infof("event=chat_eventsink action=bind status=ok user_id=%s session_id=%s", userID, sessionID)
	}
}

func (s *Sink) enqueue(key string, env Envelope) {
	select {
	case <-s.stop:
		return
	default:
	}
	select {
	case s.queue <- outgoing{key: key, envelope: env}:
	default:
		commonlog.Warnf("event=chat_eventsink action=enqueue status=dropped routing_key=%s", key)
	}
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		select {
		case out := <-s.queue:
			s.publish(out)
		case <-s.stop:
			for {
				select {
				case out := <-s.queue:
					s.publish(out)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) publish(out outgoing) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.pub.Publish(ctx, out.key, out.envelope); err != nil {
		commonlog.Errorf("event=chat_eventsink action=publish status=failed routing_key=%s error=%v", out.key, err)
	}
}

// Close detaches from sessions, flushes queued events and stops the worker.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessionUnsub := s.sessionUnsub
	s.sessionUnsub = nil
	s.mu.Unlock()

	if sessionUnsub != nil {
		sessionUnsub()
	}
	s.Bind("", "", nil)
	close(s.stop)
	s.wg.Wait()
}
