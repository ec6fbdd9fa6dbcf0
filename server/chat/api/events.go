package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatcore/server/chat/binder"
	"chatcore/server/chat/domain"
	"chatcore/server/chat/eventsink"
	commonlog "chatcore/server/common/log"
	"chatcore/server/common/middleware"
	"chatcore/server/common/pubsub"
	"chatcore/server/common/transport/httpresp"
)

const (
	wsSendBuffer   = 64
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// eventStream forwards session and port events to one websocket connection.
// Events for a session owned by another identity are not forwarded.
type eventStream struct {
	conn       *websocket.Conn
	protocolID string
	send       chan []byte
	done       chan struct{}

	mu         sync.Mutex
	portUnsubs []pubsub.Unsubscribe
}

func (h *Handler) handleEvents(c *gin.Context) {
	token, ok := middleware.BearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrMissingBearerToken))
		return
	}
	_, protocolID, err := h.auth.ParseAuthContext(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrInvalidToken))
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	stream := &eventStream{
		conn:       conn,
		protocolID: protocolID,
		send:       make(chan []byte, wsSendBuffer),
		done:       make(chan struct{}),
	}
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		stream.writeLoop()
	}()

	unsubSession := h.binder.OnSessionChange(stream.onSession)
	commonlog.Infof("event=chat_events action=connect status=ok user_id=%s", protocolID)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	unsubSession()
	stream.bind(nil, "")
	close(stream.done)
	writer.Wait()
	_ = conn.Close()
	commonlog.Infof("event=chat_events action=disconnect status=ok user_id=%s", protocolID)
}

func (s *eventStream) onSession(sess *binder.Session) {
	ready := sess.IsReady()
	env := eventsink.Envelope{
		Type:       eventsink.TypeSessionChanged,
		Ready:      &ready,
		OccurredAt: time.Now().UTC(),
	}
	if sess != nil && sess.UserID == s.protocolID {
		env.UserID = sess.UserID
		env.SessionID = sess.ID
		if err := sess.Err(); err != nil {
			env.Error = err.Error()
		}
	}
	// Port listeners are in place before the client sees the session frame.
	if ready && sess.UserID == s.protocolID {
		s.bind(sess, sess.ID)
	} else {
		s.bind(nil, "")
	}
	s.push(env)
}

func (s *eventStream) bind(sess *binder.Session, sessionID string) {
	var unsubs []pubsub.Unsubscribe
	if sess != nil {
		p := sess.Port()
		user := sess.UserID
		unsubs = []pubsub.Unsubscribe{
			p.OnMessage(func(msg domain.ChatMessage) {
				s.push(eventsink.MessageCreated(user, sessionID, msg))
			}),
			p.OnRoomUpdate(func(room domain.ChatRoom) {
				s.push(eventsink.RoomUpdated(user, sessionID, room))
			}),
			p.OnConnectionChange(func(connected bool) {
				s.push(eventsink.ConnectionChanged(user, sessionID, connected))
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
}

// push never blocks the publisher; a slow client loses frames.
func (s *eventStream) push(env eventsink.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case <-s.done:
	case s.send <- b:
	default:
		commonlog.Warnf("event=chat_events action=push status=dropped user_id=%s type=%s", s.protocolID, env.Type)
	}
}

func (s *eventStream) writeLoop() {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-s.done:
			return
		case b := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
