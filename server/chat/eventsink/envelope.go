package eventsink

import (
	"strings"
	"time"

	"chatcore/server/chat/domain"
)

const (
	TypeSessionChanged    = "session.changed"
	TypeMessageCreated    = "message.created"
	TypeRoomUpdated       = "room.updated"
	TypeConnectionChanged = "connection.changed"
)

// Envelope is the wire shape of a mirrored port event.
type Envelope struct {
	Type       string              `json:"type"`
	UserID     string              `json:"user_id,omitempty"`
	SessionID  string              `json:"session_id,omitempty"`
	Message    *domain.ChatMessage `json:"message,omitempty"`
	Room       *domain.ChatRoom    `json:"room,omitempty"`
	Connected  *bool               `json:"connected,omitempty"`
	Ready      *bool               `json:"ready,omitempty"`
	Error      string              `json:"error,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
}

func MessageCreated(userID, sessionID string, msg domain.ChatMessage) Envelope {
	return Envelope{Type: TypeMessageCreated, UserID: userID, SessionID: sessionID, Message: &msg, OccurredAt: time.Now().UTC()}
}

func RoomUpdated(userID, sessionID string, room domain.ChatRoom) Envelope {
	return Envelope{Type: TypeRoomUpdated, UserID: userID, SessionID: sessionID, Room: &room, OccurredAt: time.Now().UTC()}
}

func ConnectionChanged(userID, sessionID string, connected bool) Envelope {
	return Envelope{Type: TypeConnectionChanged, UserID: userID, SessionID: sessionID, Connected: &connected, OccurredAt: time.Now().UTC()}
}

// RoutingKey is <user>.<event type>. Dots in the user id are replaced so the
// user stays a single topic word.
func RoutingKey(userID, eventType string) string {
	user := strings.NewReplacer(".", "_", "*", "_", "#", "_").Replace(userID)
	if user == "" {
		user = "anonymous"
	}
	return user + "." + eventType
}
