package domain

import (
	"strings"
	"time"
)

type RoomType string
type MessageType string
type Presence string

const (
	RoomTypeDirect  RoomType = "direct"
	RoomTypeGroup   RoomType = "group"
	RoomTypeChannel RoomType = "channel"
)

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
	PresenceAway    Presence = "away"
)

// UndecryptableContent replaces the body of an event that could not be
// decrypted, so the message still occupies its slot in the timeline.
const UndecryptableContent = "🔒 Unable to decrypt message"

// ChannelSigil is the leading character of a room name that marks it as a
// public channel.
const ChannelSigil = "#"

type ChatRoom struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Type        RoomType     `json:"type"`
	MemberCount int          `json:"member_count"`
	IsJoined    bool         `json:"is_joined"`
	IsEncrypted bool         `json:"is_encrypted"`
	LastMessage *ChatMessage `json:"last_message,omitempty"`
	// LastActiveTimestamp is wall-clock milliseconds of the newest known event.
	LastActiveTimestamp int64 `json:"last_active_timestamp"`
	// BumpStamp is the server-side recency index, when the service provides one.
	BumpStamp *int64 `json:"bump_stamp,omitempty"`
}

// RecencyKey orders rooms: the server bump stamp when present, wall clock otherwise.
func (r ChatRoom) RecencyKey() int64 {
	if r.BumpStamp != nil {
		return *r.BumpStamp
	}
	return r.LastActiveTimestamp
}

type ChatMessage struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"room_id"`
	Sender    string      `json:"sender"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Type      MessageType `json:"type"`
}

type ChatUser struct {
	ID          string   `json:"id"`
	DisplayName *string  `json:"display_name,omitempty"`
	AvatarURL   *string  `json:"avatar_url,omitempty"`
	Presence    Presence `json:"presence"`
}

// User is the authenticated application user handed to the session binder.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	// ProtocolID is the chat protocol identity, shaped @localpart:domain.
	ProtocolID string `json:"protocol_id"`
}

// ClassifyRoom applies the room type heuristic: two members is a direct chat,
// a name starting with the channel sigil is a channel, everything else a group.
func ClassifyRoom(name string, memberCount int) RoomType {
	if memberCount == 2 {
		return RoomTypeDirect
	}
	if strings.HasPrefix(name, ChannelSigil) {
		return RoomTypeChannel
	}
	return RoomTypeGroup
}
