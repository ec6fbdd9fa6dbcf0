package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"chatcore/server/chat/driver"
)

// syncer is the mautrix default syncer with failure reporting. Callbacks are
// registered once and dispatch to whichever handler the running Sync installed.
type syncer struct {
	*mautrix.DefaultSyncer
	owner *Client
}

func newSyncer(owner *Client) *syncer {
	s := &syncer{DefaultSyncer: mautrix.NewDefaultSyncer(), owner: owner}
	s.OnEvent(owner.cli.StateStoreSyncHandler)
	s.OnSync(s.forward)
	s.OnEventType(event.EventMessage, s.lateDecrypted)
	return s
}

func (s *syncer) OnFailedSync(res *mautrix.RespSync, err error) (time.Duration, error) {
	if h := s.owner.currentHandler(); h != nil {
		h.OnSyncFailed(err)
	}
	return s.DefaultSyncer.OnFailedSync(res, err)
}

func (s *syncer) forward(ctx context.Context, resp *mautrix.RespSync, _ string) bool {
	h := s.owner.currentHandler()
	if h == nil {
		return true
	}
	for roomID, room := range resp.Rooms.Join {
		if room == nil {
			continue
		}
		h.OnRoomSync(ctx, joinedRoomSync(roomID, room))
	}
	for roomID, room := range resp.Rooms.Leave {
		if room == nil {
			continue
		}
		h.OnRoomSync(ctx, leftRoomSync(roomID, room))
	}
	h.OnSyncDone(ctx)
	return true
}

// lateDecrypted sees every message event the crypto helper decrypted, including
// those re-dispatched after their session keys arrived.
func (s *syncer) lateDecrypted(ctx context.Context, evt *event.Event) {
	if evt == nil || !evt.Mautrix.WasEncrypted {
		return
	}
	if h := s.owner.currentHandler(); h != nil {
		h.OnDecrypted(ctx, convertEvent(evt))
	}
}

func timelineFilter(limit int) *mautrix.Filter {
	if limit <= 0 {
		limit = driver.DefaultTimelineLimit
	}
	raw := fmt.Sprintf(`{"room":{"timeline":{"limit":%d},"state":{"lazy_load_members":true}}}`, limit)
	var filter mautrix.Filter
	if err := json.Unmarshal([]byte(raw), &filter); err != nil {
		return nil
	}
	return &filter
}

func joinedRoomSync(roomID id.RoomID, room *mautrix.SyncJoinedRoom) driver.RoomSync {
	rs := driver.RoomSync{
		RoomID:            string(roomID),
		Membership:        driver.MembershipJoin,
		State:             convertEvents(roomID, room.State.Events),
		Timeline:          convertEvents(roomID, room.Timeline.Events),
		Limited:           room.Timeline.Limited,
		PrevBatch:         room.Timeline.PrevBatch,
		JoinedMemberCount: room.Summary.JoinedMemberCount,
	}
	for _, hero := range room.Summary.Heroes {
		rs.Heroes = append(rs.Heroes, string(hero))
	}
	return rs
}

func leftRoomSync(roomID id.RoomID, room *mautrix.SyncLeftRoom) driver.RoomSync {
	return driver.RoomSync{
		RoomID:     string(roomID),
		Membership: driver.MembershipLeave,
		State:      convertEvents(roomID, room.State.Events),
		Timeline:   convertEvents(roomID, room.Timeline.Events),
		Limited:    room.Timeline.Limited,
		PrevBatch:  room.Timeline.PrevBatch,
	}
}

func convertEvents(roomID id.RoomID, events []*event.Event) []driver.Event {
	out := make([]driver.Event, 0, len(events))
	for _, evt := range events {
		if evt == nil {
			continue
		}
		if evt.RoomID == "" {
			evt.RoomID = roomID
		}
		out = append(out, convertEvent(evt))
	}
	return out
}

// convertEvent reads content from the raw JSON so the syncer's own parsing of
// the same event is left alone.
func convertEvent(evt *event.Event) driver.Event {
	out := driver.Event{
		ID:        string(evt.ID),
		RoomID:    string(evt.RoomID),
		Type:      evt.Type.Type,
		Sender:    string(evt.Sender),
		Timestamp: evt.Timestamp,
		StateKey:  evt.StateKey,
		Native:    evt,
	}
	switch evt.Type.Type {
	case event.EventMessage.Type:
		var content event.MessageEventContent
		if decodeContent(evt, &content) {
			out.Body = content.Body
			out.MsgType = string(content.MsgType)
		}
	case event.StateMember.Type:
		var content event.MemberEventContent
		if decodeContent(evt, &content) {
			out.Membership = string(content.Membership)
		}
	case event.StateRoomName.Type:
		var content event.RoomNameEventContent
		if decodeContent(evt, &content) {
			out.RoomName = content.Name
		}
	case event.StateCanonicalAlias.Type:
		var content event.CanonicalAliasEventContent
		if decodeContent(evt, &content) {
			out.Alias = string(content.Alias)
		}
	}
	return out
}

func decodeContent(evt *event.Event, into any) bool {
	raw := evt.Content.VeryRaw
	if len(raw) == 0 && evt.Content.Parsed != nil {
		var err error
		if raw, err = json.Marshal(evt.Content.Parsed); err != nil {
			return false
		}
	}
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, into) == nil
}
