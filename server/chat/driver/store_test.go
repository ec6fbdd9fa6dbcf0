package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func text(id string, ts int64) Event {
	return Event{ID: id, Type: EventMessage, Sender: "@bob:example.org", Body: id, Timestamp: ts}
}

func member(userID, membership string) Event {
	key := userID
	return Event{ID: "$m-" + userID, Type: EventMember, StateKey: &key, Membership: membership}
}

func ids(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.ID)
	}
	return out
}

func TestRoomStore_ApplyDeduplicates(t *testing.T) {
	s := newRoomStore()
	fresh := s.apply(RoomSync{RoomID: "!r", Membership: MembershipJoin, Timeline: []Event{text("$1", 10), text("$2", 20)}, PrevBatch: "p0"})
	assert.Equal(t, []string{"$1", "$2"}, ids(fresh))

	fresh = s.apply(RoomSync{RoomID: "!r", Timeline: []Event{text("$2", 20), text("$3", 30)}, PrevBatch: "p1"})
	assert.Equal(t, []string{"$3"}, ids(fresh))
	assert.Equal(t, []string{"$1", "$2", "$3"}, ids(s.timeline("!r")))

	token, exhausted := s.paginationToken("!r")
	assert.Equal(t, "p0", token)
	assert.False(t, exhausted)

	room, ok := s.room("!r", "")
	require.True(t, ok)
	assert.Equal(t, int64(30), room.LastActive)
	assert.True(t, room.Joined())
}

func TestRoomStore_LimitedSyncResetsTimeline(t *testing.T) {
	s := newRoomStore()
	s.apply(RoomSync{RoomID: "!r", Timeline: []Event{text("$1", 10)}, PrevBatch: "p0"})
	s.prepend("!r", Page{End: ""})

	s.apply(RoomSync{RoomID: "!r", Limited: true, Timeline: []Event{text("$9", 90)}, PrevBatch: "gap"})
	assert.Equal(t, []string{"$9"}, ids(s.timeline("!r")))
	token, exhausted := s.paginationToken("!r")
	assert.Equal(t, "gap", token)
	assert.False(t, exhausted)

	// the dropped event can come back through pagination
	added := s.prepend("!r", Page{Events: []Event{text("$1", 10)}, End: "p-1"})
	assert.Equal(t, 1, added)
	assert.Equal(t, []string{"$1", "$9"}, ids(s.timeline("!r")))
}

func TestRoomStore_PrependKeepsChronologicalOrder(t *testing.T) {
	s := newRoomStore()
	s.apply(RoomSync{RoomID: "!r", Timeline: []Event{text("$3", 30)}, PrevBatch: "p"})

	added := s.prepend("!r", Page{Events: []Event{text("$2", 20), text("$3", 30), text("$1", 10)}, End: "older"})
	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"$1", "$2", "$3"}, ids(s.timeline("!r")))
	token, _ := s.paginationToken("!r")
	assert.Equal(t, "older", token)

	s.prepend("!r", Page{End: "older"})
	_, exhausted := s.paginationToken("!r")
	assert.True(t, exhausted)
}

func TestRoomStore_DisplayName(t *testing.T) {
	self := "@alice:example.org"
	s := newRoomStore()

	s.apply(RoomSync{RoomID: "!named", State: []Event{{Type: EventRoomName, StateKey: new(string), RoomName: " Team "}}})
	room, _ := s.room("!named", self)
	assert.Equal(t, "Team", room.Name)

	s.apply(RoomSync{RoomID: "!alias", State: []Event{{Type: EventCanonicalAlias, StateKey: new(string), Alias: "#ops:example.org"}}})
	room, _ = s.room("!alias", self)
	assert.Equal(t, "#ops:example.org", room.Name)

	s.apply(RoomSync{RoomID: "!heroes", Heroes: []string{self, "@bob:example.org", "@carol:example.org", "@dan:example.org", "@erin:example.org"}})
	room, _ = s.room("!heroes", self)
	assert.Equal(t, "@bob:example.org, @carol:example.org, @dan:example.org", room.Name)

	s.apply(RoomSync{RoomID: "!members", State: []Event{
		member(self, MembershipJoin),
		member("@zed:example.org", MembershipJoin),
		member("@bob:example.org", MembershipJoin),
		member("@gone:example.org", MembershipLeave),
	}})
	room, _ = s.room("!members", self)
	assert.Equal(t, "@bob:example.org, @zed:example.org", room.Name)
	assert.Equal(t, 3, room.JoinedMembers)

	s.apply(RoomSync{RoomID: "!empty"})
	room, _ = s.room("!empty", self)
	assert.Equal(t, "!empty", room.Name)
}

func TestRoomStore_SummaryCountWins(t *testing.T) {
	s := newRoomStore()
	count := 40
	s.apply(RoomSync{RoomID: "!big", JoinedMemberCount: &count, State: []Event{member("@bob:example.org", MembershipJoin)}})
	room, _ := s.room("!big", "")
	assert.Equal(t, 40, room.JoinedMembers)
}

func TestRoomStore_ReplaceAndList(t *testing.T) {
	s := newRoomStore()
	s.apply(RoomSync{RoomID: "!b", Timeline: []Event{{ID: "$e", Type: EventEncrypted}}})
	s.apply(RoomSync{RoomID: "!a"})

	assert.True(t, s.replace(Event{ID: "$e", RoomID: "!b", Type: EventMessage, Body: "clear"}))
	assert.False(t, s.replace(Event{ID: "$missing", RoomID: "!b"}))
	assert.False(t, s.replace(Event{ID: "$e", RoomID: "!nope"}))
	assert.Equal(t, "clear", s.timeline("!b")[0].Body)

	rooms := s.list("")
	require.Len(t, rooms, 2)
	assert.Equal(t, "!a", rooms[0].ID)
	assert.Equal(t, "!b", rooms[1].ID)
}

func TestMessageWindow(t *testing.T) {
	events := []Event{text("$1", 1), member("@x", MembershipJoin), text("$2", 2), {ID: "$3", Type: EventEncrypted}, text("$4", 4)}
	assert.Equal(t, []string{"$2", "$3", "$4"}, ids(MessageWindow(events, 3)))
	assert.Equal(t, []string{"$1", "$2", "$3", "$4"}, ids(MessageWindow(events, 10)))
	assert.Empty(t, MessageWindow(events, 0))
}
