package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"

	"chatcore/server/chat/driver"
)

func parseEvent(t *testing.T, raw string) *event.Event {
	t.Helper()
	var evt event.Event
	require.NoError(t, json.Unmarshal([]byte(raw), &evt))
	return &evt
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func TestNewClient_RequiresServiceURL(t *testing.T) {
	_, err := NewClient(driver.Config{UserID: "@alice:example.org"}, Options{})
	assert.Error(t, err)
}

func TestLoginWithToken_SendsDeviceHint(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.True(t, strings.HasSuffix(r.URL.Path, "/login"), r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, map[string]string{
			"user_id":      "@alice:example.org",
			"device_id":    "NEWDEVICE",
			"access_token": "syt_access",
		})
	}))
	defer srv.Close()

	res, err := Authenticator{ServiceURL: srv.URL}.LoginWithToken(context.Background(), "sso-token", "OLDDEVICE")
	require.NoError(t, err)
	assert.Equal(t, LoginResult{UserID: "@alice:example.org", DeviceID: "NEWDEVICE", AccessToken: "syt_access"}, res)

	assert.Equal(t, "m.login.token", got["type"])
	assert.Equal(t, "sso-token", got["token"])
	assert.Equal(t, "OLDDEVICE", got["device_id"])
	assert.Equal(t, defaultDeviceDisplayName, got["initial_device_display_name"])
}

func TestLoginWithToken_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"Invalid token"}`))
	}))
	defer srv.Close()

	_, err := Authenticator{ServiceURL: srv.URL}.LoginWithToken(context.Background(), "stale", "")
	assert.Error(t, err)

	_, err = Authenticator{ServiceURL: srv.URL}.LoginWithToken(context.Background(), " ", "")
	assert.Error(t, err)
}

func TestClient_WhoamiAndMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer syt_access", r.Header.Get("Authorization"))
		switch {
		case strings.HasSuffix(r.URL.Path, "/account/whoami"):
			writeJSON(w, map[string]string{"user_id": "@alice:example.org", "device_id": "DEV1"})
		case strings.HasSuffix(r.URL.Path, "/messages"):
			assert.Equal(t, "b", r.URL.Query().Get("dir"))
			assert.Equal(t, "t1", r.URL.Query().Get("from"))
			_, _ = w.Write([]byte(`{
				"start": "t1",
				"end": "t0",
				"chunk": [
					{"event_id": "$2", "type": "m.room.message", "sender": "@bob:example.org", "origin_server_ts": 2000, "content": {"msgtype": "m.text", "body": "second"}},
					{"event_id": "$1", "type": "m.room.message", "sender": "@bob:example.org", "origin_server_ts": 1000, "content": {"msgtype": "m.text", "body": "first"}}
				]
			}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := NewClient(driver.Config{ServiceURL: srv.URL, AccessToken: "syt_access", UserID: "@alice:example.org"}, Options{})
	require.NoError(t, err)

	ident, err := c.Whoami(context.Background())
	require.NoError(t, err)
	assert.Equal(t, driver.Identity{UserID: "@alice:example.org", DeviceID: "DEV1"}, ident)

	page, err := c.Messages(context.Background(), "!room:example.org", "t1", 2)
	require.NoError(t, err)
	assert.Equal(t, "t0", page.End)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "$2", page.Events[0].ID)
	assert.Equal(t, "second", page.Events[0].Body)
	assert.Equal(t, "!room:example.org", page.Events[0].RoomID)
	assert.Equal(t, int64(1000), page.Events[1].Timestamp)
}

func TestConvertEvent(t *testing.T) {
	msg := convertEvent(parseEvent(t, `{"event_id":"$m","room_id":"!r:example.org","type":"m.room.message","sender":"@bob:example.org","origin_server_ts":42,"content":{"msgtype":"m.text","body":"hello"}}`))
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, "m.text", msg.MsgType)
	assert.True(t, msg.IsMessage())
	assert.False(t, msg.IsState())
	assert.NotNil(t, msg.Native)

	join := convertEvent(parseEvent(t, `{"event_id":"$j","type":"m.room.member","state_key":"@carol:example.org","sender":"@carol:example.org","content":{"membership":"join"}}`))
	require.NotNil(t, join.StateKey)
	assert.Equal(t, "@carol:example.org", *join.StateKey)
	assert.Equal(t, driver.MembershipJoin, join.Membership)

	name := convertEvent(parseEvent(t, `{"event_id":"$n","type":"m.room.name","state_key":"","content":{"name":"Team"}}`))
	assert.Equal(t, "Team", name.RoomName)

	alias := convertEvent(parseEvent(t, `{"event_id":"$a","type":"m.room.canonical_alias","state_key":"","content":{"alias":"#team:example.org"}}`))
	assert.Equal(t, "#team:example.org", alias.Alias)

	enc := convertEvent(parseEvent(t, `{"event_id":"$e","type":"m.room.encrypted","sender":"@bob:example.org","content":{"algorithm":"m.megolm.v1.aes-sha2","ciphertext":"AwgA","session_id":"s1"}}`))
	assert.True(t, enc.IsEncrypted())
	assert.Empty(t, enc.Body)
}

func TestJoinedRoomSync(t *testing.T) {
	var room mautrix.SyncJoinedRoom
	require.NoError(t, json.Unmarshal([]byte(`{
		"summary": {"m.joined_member_count": 3, "m.heroes": ["@bob:example.org", "@carol:example.org"]},
		"state": {"events": [{"event_id": "$n", "type": "m.room.name", "state_key": "", "content": {"name": "Team"}}]},
		"timeline": {
			"limited": true,
			"prev_batch": "p1",
			"events": [{"event_id": "$1", "type": "m.room.message", "sender": "@bob:example.org", "origin_server_ts": 10, "content": {"msgtype": "m.text", "body": "hi"}}]
		}
	}`), &room))

	rs := joinedRoomSync("!r:example.org", &room)
	assert.Equal(t, "!r:example.org", rs.RoomID)
	assert.Equal(t, driver.MembershipJoin, rs.Membership)
	assert.True(t, rs.Limited)
	assert.Equal(t, "p1", rs.PrevBatch)
	require.NotNil(t, rs.JoinedMemberCount)
	assert.Equal(t, 3, *rs.JoinedMemberCount)
	assert.Equal(t, []string{"@bob:example.org", "@carol:example.org"}, rs.Heroes)
	require.Len(t, rs.State, 1)
	assert.Equal(t, "Team", rs.State[0].RoomName)
	require.Len(t, rs.Timeline, 1)
	assert.Equal(t, "!r:example.org", rs.Timeline[0].RoomID)
	assert.Nil(t, rs.BumpStamp)
}

func TestTimelineFilter(t *testing.T) {
	raw, err := json.Marshal(timelineFilter(7))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"limit":7`)

	raw, err = json.Marshal(timelineFilter(0))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"limit":5`)
}
