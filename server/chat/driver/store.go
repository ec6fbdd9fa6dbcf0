package driver

import (
	"sort"
	"strings"
	"sync"
)

// Room is a read-only snapshot of one cached room.
type Room struct {
	ID             string
	Name           string
	Membership     string
	Encrypted      bool
	JoinedMembers  int
	LastActive     int64
	BumpStamp      *int64
	HasMoreHistory bool
}

func (r Room) Joined() bool {
	return r.Membership == MembershipJoin
}

type roomEntry struct {
	id         string
	name       string
	alias      string
	membership string
	encrypted  bool
	members    map[string]string
	summary    *int
	heroes     []string
	bumpStamp  *int64
	lastActive int64

	timeline  []Event
	seen      map[string]struct{}
	prevBatch string
	exhausted bool
}

type roomStore struct {
	mu    sync.RWMutex
	rooms map[string]*roomEntry
}

func newRoomStore() *roomStore {
	return &roomStore{rooms: map[string]*roomEntry{}}
}

func (s *roomStore) entryLocked(roomID string) *roomEntry {
	entry, ok := s.rooms[roomID]
	if !ok {
		entry = &roomEntry{id: roomID, members: map[string]string{}, seen: map[string]struct{}{}}
		s.rooms[roomID] = entry
	}
	return entry
}

// apply folds one room sync into the cache and returns the timeline events
// that were new.
func (s *roomStore) apply(rs RoomSync) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entryLocked(rs.RoomID)
	if rs.Membership != "" {
		entry.membership = rs.Membership
	}
	if rs.JoinedMemberCount != nil {
		count := *rs.JoinedMemberCount
		entry.summary = &count
	}
	if len(rs.Heroes) > 0 {
		entry.heroes = append([]string(nil), rs.Heroes...)
	}
	if rs.BumpStamp != nil {
		stamp := *rs.BumpStamp
		entry.bumpStamp = &stamp
	}
	for _, evt := range rs.State {
		entry.applyState(evt)
	}

	if rs.Limited && len(rs.Timeline) > 0 {
		entry.timeline = nil
		entry.seen = map[string]struct{}{}
		entry.prevBatch = rs.PrevBatch
		entry.exhausted = false
	} else if len(entry.timeline) == 0 && entry.prevBatch == "" {
		entry.prevBatch = rs.PrevBatch
	}

	fresh := make([]Event, 0, len(rs.Timeline))
	for _, evt := range rs.Timeline {
		evt.RoomID = rs.RoomID
		if evt.IsState() {
			entry.applyState(evt)
		}
		if evt.ID != "" {
			if _, dup := entry.seen[evt.ID]; dup {
				continue
			}
			entry.seen[evt.ID] = struct{}{}
		}
		entry.timeline = append(entry.timeline, evt)
		if evt.Timestamp > entry.lastActive {
			entry.lastActive = evt.Timestamp
		}
		fresh = append(fresh, evt)
	}
	return fresh
}

func (e *roomEntry) applyState(evt Event) {
	switch evt.Type {
	case EventRoomName:
		e.name = strings.TrimSpace(evt.RoomName)
	case EventCanonicalAlias:
		e.alias = strings.TrimSpace(evt.Alias)
	case EventEncryption:
		e.encrypted = true
	case EventMember:
		if evt.StateKey != nil && *evt.StateKey != "" {
			e.members[*evt.StateKey] = evt.Membership
		}
	}
}

// prepend merges a backward page into the timeline and returns how many
// events were added.
func (s *roomStore) prepend(roomID string, page Page) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entryLocked(roomID)
	older := make([]Event, 0, len(page.Events))
	for i := len(page.Events) - 1; i >= 0; i-- {
		evt := page.Events[i]
		evt.RoomID = roomID
		if evt.ID != "" {
			if _, dup := entry.seen[evt.ID]; dup {
				continue
			}
			entry.seen[evt.ID] = struct{}{}
		}
		older = append(older, evt)
		if evt.Timestamp > entry.lastActive {
			entry.lastActive = evt.Timestamp
		}
	}
	entry.timeline = append(older, entry.timeline...)
	entry.prevBatch = page.End
	if page.End == "" || len(page.Events) == 0 {
		entry.exhausted = true
	}
	return len(older)
}

func (s *roomStore) paginationToken(roomID string) (token string, exhausted bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.rooms[roomID]
	if !ok {
		return "", false
	}
	return entry.prevBatch, entry.exhausted
}

// replace swaps a cached event for a new version with the same id.
func (s *roomStore) replace(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.rooms[evt.RoomID]
	if !ok {
		return false
	}
	for i := len(entry.timeline) - 1; i >= 0; i-- {
		if cached := entry.timeline[i]; cached.ID == evt.ID {
			if cached.IsEncrypted() || cached.WasEncrypted {
				evt.WasEncrypted = true
			}
			entry.timeline[i] = evt
			return true
		}
	}
	return false
}

func (s *roomStore) setMembership(roomID, membership string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(roomID).membership = membership
}

func (s *roomStore) timeline(roomID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]Event(nil), entry.timeline...)
}

func (s *roomStore) room(roomID, selfID string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return entry.snapshot(selfID), true
}

func (s *roomStore) list(selfID string) []Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Room, 0, len(s.rooms))
	for _, entry := range s.rooms {
		out = append(out, entry.snapshot(selfID))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *roomEntry) snapshot(selfID string) Room {
	room := Room{
		ID:             e.id,
		Name:           e.displayName(selfID),
		Membership:     e.membership,
		Encrypted:      e.encrypted,
		JoinedMembers:  e.joinedCount(),
		LastActive:     e.lastActive,
		HasMoreHistory: !e.exhausted,
	}
	if e.bumpStamp != nil {
		stamp := *e.bumpStamp
		room.BumpStamp = &stamp
	}
	return room
}

func (e *roomEntry) joinedCount() int {
	if e.summary != nil {
		return *e.summary
	}
	count := 0
	for _, membership := range e.members {
		if membership == MembershipJoin {
			count++
		}
	}
	return count
}

func (e *roomEntry) displayName(selfID string) string {
	if e.name != "" {
		return e.name
	}
	if e.alias != "" {
		return e.alias
	}
	others := make([]string, 0, len(e.heroes))
	for _, hero := range e.heroes {
		if hero != selfID {
			others = append(others, hero)
		}
	}
	if len(others) == 0 {
		for userID, membership := range e.members {
			if userID != selfID && membership == MembershipJoin {
				others = append(others, userID)
			}
		}
		sort.Strings(others)
	}
	if len(others) > 3 {
		others = others[:3]
	}
	if len(others) > 0 {
		return strings.Join(others, ", ")
	}
	return e.id
}
