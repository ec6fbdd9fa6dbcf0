// Package readmodel derives UI-facing views from a chat port: recent rooms in
// recency order and a paginated message window for the open room.
package readmodel

import (
	"context"
	"slices"
	"sort"
	"sync"

	"chatcore/server/chat/adapter"
	"chatcore/server/chat/domain"
	"chatcore/server/chat/port"
	"chatcore/server/common/pubsub"
)

// RecentRooms keeps joined rooms sorted by recency. Room updates are merged in
// place rather than refetching the list.
type RecentRooms struct {
	port  port.ChatPort
	limit int

	emit sync.Mutex

	mu     sync.Mutex
	sorted []domain.ChatRoom
	unsub  pubsub.Unsubscribe

	changes *pubsub.Topic[[]domain.ChatRoom]
}

func NewRecentRooms(p port.ChatPort, limit int) *RecentRooms {
	if limit <= 0 {
		limit = adapter.DefaultRoomLimit
	}
	r := &RecentRooms{
		port:    p,
		limit:   limit,
		changes: pubsub.NewTopic[[]domain.ChatRoom](),
	}
	r.unsub = p.OnRoomUpdate(r.handleRoomUpdate)
	return r
}

// Load replaces the view with the port's current room list.
func (r *RecentRooms) Load(ctx context.Context) error {
	rooms, err := r.port.GetRooms(ctx)
	if err != nil {
		return err
	}
	r.commit(func(sorted []domain.ChatRoom) []domain.ChatRoom {
		next := make([]domain.ChatRoom, 0, len(rooms))
		for _, room := range rooms {
			if room.IsJoined {
				next = append(next, room)
			}
		}
		adapter.SortByRecency(next)
		return next
	})
	return nil
}

func (r *RecentRooms) handleRoomUpdate(room domain.ChatRoom) {
	r.commit(func(sorted []domain.ChatRoom) []domain.ChatRoom {
		return place(sorted, room)
	})
}

// place removes room from sorted and reinserts it at its recency position
// after any room with an equal key. Rooms no longer joined are dropped.
func place(sorted []domain.ChatRoom, room domain.ChatRoom) []domain.ChatRoom {
	for i := range sorted {
		if sorted[i].ID == room.ID {
			sorted = slices.Delete(sorted, i, i+1)
			break
		}
	}
	if !room.IsJoined {
		return sorted
	}
	key := room.RecencyKey()
	at := sort.Search(len(sorted), func(i int) bool {
		return sorted[i].RecencyKey() < key
	})
	return slices.Insert(sorted, at, room)
}

func (r *RecentRooms) commit(mutate func([]domain.ChatRoom) []domain.ChatRoom) {
	r.emit.Lock()
	defer r.emit.Unlock()

	r.mu.Lock()
	r.sorted = mutate(r.sorted)
	view := r.viewLocked()
	r.mu.Unlock()

	r.changes.Publish(view)
}

// Rooms returns up to limit joined rooms, most recent first.
func (r *RecentRooms) Rooms() []domain.ChatRoom {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

func (r *RecentRooms) viewLocked() []domain.ChatRoom {
	n := min(len(r.sorted), r.limit)
	return append(make([]domain.ChatRoom, 0, n), r.sorted[:n]...)
}

// OnChange is called with the new view after every load or room update.
func (r *RecentRooms) OnChange(fn func([]domain.ChatRoom)) pubsub.Unsubscribe {
	return r.changes.Subscribe(fn)
}

func (r *RecentRooms) Close() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	r.changes.Clear()
}
