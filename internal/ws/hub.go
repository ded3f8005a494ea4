package ws

import (
	"context"
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"chat-core/internal/observability"
)

// Subscriber is the registry's non-owning view of a live connection.
// Deliver must not block; a failed delivery means the subscriber is gone.
type Subscriber interface {
	ID() string
	Deliver(frame []byte) error
}

type closer interface {
	Close(code int, reason string)
}

type room struct {
	mu          sync.Mutex
	subscribers map[string]Subscriber

	// publish orders persist+broadcast and join+history per room.
	publish *semaphore.Weighted
}

// Hub maintains active websocket rooms keyed by chat id.
type Hub struct {
	rooms map[int]*room
	mu    sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[int]*room)}
}

func (h *Hub) room(chatID int) *room {
	h.mu.RLock()
	r, ok := h.rooms[chatID]
	h.mu.RUnlock()
	if ok {
		return r
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok = h.rooms[chatID]; !ok {
		r = &room{subscribers: make(map[string]Subscriber), publish: semaphore.NewWeighted(1)}
		h.rooms[chatID] = r
	}
	return r
}

// Join registers sub in the chat room. Joining twice keeps a single entry.
func (h *Hub) Join(chatID int, sub Subscriber) bool {
	r := h.room(chatID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subscribers[sub.ID()]; exists {
		return false
	}
	r.subscribers[sub.ID()] = sub
	return true
}

// Leave removes sub from the chat room; absent subscribers are ignored.
func (h *Hub) Leave(chatID int, sub Subscriber) bool {
	r := h.room(chatID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subscribers[sub.ID()]; !exists {
		return false
	}
	delete(r.subscribers, sub.ID())
	return true
}

// Broadcast hands frame to every subscriber present at the time of the call
// and returns how many accepted it. Subscribers that fail are dropped from
// the room; tearing down their connection is left to their owner.
func (h *Hub) Broadcast(chatID int, frame []byte) int {
	r := h.room(chatID)
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for id, sub := range r.subscribers {
		if err := sub.Deliver(frame); err != nil {
			log.Printf("websocket deliver error chat_id=%d conn_id=%s: %v", chatID, id, err)
			delete(r.subscribers, id)
			observability.IncDelivery("failed")
			continue
		}
		delivered++
		observability.IncDelivery("ok")
	}
	return delivered
}

// Sequenced runs fn while holding the room's publish lock and returns its
// error. Waiting for the lock gives up when ctx ends. Membership stays usable
// from inside fn; fn must not wait on a subscriber's socket.
func (h *Hub) Sequenced(ctx context.Context, chatID int, fn func() error) error {
	r := h.room(chatID)
	if err := r.publish.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.publish.Release(1)
	return fn()
}

// RoomSize reports the number of subscribers in the chat room.
func (h *Hub) RoomSize(chatID int) int {
	h.mu.RLock()
	r, ok := h.rooms[chatID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// Rooms lists every chat id the hub has seen, including empty rooms.
func (h *Hub) Rooms() []int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]int, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// CloseAll asks every subscriber that can be closed to shut down. Membership
// is released by each session's own cleanup.
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.RLock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	for _, r := range rooms {
		r.mu.Lock()
		subs := make([]Subscriber, 0, len(r.subscribers))
		for _, sub := range r.subscribers {
			subs = append(subs, sub)
		}
		r.mu.Unlock()

		for _, sub := range subs {
			if c, ok := sub.(closer); ok {
				c.Close(code, reason)
			}
		}
	}
}
