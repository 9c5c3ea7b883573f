package chat

import (
	"log/slog"
	"sync"
)

// Hub owns the in-memory per-plan chat rooms. It is intentionally minimal:
// persistence lives behind Store, membership policy lives in the Service.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// GetOrCreateRoom returns a stable in-memory room handle for the plan.
func (h *Hub) GetOrCreateRoom(planID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[planID]; ok {
		return r
	}

	r := NewRoom(h.log, planID)
	h.rooms[planID] = r
	return r
}

// Room is the per-plan membership + broadcast fanout primitive.
//
// Concurrency guarantees:
//   - Join/Leave are safe under concurrent Broadcast.
//   - Broadcast never blocks (drops under backpressure).
//   - Broadcast is panic-safe because Client.Send is never closed.
type Room struct {
	log    *slog.Logger
	PlanID string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a room for one plan's chat.
func NewRoom(log *slog.Logger, planID string) *Room {
	return &Room{
		log:     log,
		PlanID:  planID,
		members: make(map[string]*Client),
	}
}

// Join adds a client to the room.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("chat.room.join", "plan_id", r.PlanID, "session_id", client.SessionID, "user_id", client.UserID)
}

// Leave removes a client from the room and signals its shutdown.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	var cl *Client

	r.mu.Lock()
	cl = r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	// Signal client shutdown after removing from membership. This ordering
	// avoids race windows where a broadcaster still holds a pointer while
	// the client goroutines are being torn down.
	if cl != nil {
		cl.Close()
	}

	r.log.Info("chat.room.leave", "plan_id", r.PlanID, "session_id", sessionID)
}

// Broadcast fanouts an envelope to all members.
// Non-blocking: a full member queue or a shutting-down client is skipped.
func (r *Room) Broadcast(env Envelope) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole room.
		}
	}
}
