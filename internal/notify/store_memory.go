package notify

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a dev-only fallback when the DB is not configured. It
// enforces the same (user_id, type, plan_id) dedup rule as the Postgres
// store.
type InMemoryStore struct {
	mu      sync.Mutex
	byID    map[string]Notification
	byDedup map[dedupKey]string // key -> notification id
}

type dedupKey struct {
	userID string
	typ    Type
	planID string
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:    make(map[string]Notification),
		byDedup: make(map[dedupKey]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Fetch returns the user's notifications newest first.
func (s *InMemoryStore) Fetch(ctx context.Context, userID string) ([]Notification, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Notification
	for _, n := range s.byID {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Insert stores the notification unless its dedup key already exists.
func (s *InMemoryStore) Insert(ctx context.Context, n Notification) (InsertResult, error) {
	if n.ID == "" || n.UserID == "" || n.Type == "" || n.PlanID == "" {
		return InsertResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey{userID: n.UserID, typ: n.Type, planID: n.PlanID}
	if existingID, ok := s.byDedup[key]; ok {
		return InsertResult{Stored: s.byID[existingID], Inserted: false}, nil
	}

	s.byID[n.ID] = n
	s.byDedup[key] = n.ID
	return InsertResult{Stored: n, Inserted: true}, nil
}

// MarkRead sets the read timestamp. Unknown ids return ErrNotFound.
func (s *InMemoryStore) MarkRead(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if n.ReadAt == nil {
		now := time.Now().UTC()
		n.ReadAt = &now
		s.byID[id] = n
	}
	return nil
}
