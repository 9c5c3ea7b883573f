package plan

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// InMemoryStore is a dev-only RemoteStore used when no database is
// configured. It also backs the package tests.
//
// It enforces the remote-side rules the reconciliation service relies on:
// RSVP clearing via StatusNone and kick-implied bans.
type InMemoryStore struct {
	mu     sync.Mutex
	plans  map[string]Plan
	rsvps  map[string]map[string]Status // plan id -> user id -> status
	banned map[string]map[string]string // plan id -> user id -> reason
}

// NewInMemoryStore constructs an empty in-memory RemoteStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		plans:  make(map[string]Plan),
		rsvps:  make(map[string]map[string]Status),
		banned: make(map[string]map[string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// FetchPlans returns the full catalog sorted by id for determinism.
func (s *InMemoryStore) FetchPlans(ctx context.Context) ([]Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreatePlan upserts the plan. Re-creating the same id is not an error so
// the service can retry after divergence.
func (s *InMemoryStore) CreatePlan(ctx context.Context, p Plan) error {
	if p.ID == "" || p.HostUserID == "" {
		return errors.New("invalid plan")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p
	return nil
}

// UpdatePlan replaces the stored plan. Unknown ids are a no-op.
func (s *InMemoryStore) UpdatePlan(ctx context.Context, p Plan) error {
	if p.ID == "" {
		return errors.New("missing plan id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[p.ID]; ok {
		s.plans[p.ID] = p
	}
	return nil
}

// DeletePlan removes the plan and all its RSVP records.
func (s *InMemoryStore) DeletePlan(ctx context.Context, planID string) error {
	if planID == "" {
		return errors.New("missing plan id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plans, planID)
	delete(s.rsvps, planID)
	delete(s.banned, planID)
	return nil
}

// FetchMyRSVPs returns the user's status for every plan they appear on.
func (s *InMemoryStore) FetchMyRSVPs(ctx context.Context, userID string) (map[string]Status, error) {
	if userID == "" {
		return nil, errors.New("missing user id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Status)
	for planID, users := range s.rsvps {
		if st, ok := users[userID]; ok {
			out[planID] = st
		}
	}
	return out, nil
}

// FetchAttendeesForPlans returns confirmed attendees keyed by plan id.
func (s *InMemoryStore) FetchAttendeesForPlans(ctx context.Context, planIDs []string) (map[string][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]string, len(planIDs))
	for _, planID := range planIDs {
		users := s.rsvps[planID]
		if len(users) == 0 {
			continue
		}
		var ids []string
		for userID, st := range users {
			if st == StatusGoing {
				ids = append(ids, userID)
			}
		}
		if len(ids) > 0 {
			sort.Strings(ids)
			out[planID] = ids
		}
	}
	return out, nil
}

// UpdateRSVP upserts the status. StatusNone clears the record. Kicked users
// cannot write a new status for that plan.
func (s *InMemoryStore) UpdateRSVP(ctx context.Context, planID, userID string, st Status) error {
	if planID == "" || userID == "" {
		return errors.New("invalid input")
	}
	if !ValidStatus(st) {
		return errors.New("invalid status")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st != StatusNone {
		if _, kicked := s.banned[planID][userID]; kicked {
			return errors.New("user is banned from plan")
		}
	}

	users := s.rsvps[planID]
	if st == StatusNone {
		if users != nil {
			delete(users, userID)
			if len(users) == 0 {
				delete(s.rsvps, planID)
			}
		}
		return nil
	}

	if users == nil {
		users = make(map[string]Status)
		s.rsvps[planID] = users
	}
	users[userID] = st
	return nil
}

// KickUser removes the RSVP record and records a ban so later re-join
// attempts are rejected.
func (s *InMemoryStore) KickUser(ctx context.Context, planID, userID, byUserID, reason string) error {
	if planID == "" || userID == "" || byUserID == "" {
		return errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if users := s.rsvps[planID]; users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.rsvps, planID)
		}
	}

	bans := s.banned[planID]
	if bans == nil {
		bans = make(map[string]string)
		s.banned[planID] = bans
	}
	bans[userID] = reason
	return nil
}
