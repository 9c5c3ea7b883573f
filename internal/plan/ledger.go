package plan

import (
	"sort"
	"sync"
)

// Ledger holds the RSVP status for every known (plan, user) pair.
//
// It stores only the status enum; the attendee and pending-approval sets are
// computed views over it. That keeps the set/status invariants
// (going <=> attendee, pending <=> pending-set, mutual exclusion) true by
// construction instead of by careful double bookkeeping.
//
// All mutators are idempotent: adding a present user or removing an absent
// one is a no-op, not an error.
type Ledger struct {
	mu     sync.RWMutex
	status map[string]map[string]Status // plan id -> user id -> status
}

// NewLedger constructs an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{status: make(map[string]map[string]Status)}
}

// StatusOf returns the RSVP status for (planID, userID). Absent pairs are
// StatusNone.
func (l *Ledger) StatusOf(planID, userID string) Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if users, ok := l.status[planID]; ok {
		if s, ok := users[userID]; ok {
			return s
		}
	}
	return StatusNone
}

// SetStatus records the status for (planID, userID). StatusNone removes the
// entry so absence stays the canonical encoding of "none".
func (l *Ledger) SetStatus(planID, userID string, s Status) {
	if planID == "" || userID == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLocked(planID, userID, s)
}

func (l *Ledger) setLocked(planID, userID string, s Status) {
	users := l.status[planID]
	if s == StatusNone {
		if users == nil {
			return
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(l.status, planID)
		}
		return
	}

	if users == nil {
		users = make(map[string]Status)
		l.status[planID] = users
	}
	users[userID] = s
}

// AttendeesOf returns the sorted user ids with confirmed (going) status.
func (l *Ledger) AttendeesOf(planID string) []string {
	return l.usersWith(planID, StatusGoing)
}

// PendingOf returns the sorted user ids awaiting host approval.
func (l *Ledger) PendingOf(planID string) []string {
	return l.usersWith(planID, StatusPending)
}

func (l *Ledger) usersWith(planID string, want Status) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	users := l.status[planID]
	if len(users) == 0 {
		return nil
	}

	out := make([]string, 0, len(users))
	for id, s := range users {
		if s == want {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// AddAttendee marks the user as going. Any pending entry is superseded,
// preserving mutual exclusion.
func (l *Ledger) AddAttendee(planID, userID string) {
	l.SetStatus(planID, userID, StatusGoing)
}

// RemoveAttendee clears a going status. Other statuses are left untouched.
func (l *Ledger) RemoveAttendee(planID, userID string) {
	l.clearIf(planID, userID, StatusGoing)
}

// AddPending marks the user as awaiting approval.
func (l *Ledger) AddPending(planID, userID string) {
	l.SetStatus(planID, userID, StatusPending)
}

// RemovePending clears a pending status. Other statuses are left untouched.
func (l *Ledger) RemovePending(planID, userID string) {
	l.clearIf(planID, userID, StatusPending)
}

func (l *Ledger) clearIf(planID, userID string, want Status) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if users, ok := l.status[planID]; ok && users[userID] == want {
		l.setLocked(planID, userID, StatusNone)
	}
}

// Approve atomically moves a pending user to going. No-op if the user is not
// currently pending.
func (l *Ledger) Approve(planID, userID string) bool {
	return l.resolvePending(planID, userID, StatusGoing)
}

// Deny clears a pending request. No-op if the user is not currently pending.
func (l *Ledger) Deny(planID, userID string) bool {
	return l.resolvePending(planID, userID, StatusNone)
}

func (l *Ledger) resolvePending(planID, userID string, next Status) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	users, ok := l.status[planID]
	if !ok || users[userID] != StatusPending {
		return false
	}
	l.setLocked(planID, userID, next)
	return true
}

// Purge removes every entry for the plan. Used by plan deletion.
func (l *Ledger) Purge(planID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.status, planID)
}

// MergePlan overlays remote-confirmed statuses onto the plan's entries.
// Users the remote data does not mention keep their local status: the bulk
// fetch only reports confirmed attendees plus one user's own RSVP map, so
// absence there says nothing about another user's pending, invited, or
// maybe state. The one contradiction that does force a removal is a locally
// going user missing from the remote set — the fetched attendee list is
// authoritative for going. StatusNone values in the input are dropped.
func (l *Ledger) MergePlan(planID string, remote map[string]Status) {
	if planID == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var stale []string
	for userID, cur := range l.status[planID] {
		if cur != StatusGoing {
			continue
		}
		if _, ok := remote[userID]; !ok {
			stale = append(stale, userID)
		}
	}
	for _, userID := range stale {
		l.setLocked(planID, userID, StatusNone)
	}
	for userID, s := range remote {
		l.setLocked(planID, userID, s)
	}
}

// StatusesFor returns the user's status for every plan they appear on.
func (l *Ledger) StatusesFor(userID string) map[string]Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]Status)
	for planID, users := range l.status {
		if s, ok := users[userID]; ok {
			out[planID] = s
		}
	}
	return out
}
