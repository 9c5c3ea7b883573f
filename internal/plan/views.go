package plan

import (
	"sort"
	"time"
)

// DateFilterKind selects the date-range component of FilteredPlans.
type DateFilterKind uint8

const (
	DateAny DateFilterKind = iota
	DateToday
	DateTomorrow
	DateNextDays
	DateCustomDay
)

// DateFilter narrows plans to a date window relative to "now".
type DateFilter struct {
	Kind DateFilterKind

	// Days applies to DateNextDays: plans starting within the next N days.
	Days int

	// Day applies to DateCustomDay: plans starting on that calendar day.
	Day time.Time
}

func (f DateFilter) matches(startsAt, now time.Time) bool {
	switch f.Kind {
	case DateToday:
		return sameDay(startsAt, now)
	case DateTomorrow:
		return sameDay(startsAt, now.AddDate(0, 0, 1))
	case DateNextDays:
		days := f.Days
		if days <= 0 {
			return true
		}
		limit := now.AddDate(0, 0, days)
		return startsAt.After(now) && startsAt.Before(limit)
	case DateCustomDay:
		return sameDay(startsAt, f.Day)
	default:
		return true
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// UpcomingPlans returns plans with a future start, soonest first.
func (s *Service) UpcomingPlans() []Plan {
	now := s.clock()
	return s.selectPlans(func(p Plan) bool { return p.Upcoming(now) })
}

// FilteredPlans intersects an optional activity-type filter with a date
// filter. An empty activity matches every type.
func (s *Service) FilteredPlans(activity ActivityType, f DateFilter) []Plan {
	now := s.clock()
	return s.selectPlans(func(p Plan) bool {
		if activity != "" && p.Activity != activity {
			return false
		}
		return f.matches(p.StartsAt, now)
	})
}

// InvitedPlans returns future plans the user has an open invite for.
func (s *Service) InvitedPlans(userID string) []Plan {
	now := s.clock()
	return s.selectPlans(func(p Plan) bool {
		return p.Upcoming(now) && s.ledger.StatusOf(p.ID, userID) == StatusInvited
	})
}

// HostedPlans returns the plans the user hosts.
func (s *Service) HostedPlans(userID string) []Plan {
	return s.selectPlans(func(p Plan) bool { return p.HostUserID == userID })
}

// MyPlans returns plans the user is going to or considering, excluding the
// ones they host.
func (s *Service) MyPlans(userID string) []Plan {
	return s.selectPlans(func(p Plan) bool {
		if p.HostUserID == userID {
			return false
		}
		st := s.ledger.StatusOf(p.ID, userID)
		return st == StatusGoing || st == StatusMaybe
	})
}

// FriendPlans returns plans the user has no status on and does not host.
func (s *Service) FriendPlans(userID string) []Plan {
	return s.selectPlans(func(p Plan) bool {
		return p.HostUserID != userID && s.ledger.StatusOf(p.ID, userID) == StatusNone
	})
}

// ChatScopedPlans returns the plans whose chat the user belongs to: hosted,
// going/maybe, or present in the attendee set.
func (s *Service) ChatScopedPlans(userID string) []Plan {
	return s.selectPlans(func(p Plan) bool { return s.isChatMember(p, userID) })
}

// IsChatMember reports whether the user may read and write the plan's chat.
func (s *Service) IsChatMember(planID, userID string) bool {
	p, ok := s.PlanByID(planID)
	if !ok {
		return false
	}
	return s.isChatMember(p, userID)
}

func (s *Service) isChatMember(p Plan, userID string) bool {
	if userID == "" {
		return false
	}
	if p.HostUserID == userID {
		return true
	}
	switch s.ledger.StatusOf(p.ID, userID) {
	case StatusGoing, StatusMaybe:
		return true
	}
	return false
}

// selectPlans snapshots the catalog under the lock and filters it outside.
// Results are sorted by start time, ties broken by id, so list views are
// stable across reloads.
func (s *Service) selectPlans(keep func(Plan) bool) []Plan {
	s.mu.Lock()
	snap := make([]Plan, 0, len(s.catalog))
	for _, p := range s.catalog {
		snap = append(snap, p)
	}
	s.mu.Unlock()

	out := snap[:0]
	for _, p := range snap {
		if keep(p) {
			out = append(out, p)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
