// Package notify derives and persists user notifications from ledger state,
// deduplicating so a reconciliation pass never stores the same logical
// notification twice.
package notify

import "time"

// Type enumerates notification kinds.
type Type string

const (
	// TypeInvite is the per-(user, plan) invite notification.
	TypeInvite Type = "invite"
)

// Notification is a stored, deduplicated notification record.
//
// Dedup key: (UserID, Type, PlanID). At most one record exists per key.
type Notification struct {
	ID        string
	UserID    string
	Type      Type
	PlanID    string
	Title     string
	Body      string
	CreatedAt time.Time
	ReadAt    *time.Time
}
