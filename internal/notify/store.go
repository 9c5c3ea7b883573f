package notify

import "context"

// Store is the persistence boundary for notifications.
//
// Requirements:
//   - Insert is idempotent per (user_id, type, plan_id): inserting an
//     existing key returns the stored record with Inserted=false and must
//     not create a duplicate.
//   - Fetch returns a user's notifications newest first.
type Store interface {
	Fetch(ctx context.Context, userID string) ([]Notification, error)
	Insert(ctx context.Context, n Notification) (InsertResult, error)
	MarkRead(ctx context.Context, id string) error
	Close() error
}

// InsertResult is the insert outcome.
type InsertResult struct {
	Stored   Notification
	Inserted bool
}
