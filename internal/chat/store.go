package chat

import (
	"context"
	"time"
)

// Store is the remote chat persistence boundary.
//
// Requirements:
//   - Idempotency per (plan_id, client_msg_id)
//   - Monotonic seq per plan (no gaps for duplicates)
//   - FetchMessages ordered chronologically (seq ASC)
type Store interface {
	FetchMessages(ctx context.Context, in FetchInput) (FetchResult, error)
	SendMessage(ctx context.Context, in SendInput) (SendResult, error)

	// MarkRead persists the user's last-read marker for the plan.
	MarkRead(ctx context.Context, planID, userID string, at time.Time) error

	// FetchSummaries returns per-plan chat metadata for the given plans,
	// with unread counts computed against the user's read markers.
	FetchSummaries(ctx context.Context, userID string, planIDs []string) ([]Summary, error)

	Close() error
}

// FetchInput describes a history query request.
type FetchInput struct {
	PlanID   string
	AfterSeq *int64
	Limit    int
}

// FetchResult contains the retrieved history window.
type FetchResult struct {
	Messages []Message
	HasMore  bool
}

// SendInput describes a message append request.
type SendInput struct {
	PlanID      string
	ClientMsgID string
	SenderID    string
	SenderName  string
	Content     string
	Now         time.Time
}

// SendResult is the append operation result.
type SendResult struct {
	Stored     Message
	Duplicated bool
}
