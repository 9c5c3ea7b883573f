// Package chat implements the per-plan ephemeral group chat: optimistic
// message sending, read-state and unread counts, live fanout to open
// conversations, and the WebSocket gateway.
package chat

import "time"

// DeliveryStatus tracks a locally sent message through remote confirmation.
type DeliveryStatus string

const (
	DeliverySending DeliveryStatus = "sending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Message is one chat message in a plan's stream.
//
// ID and Seq are server-assigned and empty/zero until the remote write is
// confirmed. ClientMsgID is the client-local identity used for optimistic
// display and send idempotency.
type Message struct {
	ID          string
	ClientMsgID string
	PlanID      string
	SenderID    string
	SenderName  string
	Content     string
	Seq         int64
	SentAt      time.Time
	Delivery    DeliveryStatus
}

// Summary is the per-plan chat metadata joined into the event list.
type Summary struct {
	PlanID        string
	UnreadCount   int
	LastMessageAt time.Time // zero when the plan has no messages
	LastPreview   string
	LastSenderID  string
}

// HasMessages reports whether the plan's chat has any message.
func (s Summary) HasMessages() bool { return !s.LastMessageAt.IsZero() }
