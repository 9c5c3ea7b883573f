package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"friendmap/internal/ids"
)

const memMaxMessagesPerPlan = 10_000

// InMemoryStore is a dev-only fallback when the DB is not configured.
// It supports:
//   - SendMessage: idempotent + seq allocation
//   - FetchMessages: paging by after_seq
//   - read markers and summary derivation, for CI/smoke determinism
type InMemoryStore struct {
	mu      sync.Mutex
	plans   map[string]*memPlanChat
	markers map[string]map[string]time.Time // plan id -> user id -> last read
}

type memPlanChat struct {
	seq    int64
	dedupe map[string]Message // client_msg_id -> stored message
	msgs   []Message          // ordered by seq
}

// NewInMemoryStore constructs an in-memory chat Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		plans:   make(map[string]*memPlanChat),
		markers: make(map[string]map[string]time.Time),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// SendMessage persists a message with idempotency and monotonic sequence
// allocation.
func (s *InMemoryStore) SendMessage(ctx context.Context, in SendInput) (SendResult, error) {
	if in.PlanID == "" || in.ClientMsgID == "" || in.SenderID == "" {
		return SendResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.plans[in.PlanID]
	if c == nil {
		c = &memPlanChat{
			dedupe: make(map[string]Message),
			msgs:   make([]Message, 0, 256),
		}
		s.plans[in.PlanID] = c
	}

	if existing, ok := c.dedupe[in.ClientMsgID]; ok {
		return SendResult{Stored: existing, Duplicated: true}, nil
	}

	serverID, err := ids.NewULID(now)
	if err != nil {
		return SendResult{}, err
	}

	c.seq++
	msg := Message{
		ID:          serverID,
		ClientMsgID: in.ClientMsgID,
		PlanID:      in.PlanID,
		SenderID:    in.SenderID,
		SenderName:  in.SenderName,
		Content:     in.Content,
		Seq:         c.seq,
		SentAt:      now,
		Delivery:    DeliverySent,
	}
	c.dedupe[in.ClientMsgID] = msg
	c.msgs = append(c.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerPlan {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerPlan:]
	}

	return SendResult{Stored: msg, Duplicated: false}, nil
}

// FetchMessages returns messages ordered by seq ASC with paging via
// after_seq.
func (s *InMemoryStore) FetchMessages(ctx context.Context, in FetchInput) (FetchResult, error) {
	if in.PlanID == "" {
		return FetchResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	c := s.plans[in.PlanID]
	var snap []Message
	if c != nil {
		snap = append([]Message(nil), c.msgs...)
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return FetchResult{}, nil
	}

	sort.Slice(snap, func(i, j int) bool { return snap[i].Seq < snap[j].Seq })

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
		if start >= len(snap) {
			return FetchResult{}, nil
		}
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	return FetchResult{Messages: out, HasMore: hasMore}, nil
}

// MarkRead stores the user's last-read marker for the plan.
func (s *InMemoryStore) MarkRead(ctx context.Context, planID, userID string, at time.Time) error {
	if planID == "" || userID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.markers[planID]
	if users == nil {
		users = make(map[string]time.Time)
		s.markers[planID] = users
	}
	// Markers only move forward.
	if at.After(users[userID]) {
		users[userID] = at
	}
	return nil
}

// FetchSummaries derives per-plan metadata with unread counts against the
// user's markers. A message is unread when it is newer than the marker and
// not sent by the user.
func (s *InMemoryStore) FetchSummaries(ctx context.Context, userID string, planIDs []string) ([]Summary, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Summary, 0, len(planIDs))
	for _, planID := range planIDs {
		sum := Summary{PlanID: planID}
		marker := s.markers[planID][userID]

		if c := s.plans[planID]; c != nil && len(c.msgs) > 0 {
			last := c.msgs[len(c.msgs)-1]
			sum.LastMessageAt = last.SentAt
			sum.LastPreview = last.Content
			sum.LastSenderID = last.SenderID

			for _, m := range c.msgs {
				if m.SenderID != userID && m.SentAt.After(marker) {
					sum.UnreadCount++
				}
			}
		}

		out = append(out, sum)
	}
	return out, nil
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
