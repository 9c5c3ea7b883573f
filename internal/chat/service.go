package chat

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"friendmap/internal/ids"
	"friendmap/internal/plan"
)

const defaultSendTimeout = 10 * time.Second

// PlanDirectory is the slice of the reconciliation service the chat layer
// needs: membership scoping and plan metadata.
type PlanDirectory interface {
	PlanByID(planID string) (plan.Plan, bool)
	IsChatMember(planID, userID string) bool
	ChatScopedPlans(userID string) []plan.Plan
}

// Counters is the metrics surface the service reports to. Nil-safe no-op
// when absent.
type Counters interface {
	ChatSend(result string)
}

// Service synchronizes per-plan message streams, read-state, and unread
// counts between local optimistic state and the remote chat store.
//
// Message sends are optimistic: the message appears in the local stream with
// DeliverySending immediately, and the remote write completes in the
// background, moving it to DeliverySent or DeliveryFailed. Failed messages
// are retried explicitly via Retry with the same content and client id.
type Service struct {
	log      *slog.Logger
	store    Store
	plans    PlanDirectory
	hub      *Hub
	counters Counters
	clock    func() time.Time

	sendTimeout time.Duration

	mu        sync.Mutex
	streams   map[string][]Message            // plan id -> chronological stream
	markers   map[string]map[string]time.Time // plan id -> user id -> last read
	summaries map[string][]Summary            // user id -> last computed summary view

	sends sync.WaitGroup
}

// Option configures the Service.
type Option func(*Service)

// WithCounters attaches the metrics sink.
func WithCounters(c Counters) Option {
	return func(s *Service) { s.counters = c }
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.clock = fn
		}
	}
}

// WithSendTimeout bounds background message writes.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

// NewService constructs a chat synchronization service.
func NewService(log *slog.Logger, store Store, plans PlanDirectory, hub *Hub, opts ...Option) (*Service, error) {
	if store == nil || plans == nil {
		return nil, ErrInvalidInput
	}
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}

	s := &Service{
		log:         log,
		store:       store,
		plans:       plans,
		hub:         hub,
		clock:       func() time.Time { return time.Now().UTC() },
		sendTimeout: defaultSendTimeout,
		streams:     make(map[string][]Message),
		markers:     make(map[string]map[string]time.Time),
		summaries:   make(map[string][]Summary),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s, nil
}

// Hub exposes the room fanout for the WebSocket gateway.
func (s *Service) Hub() *Hub { return s.hub }

// Subscription is a live feed of a plan's chat for one open conversation.
// It must be closed when the conversation view closes, otherwise updates
// keep flowing for a chat nobody observes.
type Subscription struct {
	room   *Room
	client *Client
}

// Events returns the envelope feed for the open conversation.
func (sub *Subscription) Events() <-chan Envelope { return sub.client.Send }

// Close tears the subscription down (idempotent via Room.Leave semantics).
func (sub *Subscription) Close() {
	if sub == nil || sub.room == nil || sub.client == nil {
		return
	}
	sub.room.Leave(sub.client.SessionID)
}

// OpenChat loads the plan's message history, marks the chat read for the
// user, and subscribes to live updates. The caller owns the returned
// Subscription and must Close it.
func (s *Service) OpenChat(ctx context.Context, planID, userID string) ([]Message, *Subscription, error) {
	if planID == "" || userID == "" {
		return nil, nil, ErrInvalidInput
	}
	if !s.plans.IsChatMember(planID, userID) {
		return nil, nil, ErrNotMember
	}

	res, err := s.store.FetchMessages(ctx, FetchInput{PlanID: planID, Limit: maxHistoryLimit})
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.streams[planID] = mergeStreams(res.Messages, s.streams[planID])
	stream := append([]Message(nil), s.streams[planID]...)
	s.mu.Unlock()

	if err := s.MarkRead(ctx, planID, userID); err != nil {
		s.log.Error("chat.open.mark_read.fail", "plan_id", planID, "user_id", userID, "err", err)
	}

	sessionID, err := ids.NewULID(s.clock())
	if err != nil {
		return nil, nil, err
	}
	client := NewClient(userID, sessionID, 0)
	room := s.hub.GetOrCreateRoom(planID)
	room.Join(client)

	return stream, &Subscription{room: room, client: client}, nil
}

// Send appends the message optimistically and issues the remote write in
// the background. The returned message carries the client id and
// DeliverySending; the stream entry is updated when the write settles.
func (s *Service) Send(planID, userID, senderName, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if planID == "" || userID == "" || content == "" {
		return Message{}, ErrInvalidInput
	}
	if len([]rune(content)) > maxMessageChars {
		return Message{}, ErrInvalidInput
	}
	if !s.plans.IsChatMember(planID, userID) {
		return Message{}, ErrNotMember
	}
	if p, ok := s.plans.PlanByID(planID); ok && p.Archived(s.clock()) {
		return Message{}, ErrPlanArchived
	}

	msg := Message{
		ClientMsgID: uuid.NewString(),
		PlanID:      planID,
		SenderID:    userID,
		SenderName:  senderName,
		Content:     content,
		SentAt:      s.clock(),
		Delivery:    DeliverySending,
	}

	s.mu.Lock()
	s.streams[planID] = append(s.streams[planID], msg)
	s.mu.Unlock()

	s.pushMessage(msg)
	return msg, nil
}

// Retry resubmits a failed message with its original content and client id.
// The store's idempotency rule makes double delivery impossible.
func (s *Service) Retry(planID, clientMsgID string) (Message, error) {
	s.mu.Lock()
	var msg Message
	found := false
	for i, m := range s.streams[planID] {
		if m.ClientMsgID == clientMsgID && m.Delivery == DeliveryFailed {
			s.streams[planID][i].Delivery = DeliverySending
			msg = s.streams[planID][i]
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return Message{}, ErrUnknownMessage
	}

	s.pushMessage(msg)
	return msg, nil
}

func (s *Service) pushMessage(msg Message) {
	s.sends.Add(1)
	go func() {
		defer s.sends.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		defer cancel()

		res, err := s.store.SendMessage(ctx, SendInput{
			PlanID:      msg.PlanID,
			ClientMsgID: msg.ClientMsgID,
			SenderID:    msg.SenderID,
			SenderName:  msg.SenderName,
			Content:     msg.Content,
			Now:         msg.SentAt,
		})
		if err != nil {
			s.counter().ChatSend("fail")
			s.log.Error("chat.send.fail",
				"plan_id", msg.PlanID, "client_msg_id", msg.ClientMsgID, "err", err)
			s.settleMessage(msg.PlanID, msg.ClientMsgID, Message{}, false)
			return
		}

		s.counter().ChatSend("ok")
		s.settleMessage(msg.PlanID, msg.ClientMsgID, res.Stored, true)

		if !res.Duplicated {
			env, err := s.newEnvelope(TypeMessageNew, messageNewPayload(res.Stored))
			if err == nil {
				s.hub.GetOrCreateRoom(msg.PlanID).Broadcast(env)
			}
		}
	}()
}

// settleMessage reconciles the optimistic stream entry with the remote
// outcome: server identity and sequence on success, DeliveryFailed on error.
func (s *Service) settleMessage(planID, clientMsgID string, stored Message, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.streams[planID] {
		if m.ClientMsgID != clientMsgID {
			continue
		}
		if !ok {
			s.streams[planID][i].Delivery = DeliveryFailed
			return
		}
		stored.Delivery = DeliverySent
		s.streams[planID][i] = stored
		return
	}
}

// WaitForSends blocks until in-flight background message writes finish.
// Used by graceful shutdown and tests.
func (s *Service) WaitForSends() { s.sends.Wait() }

// Stream returns a copy of the locally known message stream for the plan.
func (s *Service) Stream(planID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.streams[planID]...)
}

// Ingest records a remotely delivered message into the local stream. Used
// by the gateway path so unread counts and summaries see live traffic.
func (s *Service) Ingest(msg Message) {
	if msg.PlanID == "" || msg.ClientMsgID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.streams[msg.PlanID] {
		if m.ClientMsgID == msg.ClientMsgID {
			s.streams[msg.PlanID][i] = msg
			return
		}
	}
	s.streams[msg.PlanID] = append(s.streams[msg.PlanID], msg)
}

// SendFromGateway is the synchronous send path used by the WebSocket
// gateway: policy checks, remote append (idempotent per client id), local
// stream ingest. Broadcasting the result is the gateway's job.
func (s *Service) SendFromGateway(ctx context.Context, in SendInput) (SendResult, error) {
	in.Content = strings.TrimSpace(in.Content)
	if in.PlanID == "" || in.SenderID == "" || in.ClientMsgID == "" || in.Content == "" {
		return SendResult{}, ErrInvalidInput
	}
	if len([]rune(in.Content)) > maxMessageChars {
		return SendResult{}, ErrInvalidInput
	}
	if !s.plans.IsChatMember(in.PlanID, in.SenderID) {
		return SendResult{}, ErrNotMember
	}
	if p, ok := s.plans.PlanByID(in.PlanID); ok && p.Archived(s.clock()) {
		return SendResult{}, ErrPlanArchived
	}
	if in.Now.IsZero() {
		in.Now = s.clock()
	}

	res, err := s.store.SendMessage(ctx, in)
	if err != nil {
		s.counter().ChatSend("fail")
		return SendResult{}, err
	}
	s.counter().ChatSend("ok")
	s.Ingest(res.Stored)
	return res, nil
}

// History pages the plan's remote stream for gateway history fetches.
func (s *Service) History(ctx context.Context, userID string, in FetchInput) (FetchResult, error) {
	if in.PlanID == "" || userID == "" {
		return FetchResult{}, ErrInvalidInput
	}
	if !s.plans.IsChatMember(in.PlanID, userID) {
		return FetchResult{}, ErrNotMember
	}
	return s.store.FetchMessages(ctx, in)
}

// MarkRead moves the user's last-read marker to now, zeroes the plan's
// unread count in any cached summary view, and persists the marker in the
// background.
func (s *Service) MarkRead(ctx context.Context, planID, userID string) error {
	if planID == "" || userID == "" {
		return ErrInvalidInput
	}

	now := s.clock()

	s.mu.Lock()
	users := s.markers[planID]
	if users == nil {
		users = make(map[string]time.Time)
		s.markers[planID] = users
	}
	if now.After(users[userID]) {
		users[userID] = now
	}
	for i, sum := range s.summaries[userID] {
		if sum.PlanID == planID {
			s.summaries[userID][i].UnreadCount = 0
		}
	}
	s.mu.Unlock()

	if err := s.store.MarkRead(ctx, planID, userID, now); err != nil {
		s.log.Error("chat.mark_read.fail", "plan_id", planID, "user_id", userID, "err", err)
		return err
	}
	return nil
}

// UnreadCount reports how many locally known messages are newer than the
// user's last-read marker and not their own.
func (s *Service) UnreadCount(planID, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	marker := s.markers[planID][userID]
	count := 0
	for _, m := range s.streams[planID] {
		if m.SenderID != userID && m.SentAt.After(marker) && m.Delivery != DeliveryFailed {
			count++
		}
	}
	return count
}

// Summaries joins per-plan chat metadata against the plans the user attends
// or hosts. Plans with messages come first (most recent message first),
// then messageless plans soonest start first. The result is cached so
// MarkRead can zero stale unread counts in place.
func (s *Service) Summaries(ctx context.Context, userID string) ([]Summary, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}

	scoped := s.plans.ChatScopedPlans(userID)
	if len(scoped) == 0 {
		return nil, nil
	}

	planIDs := make([]string, 0, len(scoped))
	startsAt := make(map[string]time.Time, len(scoped))
	for _, p := range scoped {
		planIDs = append(planIDs, p.ID)
		startsAt[p.ID] = p.StartsAt
	}

	sums, err := s.store.FetchSummaries(ctx, userID, planIDs)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	for i := range sums {
		sums[i] = s.overlayLocal(sums[i], userID)
	}
	s.mu.Unlock()

	sort.SliceStable(sums, func(i, j int) bool {
		a, b := sums[i], sums[j]
		if a.HasMessages() != b.HasMessages() {
			return a.HasMessages()
		}
		if a.HasMessages() {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		return startsAt[a.PlanID].Before(startsAt[b.PlanID])
	})

	s.mu.Lock()
	s.summaries[userID] = append([]Summary(nil), sums...)
	s.mu.Unlock()

	return sums, nil
}

// CachedSummaries returns the last computed summary view for the user,
// including unread zeroing applied by MarkRead since.
func (s *Service) CachedSummaries(userID string) []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Summary(nil), s.summaries[userID]...)
}

// overlayLocal reconciles a remote summary with local optimistic state:
// the local marker wins for unread, and a newer local message wins the
// preview. Callers hold s.mu.
func (s *Service) overlayLocal(sum Summary, userID string) Summary {
	stream := s.streams[sum.PlanID]
	marker := s.markers[sum.PlanID][userID]

	if len(stream) > 0 {
		last := stream[len(stream)-1]
		if last.Delivery != DeliveryFailed && last.SentAt.After(sum.LastMessageAt) {
			sum.LastMessageAt = last.SentAt
			sum.LastPreview = last.Content
			sum.LastSenderID = last.SenderID
		}

		local := 0
		for _, m := range stream {
			if m.SenderID != userID && m.SentAt.After(marker) && m.Delivery != DeliveryFailed {
				local++
			}
		}
		if local > sum.UnreadCount {
			sum.UnreadCount = local
		}
	}

	// A local marker at or past the last message zeroes the count even if
	// the remote marker write has not landed yet.
	if !marker.IsZero() && !sum.LastMessageAt.After(marker) {
		sum.UnreadCount = 0
	}
	return sum
}

func (s *Service) newEnvelope(typ string, payload any) (Envelope, error) {
	return newEnvelope(typ, payload, s.clock())
}

func (s *Service) counter() Counters {
	if s.counters != nil {
		return s.counters
	}
	return nopCounters{}
}

type nopCounters struct{}

func (nopCounters) ChatSend(string) {}

// mergeStreams overlays local unsettled entries onto the remote-confirmed
// history: remote messages win by client id, local sending/failed entries
// are kept at the tail.
func mergeStreams(remote, local []Message) []Message {
	if len(local) == 0 {
		return append([]Message(nil), remote...)
	}

	seen := make(map[string]struct{}, len(remote))
	for _, m := range remote {
		seen[m.ClientMsgID] = struct{}{}
	}

	out := append([]Message(nil), remote...)
	for _, m := range local {
		if m.Delivery == DeliverySent {
			continue
		}
		if _, ok := seen[m.ClientMsgID]; ok {
			continue
		}
		out = append(out, m)
	}
	return out
}
