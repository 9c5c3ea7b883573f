package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"friendmap/internal/plan"
)

var baseTime = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tickClock hands out strictly increasing timestamps.
func tickClock() func() time.Time {
	var mu sync.Mutex
	tick := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return baseTime.Add(time.Duration(tick) * time.Second)
	}
}

// fakeDirectory is a canned PlanDirectory.
type fakeDirectory struct {
	plans   map[string]plan.Plan
	members map[string]map[string]bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		plans:   make(map[string]plan.Plan),
		members: make(map[string]map[string]bool),
	}
}

func (d *fakeDirectory) addPlan(p plan.Plan, memberIDs ...string) {
	d.plans[p.ID] = p
	users := make(map[string]bool, len(memberIDs)+1)
	users[p.HostUserID] = true
	for _, id := range memberIDs {
		users[id] = true
	}
	d.members[p.ID] = users
}

func (d *fakeDirectory) PlanByID(planID string) (plan.Plan, bool) {
	p, ok := d.plans[planID]
	return p, ok
}

func (d *fakeDirectory) IsChatMember(planID, userID string) bool {
	return d.members[planID][userID]
}

func (d *fakeDirectory) ChatScopedPlans(userID string) []plan.Plan {
	var out []plan.Plan
	for id, users := range d.members {
		if users[userID] {
			out = append(out, d.plans[id])
		}
	}
	return out
}

// flakyChatStore fails SendMessage on demand.
type flakyChatStore struct {
	*InMemoryStore
	mu       sync.Mutex
	failSend bool
}

func (s *flakyChatStore) setFailSend(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSend = v
}

func (s *flakyChatStore) SendMessage(ctx context.Context, in SendInput) (SendResult, error) {
	s.mu.Lock()
	fail := s.failSend
	s.mu.Unlock()
	if fail {
		return SendResult{}, errors.New("remote down")
	}
	return s.InMemoryStore.SendMessage(ctx, in)
}

func newChatService(t *testing.T, store Store, dir PlanDirectory) *Service {
	t.Helper()
	svc, err := NewService(testLogger(), store, dir, NewHub(testLogger()), WithClock(tickClock()))
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func upcomingPlan(id, host string) plan.Plan {
	return plan.Plan{ID: id, HostUserID: host, Title: "Plan " + id, StartsAt: baseTime.Add(4 * time.Hour)}
}

func TestSendOptimisticThenSettled(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory()
	dir.addPlan(upcomingPlan("p1", "host"), "alice")
	svc := newChatService(t, NewInMemoryStore(), dir)

	msg, err := svc.Send("p1", "alice", "Alice", "  hello  ")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Delivery != DeliverySending || msg.ClientMsgID == "" {
		t.Fatalf("optimistic message: %+v", msg)
	}
	if msg.Content != "hello" {
		t.Fatalf("content=%q want trimmed %q", msg.Content, "hello")
	}

	svc.WaitForSends()

	stream := svc.Stream("p1")
	if len(stream) != 1 {
		t.Fatalf("stream=%d want=1", len(stream))
	}
	got := stream[0]
	if got.Delivery != DeliverySent {
		t.Fatalf("delivery=%q want=sent", got.Delivery)
	}
	if got.Seq != 1 || got.ID == "" {
		t.Fatalf("settled message missing server identity: %+v", got)
	}
	if got.ClientMsgID != msg.ClientMsgID {
		t.Fatalf("client id changed across settle: %q -> %q", msg.ClientMsgID, got.ClientMsgID)
	}
}

func TestSendFailureThenRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := newFakeDirectory()
	dir.addPlan(upcomingPlan("p1", "host"), "alice")
	store := &flakyChatStore{InMemoryStore: NewInMemoryStore(), failSend: true}
	svc := newChatService(t, store, dir)

	msg, err := svc.Send("p1", "alice", "Alice", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	svc.WaitForSends()

	if got := svc.Stream("p1")[0].Delivery; got != DeliveryFailed {
		t.Fatalf("delivery=%q want=failed", got)
	}

	store.setFailSend(false)

	retried, err := svc.Retry("p1", msg.ClientMsgID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.ClientMsgID != msg.ClientMsgID || retried.Content != "hello" {
		t.Fatalf("retry changed identity or content: %+v", retried)
	}
	svc.WaitForSends()

	if got := svc.Stream("p1")[0].Delivery; got != DeliverySent {
		t.Fatalf("delivery after retry=%q want=sent", got)
	}

	// Idempotency: exactly one stored copy.
	res, err := store.InMemoryStore.FetchMessages(ctx, FetchInput{PlanID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("stored messages=%d want=1", len(res.Messages))
	}

	// Retrying a settled message is rejected.
	if _, err := svc.Retry("p1", msg.ClientMsgID); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("retry settled err=%v want ErrUnknownMessage", err)
	}
}

func TestSendPolicyChecks(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory()
	dir.addPlan(upcomingPlan("p1", "host"), "alice")

	archived := upcomingPlan("old", "host")
	archived.StartsAt = baseTime.Add(-11 * time.Hour)
	dir.addPlan(archived, "alice")

	svc := newChatService(t, NewInMemoryStore(), dir)

	if _, err := svc.Send("p1", "mallory", "Mallory", "hi"); !errors.Is(err, ErrNotMember) {
		t.Fatalf("non-member err=%v want ErrNotMember", err)
	}
	if _, err := svc.Send("p1", "alice", "Alice", "   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank content err=%v want ErrInvalidInput", err)
	}
	if _, err := svc.Send("old", "alice", "Alice", "hi"); !errors.Is(err, ErrPlanArchived) {
		t.Fatalf("archived err=%v want ErrPlanArchived", err)
	}

	long := make([]rune, maxMessageChars+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := svc.Send("p1", "alice", "Alice", string(long)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("oversized err=%v want ErrInvalidInput", err)
	}
}

func TestSendFromGatewayIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := newFakeDirectory()
	dir.addPlan(upcomingPlan("p1", "host"), "alice")
	svc := newChatService(t, NewInMemoryStore(), dir)

	in := SendInput{PlanID: "p1", ClientMsgID: "c1", SenderID: "alice", SenderName: "Alice", Content: "hello"}

	first, err := svc.SendFromGateway(ctx, in)
	if err != nil {
		t.Fatalf("SendFromGateway: %v", err)
	}
	if first.Duplicated {
		t.Fatal("first send reported duplicated")
	}

	second, err := svc.SendFromGateway(ctx, in)
	if err != nil {
		t.Fatalf("second SendFromGateway: %v", err)
	}
	if !second.Duplicated {
		t.Fatal("replay not reported duplicated")
	}
	if second.Stored.ID != first.Stored.ID || second.Stored.Seq != first.Stored.Seq {
		t.Fatalf("replay returned a different message: %+v vs %+v", second.Stored, first.Stored)
	}
	if len(svc.Stream("p1")) != 1 {
		t.Fatalf("stream=%d want=1", len(svc.Stream("p1")))
	}

	if _, err := svc.SendFromGateway(ctx, SendInput{PlanID: "p1", ClientMsgID: "c2", SenderID: "mallory", Content: "hi"}); !errors.Is(err, ErrNotMember) {
		t.Fatalf("non-member err=%v want ErrNotMember", err)
	}
}

func TestHistoryPagesAndChecksMembership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := newFakeDirectory()
	dir.addPlan(upcomingPlan("p1", "host"), "alice")
	store := NewInMemoryStore()
	svc := newChatService(t, store, dir)

	for i := 0; i < 3; i++ {
		in := SendInput{PlanID: "p1", ClientMsgID: string(rune('a' + i)), SenderID: "alice", Content: "m"}
		if _, err := svc.SendFromGateway(ctx, in); err != nil {
			t.Fatal(err)
		}
	}

	page, err := svc.History(ctx, "alice", FetchInput{PlanID: "p1", Limit: 2})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("page=%d hasMore=%v want 2/true", len(page.Messages), page.HasMore)
	}

	after := page.Messages[1].Seq
	rest, err := svc.History(ctx, "alice", FetchInput{PlanID: "p1", AfterSeq: &after, Limit: 2})
	if err != nil {
		t.Fatalf("History page 2: %v", err)
	}
	if len(rest.Messages) != 1 || rest.HasMore {
		t.Fatalf("page2=%d hasMore=%v want 1/false", len(rest.Messages), rest.HasMore)
	}
	if rest.Messages[0].Seq != 3 {
		t.Fatalf("seq=%d want=3", rest.Messages[0].Seq)
	}

	if _, err := svc.History(ctx, "mallory", FetchInput{PlanID: "p1"}); !errors.Is(err, ErrNotMember) {
		t.Fatalf("non-member err=%v want ErrNotMember", err)
	}
}

func TestUnreadCountAndMarkRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := newFakeDirectory()
	dir.addPlan(upcomingPlan("p1", "host"), "alice", "bob")
	svc := newChatService(t, NewInMemoryStore(), dir)

	for i := 0; i < 2; i++ {
		in := SendInput{PlanID: "p1", ClientMsgID: "b" + string(rune('0'+i)), SenderID: "bob", Content: "hey"}
		if _, err := svc.SendFromGateway(ctx, in); err != nil {
			t.Fatal(err)
		}
	}
	// Own messages never count as unread.
	if _, err := svc.SendFromGateway(ctx, SendInput{PlanID: "p1", ClientMsgID: "a0", SenderID: "alice", Content: "yo"}); err != nil {
		t.Fatal(err)
	}

	if got := svc.UnreadCount("p1", "alice"); got != 2 {
		t.Fatalf("unread=%d want=2", got)
	}
	if got := svc.UnreadCount("p1", "bob"); got != 1 {
		t.Fatalf("bob unread=%d want=1", got)
	}

	if err := svc.MarkRead(ctx, "p1", "alice"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if got := svc.UnreadCount("p1", "alice"); got != 0 {
		t.Fatalf("unread after mark=%d want=0", got)
	}
}

func TestSummariesOrderingAndCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := newFakeDirectory()
	quiet := upcomingPlan("quiet", "host")
	quiet.StartsAt = baseTime.Add(1 * time.Hour)
	busy := upcomingPlan("busy", "host")
	later := upcomingPlan("later", "host")
	later.StartsAt = baseTime.Add(9 * time.Hour)
	dir.addPlan(quiet, "alice", "bob")
	dir.addPlan(busy, "alice", "bob")
	dir.addPlan(later, "alice", "bob")

	svc := newChatService(t, NewInMemoryStore(), dir)

	if _, err := svc.SendFromGateway(ctx, SendInput{PlanID: "busy", ClientMsgID: "c1", SenderID: "bob", Content: "newest"}); err != nil {
		t.Fatal(err)
	}

	sums, err := svc.Summaries(ctx, "alice")
	if err != nil {
		t.Fatalf("Summaries: %v", err)
	}
	if len(sums) != 3 {
		t.Fatalf("summaries=%d want=3", len(sums))
	}
	// Plans with messages first, then messageless plans soonest start first.
	if sums[0].PlanID != "busy" {
		t.Fatalf("first=%s want=busy", sums[0].PlanID)
	}
	if sums[1].PlanID != "quiet" || sums[2].PlanID != "later" {
		t.Fatalf("tail order=[%s %s] want=[quiet later]", sums[1].PlanID, sums[2].PlanID)
	}
	if sums[0].UnreadCount != 1 || sums[0].LastPreview != "newest" {
		t.Fatalf("busy summary: %+v", sums[0])
	}

	// MarkRead zeroes the cached view in place.
	if err := svc.MarkRead(ctx, "busy", "alice"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	cached := svc.CachedSummaries("alice")
	if len(cached) != 3 || cached[0].UnreadCount != 0 {
		t.Fatalf("cached after mark: %+v", cached)
	}
}

func TestOpenChatMergesUnsettledLocal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := newFakeDirectory()
	dir.addPlan(upcomingPlan("p1", "host"), "alice", "bob")
	store := &flakyChatStore{InMemoryStore: NewInMemoryStore()}
	svc := newChatService(t, store, dir)

	if _, err := svc.SendFromGateway(ctx, SendInput{PlanID: "p1", ClientMsgID: "r1", SenderID: "bob", Content: "remote"}); err != nil {
		t.Fatal(err)
	}

	// A local message that failed to deliver must survive the history merge.
	store.setFailSend(true)
	failedMsg, err := svc.Send("p1", "alice", "Alice", "stuck")
	if err != nil {
		t.Fatal(err)
	}
	svc.WaitForSends()
	store.setFailSend(false)

	stream, sub, err := svc.OpenChat(ctx, "p1", "alice")
	if err != nil {
		t.Fatalf("OpenChat: %v", err)
	}
	defer sub.Close()

	if len(stream) != 2 {
		t.Fatalf("stream=%d want=2", len(stream))
	}
	if stream[0].ClientMsgID != "r1" || stream[0].Delivery != DeliverySent {
		t.Fatalf("remote head: %+v", stream[0])
	}
	if stream[1].ClientMsgID != failedMsg.ClientMsgID || stream[1].Delivery != DeliveryFailed {
		t.Fatalf("local tail: %+v", stream[1])
	}

	// Opening the chat marked it read.
	if got := svc.UnreadCount("p1", "alice"); got != 0 {
		t.Fatalf("unread after open=%d want=0", got)
	}

	if _, _, err := svc.OpenChat(ctx, "p1", "mallory"); !errors.Is(err, ErrNotMember) {
		t.Fatalf("non-member err=%v want ErrNotMember", err)
	}
}

func TestMergeStreams(t *testing.T) {
	t.Parallel()

	remote := []Message{
		{ClientMsgID: "a", Seq: 1, Delivery: DeliverySent},
		{ClientMsgID: "b", Seq: 2, Delivery: DeliverySent},
	}
	local := []Message{
		{ClientMsgID: "a", Delivery: DeliverySending}, // confirmed remotely: remote wins
		{ClientMsgID: "c", Delivery: DeliverySending}, // still in flight: kept
		{ClientMsgID: "d", Delivery: DeliveryFailed},  // failed: kept for retry
	}

	out := mergeStreams(remote, local)
	if len(out) != 4 {
		t.Fatalf("merged=%d want=4", len(out))
	}
	if out[0].ClientMsgID != "a" || out[0].Seq != 1 {
		t.Fatalf("remote copy lost: %+v", out[0])
	}
	if out[2].ClientMsgID != "c" || out[3].ClientMsgID != "d" {
		t.Fatalf("unsettled tail=[%s %s] want=[c d]", out[2].ClientMsgID, out[3].ClientMsgID)
	}
}
