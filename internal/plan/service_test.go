package plan

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPlan(id, host string) Plan {
	return Plan{
		ID:         id,
		HostUserID: host,
		Title:      "Test plan " + id,
		StartsAt:   time.Now().UTC().Add(2 * time.Hour),
		Activity:   ActivityFood,
	}
}

// flakyStore wraps the in-memory store and fails selected operations.
type flakyStore struct {
	*InMemoryStore
	failCreate bool
	failKick   bool
	failRSVP   bool
}

func (s *flakyStore) CreatePlan(ctx context.Context, p Plan) error {
	if s.failCreate {
		return errors.New("remote down")
	}
	return s.InMemoryStore.CreatePlan(ctx, p)
}

func (s *flakyStore) KickUser(ctx context.Context, planID, userID, byUserID, reason string) error {
	if s.failKick {
		return errors.New("remote down")
	}
	return s.InMemoryStore.KickUser(ctx, planID, userID, byUserID, reason)
}

func (s *flakyStore) UpdateRSVP(ctx context.Context, planID, userID string, st Status) error {
	if s.failRSVP {
		return errors.New("remote down")
	}
	return s.InMemoryStore.UpdateRSVP(ctx, planID, userID, st)
}

// notifierRecorder captures notification triggers.
type notifierRecorder struct {
	mu      sync.Mutex
	issued  []string
	synced  int
	invited [][]string
}

func (n *notifierRecorder) SyncInvites(_ context.Context, _ string, invited []Plan) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.synced++
	ids := make([]string, 0, len(invited))
	for _, p := range invited {
		ids = append(ids, p.ID)
	}
	n.invited = append(n.invited, ids)
	return nil
}

func (n *notifierRecorder) InviteIssued(_ context.Context, inviteeID string, _ Plan) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.issued = append(n.issued, inviteeID)
	return nil
}

func TestLoadPlansMergesRemoteState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewInMemoryStore()
	if err := store.CreatePlan(ctx, testPlan("p1", "host")); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateRSVP(ctx, "p1", "bob", StatusGoing); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateRSVP(ctx, "p1", "alice", StatusMaybe); err != nil {
		t.Fatal(err)
	}

	svc := NewService(testLogger(), store)
	if err := svc.LoadPlans(ctx, "alice"); err != nil {
		t.Fatalf("LoadPlans: %v", err)
	}

	if _, ok := svc.PlanByID("p1"); !ok {
		t.Fatal("plan missing from catalog after load")
	}
	// Host attendance is re-derived on every load.
	if got := svc.Attendees("p1"); !reflect.DeepEqual(got, []string{"bob", "host"}) {
		t.Fatalf("attendees=%v want=[bob host]", got)
	}
	// The user's own record wins over the attendee list.
	if got := svc.StatusFor("p1", "alice"); got != StatusMaybe {
		t.Fatalf("alice status=%q want=maybe", got)
	}
	if svc.LastSyncedAt().IsZero() {
		t.Fatal("LastSyncedAt still zero after successful load")
	}
}

func TestLoadPlansRemoteIsCatalogAuthority(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewInMemoryStore()
	svc := NewService(testLogger(), store)

	if _, err := svc.CreatePlan(ctx, testPlan("p1", "host")); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if _, err := svc.CreatePlan(ctx, testPlan("p2", "host")); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	// The remote side loses p2 (deleted from another device).
	if err := store.DeletePlan(ctx, "p2"); err != nil {
		t.Fatal(err)
	}

	if err := svc.LoadPlans(ctx, "host"); err != nil {
		t.Fatalf("LoadPlans: %v", err)
	}
	if _, ok := svc.PlanByID("p2"); ok {
		t.Fatal("locally cached plan survived a load that no longer lists it")
	}
	if got := svc.Attendees("p2"); len(got) != 0 {
		t.Fatalf("purged plan still has attendees: %v", got)
	}
	if _, ok := svc.PlanByID("p1"); !ok {
		t.Fatal("surviving plan was dropped")
	}
}

func TestLoadPlansFailureKeepsLocalState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := &flakyStore{InMemoryStore: NewInMemoryStore()}
	svc := NewService(testLogger(), store)

	if _, err := svc.CreatePlan(ctx, testPlan("p1", "host")); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	err := svc.LoadPlans(cancelled, "host")
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("err=%v want ErrRemoteUnavailable", err)
	}
	if _, ok := svc.PlanByID("p1"); !ok {
		t.Fatal("failed load discarded the local catalog")
	}
}

func TestLoadPlansKeepsOtherUsersPendingEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewInMemoryStore()
	svc := NewService(testLogger(), store)

	p := testPlan("p1", "host")
	p.IsPrivate = true
	if _, err := svc.CreatePlan(ctx, p); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	// A non-host requests to join the private plan; the push settles.
	st, err := svc.ToggleRSVP("p1", "alice")
	if err != nil || st != StatusPending {
		t.Fatalf("toggle=%q err=%v want pending", st, err)
	}
	svc.WaitForPushes()

	// The bulk fetch reports confirmed attendees plus the caller's own RSVP
	// map, nothing about other users' requests. The host's sync must not
	// erase the pending-approval set.
	if err := svc.LoadPlans(ctx, "host"); err != nil {
		t.Fatalf("LoadPlans: %v", err)
	}
	if got := svc.Pending("p1"); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("pending after host sync=%v want=[alice]", got)
	}

	// Approval still resolves the surviving request.
	svc.Approve("p1", "alice")
	if got := svc.StatusFor("p1", "alice"); got != StatusGoing {
		t.Fatalf("status after approve=%q want=going", got)
	}
}

func TestLoadPlansTwiceWithUnchangedRemoteIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewInMemoryStore()
	p1 := testPlan("p1", "host")
	p1.IsPrivate = true
	if err := store.CreatePlan(ctx, p1); err != nil {
		t.Fatal(err)
	}
	if err := store.CreatePlan(ctx, testPlan("p2", "host")); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateRSVP(ctx, "p1", "bob", StatusGoing); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateRSVP(ctx, "p1", "alice", StatusPending); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateRSVP(ctx, "p2", "alice", StatusMaybe); err != nil {
		t.Fatal(err)
	}

	svc := NewService(testLogger(), store)
	if err := svc.LoadPlans(ctx, "alice"); err != nil {
		t.Fatalf("LoadPlans: %v", err)
	}

	snapshot := func() map[string]any {
		return map[string]any{
			"attendees_p1": svc.Attendees("p1"),
			"attendees_p2": svc.Attendees("p2"),
			"pending_p1":   svc.Pending("p1"),
			"pending_p2":   svc.Pending("p2"),
			"alice_p1":     svc.StatusFor("p1", "alice"),
			"alice_p2":     svc.StatusFor("p2", "alice"),
			"bob_p1":       svc.StatusFor("p1", "bob"),
		}
	}

	first := snapshot()
	if !reflect.DeepEqual(first["attendees_p1"], []string{"bob", "host"}) {
		t.Fatalf("attendees=%v want=[bob host]", first["attendees_p1"])
	}
	if !reflect.DeepEqual(first["pending_p1"], []string{"alice"}) {
		t.Fatalf("pending=%v want=[alice]", first["pending_p1"])
	}
	if first["alice_p2"] != StatusMaybe {
		t.Fatalf("alice p2 status=%q want=maybe", first["alice_p2"])
	}

	// Reloading against an unchanged remote dataset changes nothing.
	if err := svc.LoadPlans(ctx, "alice"); err != nil {
		t.Fatalf("second LoadPlans: %v", err)
	}
	if second := snapshot(); !reflect.DeepEqual(first, second) {
		t.Fatalf("reload changed ledger state:\nfirst:  %v\nsecond: %v", first, second)
	}
}

func TestCreatePlanRemoteFailureKeepsOptimisticState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := &flakyStore{InMemoryStore: NewInMemoryStore(), failCreate: true}
	svc := NewService(testLogger(), store)

	created, err := svc.CreatePlan(ctx, Plan{HostUserID: "host", Title: "Picnic", StartsAt: time.Now().Add(time.Hour)})
	if !errors.Is(err, ErrRemoteWriteFailed) {
		t.Fatalf("err=%v want ErrRemoteWriteFailed", err)
	}
	if created.ID == "" {
		t.Fatal("no id assigned")
	}
	if created.Activity != ActivityOther {
		t.Fatalf("activity=%q want default other", created.Activity)
	}
	if _, ok := svc.PlanByID(created.ID); !ok {
		t.Fatal("optimistic plan missing after remote failure")
	}
	if got := svc.StatusFor(created.ID, "host"); got != StatusGoing {
		t.Fatalf("host status=%q want=going", got)
	}
	if !svc.LastSyncedAt().IsZero() {
		t.Fatal("failed write advanced LastSyncedAt")
	}
}

func TestUpdatePlanPreservesHostIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc := NewService(testLogger(), NewInMemoryStore())
	p := testPlan("p1", "host")
	p.HostName = "Host Person"
	if _, err := svc.CreatePlan(ctx, p); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	edited := testPlan("p1", "mallory")
	edited.Title = "New title"
	if err := svc.UpdatePlan(ctx, edited); err != nil {
		t.Fatalf("UpdatePlan: %v", err)
	}

	got, _ := svc.PlanByID("p1")
	if got.HostUserID != "host" || got.HostName != "Host Person" {
		t.Fatalf("host fields overwritten: %+v", got)
	}
	if got.Title != "New title" {
		t.Fatalf("title=%q want=New title", got.Title)
	}

	if err := svc.UpdatePlan(ctx, testPlan("missing", "host")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update unknown plan err=%v want ErrNotFound", err)
	}
}

func TestToggleRSVPPushesInBackground(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewInMemoryStore()
	svc := NewService(testLogger(), store)
	if _, err := svc.CreatePlan(ctx, testPlan("p1", "host")); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	st, err := svc.ToggleRSVP("p1", "alice")
	if err != nil {
		t.Fatalf("ToggleRSVP: %v", err)
	}
	if st != StatusGoing {
		t.Fatalf("status=%q want=going", st)
	}

	svc.WaitForPushes()

	remote, err := store.FetchMyRSVPs(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if remote["p1"] != StatusGoing {
		t.Fatalf("remote status=%q want=going", remote["p1"])
	}
}

func TestRSVPPushFailureKeepsLocalStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := &flakyStore{InMemoryStore: NewInMemoryStore()}
	svc := NewService(testLogger(), store)
	if _, err := svc.CreatePlan(ctx, testPlan("p1", "host")); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	store.failRSVP = true

	if _, err := svc.SetRSVP("p1", "alice", StatusGoing); err != nil {
		t.Fatalf("SetRSVP: %v", err)
	}
	svc.WaitForPushes()

	// No rollback: the optimistic status stands and the divergence window is
	// visible through LastSyncedAt not advancing.
	if got := svc.StatusFor("p1", "alice"); got != StatusGoing {
		t.Fatalf("local status=%q want=going", got)
	}
	remote, err := store.InMemoryStore.FetchMyRSVPs(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := remote["p1"]; ok {
		t.Fatal("failed push still reached the remote store")
	}
}

func TestInviteUsersSkipsHostAndExistingStatuses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rec := &notifierRecorder{}
	svc := NewService(testLogger(), NewInMemoryStore(), WithNotifier(rec))
	if _, err := svc.CreatePlan(ctx, testPlan("p1", "host")); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if _, err := svc.SetRSVP("p1", "bob", StatusGoing); err != nil {
		t.Fatalf("SetRSVP: %v", err)
	}

	if err := svc.InviteUsers(ctx, "p1", []string{"host", "bob", "carol", ""}, "host"); err != nil {
		t.Fatalf("InviteUsers: %v", err)
	}

	if got := svc.StatusFor("p1", "carol"); got != StatusInvited {
		t.Fatalf("carol status=%q want=invited", got)
	}
	// An invite never downgrades real attendance intent.
	if got := svc.StatusFor("p1", "bob"); got != StatusGoing {
		t.Fatalf("bob status=%q want=going", got)
	}
	if !reflect.DeepEqual(rec.issued, []string{"carol"}) {
		t.Fatalf("issued notifications=%v want=[carol]", rec.issued)
	}

	if err := svc.InviteUsers(ctx, "missing", []string{"carol"}, "host"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("invite to unknown plan err=%v want ErrNotFound", err)
	}
}

func TestKickUserLocalRemovalStands(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := &flakyStore{InMemoryStore: NewInMemoryStore(), failKick: true}
	svc := NewService(testLogger(), store)
	if _, err := svc.CreatePlan(ctx, testPlan("p1", "host")); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if _, err := svc.SetRSVP("p1", "bob", StatusGoing); err != nil {
		t.Fatalf("SetRSVP: %v", err)
	}
	svc.WaitForPushes()

	err := svc.KickUser(ctx, "p1", "bob", "host", "spam")
	if !errors.Is(err, ErrRemoteWriteFailed) {
		t.Fatalf("err=%v want ErrRemoteWriteFailed", err)
	}
	if got := svc.StatusFor("p1", "bob"); got != StatusNone {
		t.Fatalf("bob status after failed kick=%q want=none", got)
	}
}

func TestKickedUserCannotRejoinRemotely(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewInMemoryStore()
	svc := NewService(testLogger(), store)
	if _, err := svc.CreatePlan(ctx, testPlan("p1", "host")); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if _, err := svc.SetRSVP("p1", "bob", StatusGoing); err != nil {
		t.Fatalf("SetRSVP: %v", err)
	}
	svc.WaitForPushes()

	if err := svc.KickUser(ctx, "p1", "bob", "host", "spam"); err != nil {
		t.Fatalf("KickUser: %v", err)
	}

	if err := store.UpdateRSVP(ctx, "p1", "bob", StatusGoing); err == nil {
		t.Fatal("banned user wrote a new RSVP")
	}
}

func TestApproveDeny(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewInMemoryStore()
	svc := NewService(testLogger(), store)
	p := testPlan("p1", "host")
	p.IsPrivate = true
	if _, err := svc.CreatePlan(ctx, p); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	// Private plan: joining lands in pending.
	if st, err := svc.ToggleRSVP("p1", "alice"); err != nil || st != StatusPending {
		t.Fatalf("toggle on private plan: st=%q err=%v", st, err)
	}
	if st, err := svc.ToggleRSVP("p1", "bob"); err != nil || st != StatusPending {
		t.Fatalf("toggle on private plan: st=%q err=%v", st, err)
	}

	svc.Approve("p1", "alice")
	svc.Deny("p1", "bob")
	svc.WaitForPushes()

	if got := svc.StatusFor("p1", "alice"); got != StatusGoing {
		t.Fatalf("approved status=%q want=going", got)
	}
	if got := svc.StatusFor("p1", "bob"); got != StatusNone {
		t.Fatalf("denied status=%q want=none", got)
	}

	remote, err := store.FetchMyRSVPs(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if remote["p1"] != StatusGoing {
		t.Fatalf("remote status after approve=%q want=going", remote["p1"])
	}
}

func TestOfflineFallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc := NewService(testLogger(), nil)
	if err := svc.LoadPlans(ctx, "alice"); err != nil {
		t.Fatalf("LoadPlans offline: %v", err)
	}

	first := svc.UpcomingPlans()
	if len(first) == 0 {
		t.Fatal("offline fallback loaded no plans")
	}

	// A second load never duplicates or replaces the offline catalog.
	if err := svc.LoadPlans(ctx, "alice"); err != nil {
		t.Fatalf("second LoadPlans: %v", err)
	}
	if got := svc.UpcomingPlans(); len(got) != len(first) {
		t.Fatalf("offline catalog changed across loads: %d -> %d", len(first), len(got))
	}

	// RSVP changes work locally without a remote store.
	target := first[0]
	if st, err := svc.ToggleRSVP(target.ID, "alice"); err != nil || st == StatusNone {
		t.Fatalf("offline toggle: st=%q err=%v", st, err)
	}
	svc.WaitForPushes()
}
