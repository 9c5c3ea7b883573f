package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"friendmap/internal/plan"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func invitedPlan(id, title string) plan.Plan {
	return plan.Plan{ID: id, HostUserID: "host", Title: title, Emoji: "🎲"}
}

func TestSyncInvitesDedupsAcrossPasses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc, err := NewService(testLogger(), NewInMemoryStore())
	if err != nil {
		t.Fatal(err)
	}

	invited := []plan.Plan{invitedPlan("p1", "Game night"), invitedPlan("p2", "Run")}
	if err := svc.SyncInvites(ctx, "alice", invited); err != nil {
		t.Fatalf("SyncInvites: %v", err)
	}

	// Reconciliation re-runs with an unchanged invited set: nothing new.
	if err := svc.SyncInvites(ctx, "alice", invited); err != nil {
		t.Fatalf("second SyncInvites: %v", err)
	}

	got, err := svc.Fetch(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("notifications=%d want=2", len(got))
	}
	for _, n := range got {
		if n.Type != TypeInvite || n.Title != "You're invited" {
			t.Fatalf("unexpected notification: %+v", n)
		}
	}
}

func TestInviteIssuedSharesDedupWithSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc, err := NewService(testLogger(), NewInMemoryStore())
	if err != nil {
		t.Fatal(err)
	}

	p := invitedPlan("p1", "Game night")
	if err := svc.InviteIssued(ctx, "alice", p); err != nil {
		t.Fatalf("InviteIssued: %v", err)
	}
	// The next reconciliation pass sees the same invite: still one record.
	if err := svc.SyncInvites(ctx, "alice", []plan.Plan{p}); err != nil {
		t.Fatalf("SyncInvites: %v", err)
	}

	got, err := svc.Fetch(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("notifications=%d want=1", len(got))
	}
	if got[0].Body != "🎲 Game night" {
		t.Fatalf("body=%q", got[0].Body)
	}

	// A different user gets their own record.
	if err := svc.InviteIssued(ctx, "bob", p); err != nil {
		t.Fatalf("InviteIssued bob: %v", err)
	}
	bobs, err := svc.Fetch(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(bobs) != 1 {
		t.Fatalf("bob notifications=%d want=1", len(bobs))
	}
}

func TestFetchNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	tick := 0
	svc, err := NewService(testLogger(), NewInMemoryStore(), WithClock(func() time.Time {
		tick++
		return now.Add(time.Duration(tick) * time.Minute)
	}))
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.InviteIssued(ctx, "alice", invitedPlan("p1", "First")); err != nil {
		t.Fatal(err)
	}
	if err := svc.InviteIssued(ctx, "alice", invitedPlan("p2", "Second")); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Fetch(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("notifications=%d want=2", len(got))
	}
	if got[0].PlanID != "p2" || got[1].PlanID != "p1" {
		t.Fatalf("order=[%s %s] want=[p2 p1]", got[0].PlanID, got[1].PlanID)
	}
}

func TestMarkRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc, err := NewService(testLogger(), NewInMemoryStore())
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.InviteIssued(ctx, "alice", invitedPlan("p1", "Game night")); err != nil {
		t.Fatal(err)
	}
	got, err := svc.Fetch(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got[0].ReadAt != nil {
		t.Fatal("fresh notification already read")
	}

	if err := svc.MarkRead(ctx, got[0].ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	got, err = svc.Fetch(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got[0].ReadAt == nil {
		t.Fatal("notification still unread after MarkRead")
	}
	first := *got[0].ReadAt

	// Marking again never moves the timestamp.
	if err := svc.MarkRead(ctx, got[0].ID); err != nil {
		t.Fatalf("second MarkRead: %v", err)
	}
	got, _ = svc.Fetch(ctx, "alice")
	if !got[0].ReadAt.Equal(first) {
		t.Fatal("MarkRead moved an existing read timestamp")
	}

	if err := svc.MarkRead(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkRead unknown id err=%v want ErrNotFound", err)
	}
}

func TestNewServiceRequiresStore(t *testing.T) {
	t.Parallel()

	if _, err := NewService(testLogger(), nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err=%v want ErrInvalidInput", err)
	}
}
