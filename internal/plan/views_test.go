package plan

import (
	"context"
	"testing"
	"time"
)

// fixedClock pins service time for deterministic date filtering.
var fixedNow = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

func newViewService(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()

	svc := NewService(testLogger(), NewInMemoryStore(), WithClock(func() time.Time { return fixedNow }))

	seed := []Plan{
		{ID: "today-food", HostUserID: "host", Title: "Lunch", StartsAt: fixedNow.Add(2 * time.Hour), Activity: ActivityFood},
		{ID: "tomorrow-run", HostUserID: "host", Title: "Run", StartsAt: fixedNow.Add(26 * time.Hour), Activity: ActivitySports},
		{ID: "nextweek-games", HostUserID: "friend", Title: "Games", StartsAt: fixedNow.Add(5 * 24 * time.Hour), Activity: ActivityGames},
		{ID: "past-drinks", HostUserID: "friend", Title: "Drinks", StartsAt: fixedNow.Add(-24 * time.Hour), Activity: ActivityDrinks},
	}
	for _, p := range seed {
		if _, err := svc.CreatePlan(ctx, p); err != nil {
			t.Fatalf("CreatePlan(%s): %v", p.ID, err)
		}
	}
	svc.WaitForPushes()
	return svc
}

func planIDs(plans []Plan) []string {
	out := make([]string, 0, len(plans))
	for _, p := range plans {
		out = append(out, p.ID)
	}
	return out
}

func assertIDs(t *testing.T, got []Plan, want ...string) {
	t.Helper()
	ids := planIDs(got)
	if len(ids) != len(want) {
		t.Fatalf("plans=%v want=%v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("plans=%v want=%v", ids, want)
		}
	}
}

func TestUpcomingPlansSortedBySoonest(t *testing.T) {
	t.Parallel()
	svc := newViewService(t)

	assertIDs(t, svc.UpcomingPlans(), "today-food", "tomorrow-run", "nextweek-games")
}

func TestFilteredPlans(t *testing.T) {
	t.Parallel()
	svc := newViewService(t)

	cases := []struct {
		name     string
		activity ActivityType
		filter   DateFilter
		want     []string
	}{
		{name: "any matches everything including past", filter: DateFilter{Kind: DateAny},
			want: []string{"past-drinks", "today-food", "tomorrow-run", "nextweek-games"}},
		{name: "today", filter: DateFilter{Kind: DateToday}, want: []string{"today-food"}},
		{name: "tomorrow", filter: DateFilter{Kind: DateTomorrow}, want: []string{"tomorrow-run"}},
		{name: "next seven days", filter: DateFilter{Kind: DateNextDays, Days: 7},
			want: []string{"today-food", "tomorrow-run", "nextweek-games"}},
		{name: "next two days excludes later plans", filter: DateFilter{Kind: DateNextDays, Days: 2},
			want: []string{"today-food", "tomorrow-run"}},
		{name: "custom day", filter: DateFilter{Kind: DateCustomDay, Day: fixedNow.Add(5 * 24 * time.Hour)},
			want: []string{"nextweek-games"}},
		{name: "activity narrows the date filter", activity: ActivitySports,
			filter: DateFilter{Kind: DateNextDays, Days: 7}, want: []string{"tomorrow-run"}},
		{name: "activity with no matches", activity: ActivityMusic,
			filter: DateFilter{Kind: DateAny}, want: nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assertIDs(t, svc.FilteredPlans(tc.activity, tc.filter), tc.want...)
		})
	}
}

func TestMembershipScopedViews(t *testing.T) {
	t.Parallel()
	svc := newViewService(t)

	svc.Ledger().SetStatus("nextweek-games", "alice", StatusInvited)
	svc.Ledger().SetStatus("today-food", "alice", StatusGoing)
	svc.Ledger().SetStatus("tomorrow-run", "alice", StatusMaybe)
	svc.Ledger().SetStatus("past-drinks", "alice", StatusInvited)

	// Invites on past plans are not shown.
	assertIDs(t, svc.InvitedPlans("alice"), "nextweek-games")

	assertIDs(t, svc.HostedPlans("host"), "today-food", "tomorrow-run")

	// MyPlans excludes hosted plans even when the host also holds a status.
	assertIDs(t, svc.MyPlans("alice"), "today-food", "tomorrow-run")
	assertIDs(t, svc.MyPlans("host"))

	// FriendPlans: no status, not hosting. Invited plans are excluded.
	assertIDs(t, svc.FriendPlans("alice"))
	assertIDs(t, svc.FriendPlans("bob"), "past-drinks", "today-food", "tomorrow-run", "nextweek-games")
}

func TestChatMembership(t *testing.T) {
	t.Parallel()
	svc := newViewService(t)

	svc.Ledger().SetStatus("today-food", "alice", StatusGoing)
	svc.Ledger().SetStatus("tomorrow-run", "alice", StatusInvited)

	if !svc.IsChatMember("today-food", "alice") {
		t.Fatal("going user denied chat membership")
	}
	if !svc.IsChatMember("today-food", "host") {
		t.Fatal("host denied chat membership")
	}
	// An open invite grants no chat access until accepted.
	if svc.IsChatMember("tomorrow-run", "alice") {
		t.Fatal("invited user granted chat membership")
	}
	if svc.IsChatMember("missing", "alice") {
		t.Fatal("membership reported for unknown plan")
	}
	if svc.IsChatMember("today-food", "") {
		t.Fatal("membership reported for empty user")
	}

	assertIDs(t, svc.ChatScopedPlans("alice"), "today-food")
	assertIDs(t, svc.ChatScopedPlans("host"), "today-food", "tomorrow-run")
}

func TestPlanArchivedWindow(t *testing.T) {
	t.Parallel()

	start := fixedNow.Add(-9 * time.Hour)
	p := Plan{ID: "p", HostUserID: "h", StartsAt: start}

	if p.Archived(fixedNow) {
		t.Fatal("plan archived inside the 10h window")
	}
	if !p.Archived(start.Add(10*time.Hour + time.Minute)) {
		t.Fatal("plan not archived after the 10h window")
	}
	if p.Upcoming(fixedNow) {
		t.Fatal("started plan reported as upcoming")
	}
}
