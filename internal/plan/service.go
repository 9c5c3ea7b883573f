package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultPushTimeout = 10 * time.Second

// Notifier receives invite-notification triggers derived from ledger state.
// Implemented by the notify package; nil-safe no-op when absent.
type Notifier interface {
	// SyncInvites persists at most one invite notification per invited plan.
	SyncInvites(ctx context.Context, userID string, invited []Plan) error

	// InviteIssued records the notification for a freshly issued invite.
	InviteIssued(ctx context.Context, inviteeID string, p Plan) error
}

// Counters is the metrics surface the service reports to. Implemented by the
// app metrics registry; nil-safe no-op when absent.
type Counters interface {
	PlanSync(result string)
	RSVPPush(result string)
}

// Service owns the plan catalog and attendance ledger.
//
// All mutations are serialized through its entry points: local state changes
// are synchronous and optimistic, remote confirmation is asynchronous except
// where the operation is documented as awaiting its primary remote call
// (CreatePlan, UpdatePlan, DeletePlan, InviteUsers, KickUser).
//
// Remote write failures are logged and never roll back optimistic state; the
// divergence window is observable via LastSyncedAt.
type Service struct {
	log      *slog.Logger
	store    RemoteStore // nil when no remote endpoint is configured
	notifier Notifier
	counters Counters
	clock    func() time.Time

	pushTimeout time.Duration

	mu       sync.Mutex
	catalog  map[string]Plan
	lastSync time.Time

	ledger *Ledger

	// pushes tracks in-flight background RSVP writes so tests and shutdown
	// can drain them.
	pushes sync.WaitGroup
}

// Option configures the Service.
type Option func(*Service)

// WithNotifier attaches the invite-notification sink.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

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

// WithPushTimeout bounds background RSVP pushes.
func WithPushTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pushTimeout = d
		}
	}
}

// NewService constructs a reconciliation service. A nil store means no
// remote endpoint is configured; the service then serves the offline
// fallback catalog and skips remote writes.
func NewService(log *slog.Logger, store RemoteStore, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		log:         log,
		store:       store,
		clock:       func() time.Time { return time.Now().UTC() },
		pushTimeout: defaultPushTimeout,
		catalog:     make(map[string]Plan),
		ledger:      NewLedger(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Ledger exposes the attendance ledger for read-side consumers (chat
// summaries, HTTP views). Mutations should go through the service.
func (s *Service) Ledger() *Ledger { return s.ledger }

// LastSyncedAt returns the time of the last confirmed remote write or load.
// Zero when nothing has synced yet.
func (s *Service) LastSyncedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// PlanByID returns a plan from the local catalog.
func (s *Service) PlanByID(planID string) (Plan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.catalog[planID]
	return p, ok
}

// Attendees returns the confirmed attendee ids for a plan.
func (s *Service) Attendees(planID string) []string { return s.ledger.AttendeesOf(planID) }

// Pending returns the pending-approval ids for a plan.
func (s *Service) Pending(planID string) []string { return s.ledger.PendingOf(planID) }

// StatusFor returns the user's RSVP status for a plan.
func (s *Service) StatusFor(planID, userID string) Status { return s.ledger.StatusOf(planID, userID) }

// LoadPlans fetches the catalog, the user's RSVP map, and attendee sets from
// the remote store and merges them into local state.
//
// The host of every plan is force-marked going: host attendance is a derived
// invariant re-applied on every load, never trusted to be stored.
//
// When no remote store is configured, an offline sample catalog is loaded
// once into an empty catalog. A populated catalog is never discarded on
// transient remote failure.
func (s *Service) LoadPlans(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("plan: missing user id")
	}

	if s.store == nil {
		s.loadOffline()
		return nil
	}

	plans, err := s.store.FetchPlans(ctx)
	if err != nil {
		s.counter().PlanSync("fail")
		s.log.Error("plan.sync.fail", "stage", "fetch_plans", "err", err)
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	planIDs := make([]string, 0, len(plans))
	for _, p := range plans {
		planIDs = append(planIDs, p.ID)
	}

	var (
		rsvps     map[string]Status
		attendees map[string][]string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rsvps, err = s.store.FetchMyRSVPs(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		attendees, err = s.store.FetchAttendeesForPlans(gctx, planIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		s.counter().PlanSync("fail")
		s.log.Error("plan.sync.fail", "stage", "fetch_state", "err", err)
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	now := s.clock()

	s.mu.Lock()
	known := make(map[string]struct{}, len(plans))
	for _, p := range plans {
		known[p.ID] = struct{}{}
	}
	// The remote catalog is the authority on which plans exist.
	for id := range s.catalog {
		if _, ok := known[id]; !ok {
			delete(s.catalog, id)
			s.ledger.Purge(id)
		}
	}
	for _, p := range plans {
		s.catalog[p.ID] = p

		statuses := make(map[string]Status)
		for _, uid := range attendees[p.ID] {
			statuses[uid] = StatusGoing
		}
		// The user's own RSVP record wins over the attendee list.
		if st, ok := rsvps[p.ID]; ok && ValidStatus(st) {
			statuses[userID] = st
		}
		statuses[p.HostUserID] = StatusGoing

		s.ledger.MergePlan(p.ID, statuses)
	}
	s.lastSync = now
	s.mu.Unlock()

	s.counter().PlanSync("ok")
	s.log.Info("plan.sync.ok", "plans", len(plans), "user_id", userID)

	if s.notifier != nil {
		if err := s.notifier.SyncInvites(ctx, userID, s.InvitedPlans(userID)); err != nil {
			s.log.Error("plan.sync.notify.fail", "err", err)
		}
	}
	return nil
}

func (s *Service) loadOffline() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.catalog) > 0 {
		return
	}
	for _, p := range offlinePlans(s.clock()) {
		s.catalog[p.ID] = p
		s.ledger.SetStatus(p.ID, p.HostUserID, StatusGoing)
	}
	s.log.Info("plan.sync.offline_fallback", "plans", len(s.catalog))
}

// CreatePlan applies the plan to local state (host auto-attends) and then
// awaits the remote write. The id is caller-suppliable so callers can
// cross-reference before remote confirmation; a UUID is assigned when empty.
//
// On remote failure the optimistic state is retained and the error is
// returned wrapped in ErrRemoteWriteFailed.
func (s *Service) CreatePlan(ctx context.Context, p Plan) (Plan, error) {
	if p.HostUserID == "" {
		return Plan{}, errors.New("plan: missing host user id")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Activity == "" {
		p.Activity = ActivityOther
	}

	s.mu.Lock()
	s.catalog[p.ID] = p
	s.mu.Unlock()
	s.ledger.SetStatus(p.ID, p.HostUserID, StatusGoing)

	if s.store == nil {
		s.log.Info("plan.create.local_only", "plan_id", p.ID)
		return p, nil
	}

	if err := s.store.CreatePlan(ctx, p); err != nil {
		s.log.Error("plan.create.push.fail", "plan_id", p.ID, "err", err)
		return p, fmt.Errorf("%w: %v", ErrRemoteWriteFailed, err)
	}
	s.markSynced()
	return p, nil
}

// UpdatePlan replaces the plan's mutable fields locally, then awaits the
// remote write. Identity and host are never overwritten.
func (s *Service) UpdatePlan(ctx context.Context, p Plan) error {
	s.mu.Lock()
	cur, ok := s.catalog[p.ID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	p.HostUserID = cur.HostUserID
	p.HostName = cur.HostName
	p.HostAvatarURL = cur.HostAvatarURL
	s.catalog[p.ID] = p
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}

	if err := s.store.UpdatePlan(ctx, p); err != nil {
		s.log.Error("plan.update.push.fail", "plan_id", p.ID, "err", err)
		return fmt.Errorf("%w: %v", ErrRemoteWriteFailed, err)
	}
	s.markSynced()
	return nil
}

// DeletePlan removes the plan and purges all its ledger entries, then awaits
// the remote delete. Deleting an unknown id is a no-op.
func (s *Service) DeletePlan(ctx context.Context, planID string) error {
	if planID == "" {
		return errors.New("plan: missing plan id")
	}

	s.mu.Lock()
	delete(s.catalog, planID)
	s.mu.Unlock()
	s.ledger.Purge(planID)

	if s.store == nil {
		return nil
	}

	if err := s.store.DeletePlan(ctx, planID); err != nil {
		s.log.Error("plan.delete.push.fail", "plan_id", planID, "err", err)
		return fmt.Errorf("%w: %v", ErrRemoteWriteFailed, err)
	}
	s.markSynced()
	return nil
}

// InviteUsers writes an invited RSVP record for each invitee and emits
// exactly one invite notification per invitee. Per-invitee failures are
// isolated: one user's failure does not abort the rest. The joined error (if
// any) wraps ErrRemoteWriteFailed.
//
// Invitees who already hold a status (going, maybe, pending) are skipped so
// an invite never downgrades real attendance intent.
func (s *Service) InviteUsers(ctx context.Context, planID string, inviteeIDs []string, inviterID string) error {
	p, ok := s.PlanByID(planID)
	if !ok {
		return ErrNotFound
	}

	var failed []error
	for _, inviteeID := range inviteeIDs {
		if inviteeID == "" || inviteeID == p.HostUserID {
			continue
		}
		if s.ledger.StatusOf(planID, inviteeID) != StatusNone {
			continue
		}

		s.ledger.SetStatus(planID, inviteeID, StatusInvited)

		if s.store != nil {
			if err := s.store.UpdateRSVP(ctx, planID, inviteeID, StatusInvited); err != nil {
				s.log.Error("plan.invite.push.fail",
					"plan_id", planID, "invitee_id", inviteeID, "inviter_id", inviterID, "err", err)
				failed = append(failed, fmt.Errorf("invitee %s: %v", inviteeID, err))
				continue
			}
		}

		if s.notifier != nil {
			if err := s.notifier.InviteIssued(ctx, inviteeID, p); err != nil {
				s.log.Error("plan.invite.notify.fail",
					"plan_id", planID, "invitee_id", inviteeID, "err", err)
			}
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("%w: %v", ErrRemoteWriteFailed, errors.Join(failed...))
	}
	s.markSynced()
	return nil
}

// KickUser removes the user's attendance locally and awaits the remote kick,
// which also bans future re-joins on the remote side. The local removal is
// optimistic: it stands even when the remote call fails.
func (s *Service) KickUser(ctx context.Context, planID, userID, byUserID, reason string) error {
	if _, ok := s.PlanByID(planID); !ok {
		return ErrNotFound
	}

	s.ledger.SetStatus(planID, userID, StatusNone)

	if s.store == nil {
		return nil
	}

	if err := s.store.KickUser(ctx, planID, userID, byUserID, reason); err != nil {
		s.log.Error("plan.kick.push.fail",
			"plan_id", planID, "user_id", userID, "by", byUserID, "err", err)
		return fmt.Errorf("%w: %v", ErrRemoteWriteFailed, err)
	}
	s.markSynced()
	return nil
}

// ToggleRSVP advances the user's status through the quick-tap cycle and
// pushes the result to the remote store in the background.
func (s *Service) ToggleRSVP(planID, userID string) (Status, error) {
	return s.applyRSVP(planID, userID, Toggle())
}

// SetRSVP targets a status directly (going/maybe/none) with the same privacy
// gating as the toggle path, then pushes in the background.
func (s *Service) SetRSVP(planID, userID string, target Status) (Status, error) {
	return s.applyRSVP(planID, userID, SetStatus(target))
}

func (s *Service) applyRSVP(planID, userID string, act Action) (Status, error) {
	if userID == "" {
		return StatusNone, errors.New("plan: missing user id")
	}
	p, ok := s.PlanByID(planID)
	if !ok {
		return StatusNone, ErrNotFound
	}

	cur := s.ledger.StatusOf(planID, userID)
	next := Transition(cur, act, p.IsPrivate, p.HostUserID == userID)
	s.ledger.SetStatus(planID, userID, next)

	s.pushRSVP(planID, userID, next)
	return next, nil
}

// Approve moves a pending user to going (no-op when not pending) and pushes
// the confirmed status in the background.
func (s *Service) Approve(planID, userID string) {
	if s.ledger.Approve(planID, userID) {
		s.pushRSVP(planID, userID, StatusGoing)
	}
}

// Deny clears a pending request (no-op when not pending) and pushes the
// cleared status in the background.
func (s *Service) Deny(planID, userID string) {
	if s.ledger.Deny(planID, userID) {
		s.pushRSVP(planID, userID, StatusNone)
	}
}

// pushRSVP issues the remote status write without blocking the caller.
// Failures are logged, not retried, and never revert the optimistic status;
// rapid repeated pushes rely on the remote store's last-write-wins ordering.
func (s *Service) pushRSVP(planID, userID string, st Status) {
	if s.store == nil {
		return
	}

	s.pushes.Add(1)
	go func() {
		defer s.pushes.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.pushTimeout)
		defer cancel()

		if err := s.store.UpdateRSVP(ctx, planID, userID, st); err != nil {
			s.counter().RSVPPush("fail")
			s.log.Error("rsvp.push.fail",
				"plan_id", planID, "user_id", userID, "status", string(st), "err", err)
			return
		}
		s.counter().RSVPPush("ok")
		s.markSynced()
	}()
}

// WaitForPushes blocks until in-flight background RSVP writes finish.
// Used by graceful shutdown and tests.
func (s *Service) WaitForPushes() { s.pushes.Wait() }

func (s *Service) markSynced() {
	s.mu.Lock()
	s.lastSync = s.clock()
	s.mu.Unlock()
}

func (s *Service) counter() Counters {
	if s.counters != nil {
		return s.counters
	}
	return nopCounters{}
}

type nopCounters struct{}

func (nopCounters) PlanSync(string) {}
func (nopCounters) RSVPPush(string) {}
