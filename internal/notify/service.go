package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"friendmap/internal/ids"
	"friendmap/internal/plan"
)

// Counters is the metrics surface the service reports to. Nil-safe no-op
// when absent.
type Counters interface {
	InviteNotification(result string)
}

// Service derives invite notifications from reconciled ledger state. It
// implements plan.Notifier.
type Service struct {
	log      *slog.Logger
	store    Store
	counters Counters
	clock    func() time.Time
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

// NewService constructs a notification service.
func NewService(log *slog.Logger, store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		log:   log,
		store: store,
		clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s, nil
}

// SyncInvites persists one invite notification per invited plan that lacks
// a stored record. Idempotent across repeated reconciliation passes: the
// store's (user, type, plan) dedup rule guarantees re-running with an
// unchanged invited set inserts nothing.
func (s *Service) SyncInvites(ctx context.Context, userID string, invited []plan.Plan) error {
	if userID == "" {
		return ErrInvalidInput
	}

	for _, p := range invited {
		if err := s.insertInvite(ctx, userID, p); err != nil {
			return fmt.Errorf("sync invites: %w", err)
		}
	}
	return nil
}

// InviteIssued records the notification for a freshly issued invite,
// deduplicated the same way as the reconciliation pass.
func (s *Service) InviteIssued(ctx context.Context, inviteeID string, p plan.Plan) error {
	if inviteeID == "" {
		return ErrInvalidInput
	}
	return s.insertInvite(ctx, inviteeID, p)
}

func (s *Service) insertInvite(ctx context.Context, userID string, p plan.Plan) error {
	now := s.clock()

	id, err := ids.NewULID(now)
	if err != nil {
		return err
	}

	res, err := s.store.Insert(ctx, Notification{
		ID:        id,
		UserID:    userID,
		Type:      TypeInvite,
		PlanID:    p.ID,
		Title:     "You're invited",
		Body:      fmt.Sprintf("%s %s", p.Emoji, p.Title),
		CreatedAt: now,
	})
	if err != nil {
		s.counter().InviteNotification("fail")
		return err
	}

	if res.Inserted {
		s.counter().InviteNotification("ok")
		s.log.Info("notify.invite.stored", "user_id", userID, "plan_id", p.ID)
	}
	return nil
}

// Fetch returns the user's notifications newest first.
func (s *Service) Fetch(ctx context.Context, userID string) ([]Notification, error) {
	return s.store.Fetch(ctx, userID)
}

// MarkRead marks one notification as read.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	return s.store.MarkRead(ctx, id)
}

func (s *Service) counter() Counters {
	if s.counters != nil {
		return s.counters
	}
	return nopCounters{}
}

type nopCounters struct{}

func (nopCounters) InviteNotification(string) {}
