package plan

import "context"

// RemoteStore is the authoritative plan/RSVP persistence boundary.
//
// Requirements:
//   - FetchPlans returns the full catalog; it is the authority on which
//     plans exist.
//   - UpdateRSVP with StatusNone clears the record.
//   - KickUser removes the record and bans the user from re-joining; the
//     ban is enforced remotely, not by the reconciliation service.
type RemoteStore interface {
	FetchPlans(ctx context.Context) ([]Plan, error)
	CreatePlan(ctx context.Context, p Plan) error
	UpdatePlan(ctx context.Context, p Plan) error
	DeletePlan(ctx context.Context, planID string) error

	// FetchMyRSVPs returns the user's status keyed by plan id.
	FetchMyRSVPs(ctx context.Context, userID string) (map[string]Status, error)

	// FetchAttendeesForPlans returns confirmed attendee ids keyed by plan id.
	FetchAttendeesForPlans(ctx context.Context, planIDs []string) (map[string][]string, error)

	UpdateRSVP(ctx context.Context, planID, userID string, s Status) error
	KickUser(ctx context.Context, planID, userID, byUserID, reason string) error

	Close() error
}
