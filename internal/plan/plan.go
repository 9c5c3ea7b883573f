// Package plan implements the plan catalog, attendance ledger, RSVP state
// machine, and the reconciliation service that keeps optimistic local state
// aligned with the remote plan store.
package plan

import "time"

// ActivityType categorizes a plan for filtering and map display.
type ActivityType string

const (
	ActivityFood     ActivityType = "food"
	ActivityDrinks   ActivityType = "drinks"
	ActivitySports   ActivityType = "sports"
	ActivityOutdoors ActivityType = "outdoors"
	ActivityGames    ActivityType = "games"
	ActivityMusic    ActivityType = "music"
	ActivityStudy    ActivityType = "study"
	ActivityOther    ActivityType = "other"
)

// archiveWindow gates the chat surface: 10 hours past start a plan is
// archived and its chat rejects new messages.
const archiveWindow = 10 * time.Hour

// Plan is a hostable, attendable event.
//
// ID and HostUserID are immutable after creation; the remaining fields are
// mutable by the host via Service.UpdatePlan. HostName/HostAvatarURL are
// denormalized display fields owned by the remote store.
type Plan struct {
	ID          string
	HostUserID  string
	Title       string
	Description string
	StartsAt    time.Time
	Latitude    float64
	Longitude   float64
	Emoji       string
	Activity    ActivityType
	AddressText string
	IsPrivate   bool

	// MaxAttendees is nil when the plan has no capacity limit.
	MaxAttendees *int

	HostName      string
	HostAvatarURL string
}

// Archived reports whether the plan is past its archive window, after which
// its chat is read-only.
func (p Plan) Archived(now time.Time) bool {
	return now.After(p.StartsAt.Add(archiveWindow))
}

// Upcoming reports whether the plan starts after now.
func (p Plan) Upcoming(now time.Time) bool {
	return p.StartsAt.After(now)
}
