package httpapi

import (
	"time"

	"friendmap/internal/chat"
	"friendmap/internal/geo"
	"friendmap/internal/notify"
	"friendmap/internal/plan"
)

// ---- plan payloads ----

type planPayload struct {
	ID            string    `json:"id"`
	HostUserID    string    `json:"host_user_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	StartsAt      time.Time `json:"starts_at"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Emoji         string    `json:"emoji,omitempty"`
	Activity      string    `json:"activity,omitempty"`
	AddressText   string    `json:"address_text,omitempty"`
	IsPrivate     bool      `json:"is_private"`
	MaxAttendees  *int      `json:"max_attendees,omitempty"`
	HostName      string    `json:"host_name,omitempty"`
	HostAvatarURL string    `json:"host_avatar_url,omitempty"`
}

type planWriteRequest struct {
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	StartsAt     time.Time `json:"starts_at"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Emoji        string    `json:"emoji"`
	Activity     string    `json:"activity"`
	AddressText  string    `json:"address_text"`
	IsPrivate    bool      `json:"is_private"`
	MaxAttendees *int      `json:"max_attendees"`
}

type planDetailResponse struct {
	Plan      planPayload `json:"plan"`
	Attendees []string    `json:"attendees"`
	Pending   []string    `json:"pending,omitempty"`
	MyStatus  string      `json:"my_status"`
}

type planListResponse struct {
	Plans []planPayload `json:"plans"`
}

type syncResponse struct {
	Synced   bool      `json:"synced"`
	SyncedAt time.Time `json:"synced_at,omitzero"`
	Plans    int       `json:"plans"`
}

func toPlanPayload(p plan.Plan) planPayload {
	return planPayload{
		ID:            p.ID,
		HostUserID:    p.HostUserID,
		Title:         p.Title,
		Description:   p.Description,
		StartsAt:      p.StartsAt,
		Latitude:      p.Latitude,
		Longitude:     p.Longitude,
		Emoji:         p.Emoji,
		Activity:      string(p.Activity),
		AddressText:   p.AddressText,
		IsPrivate:     p.IsPrivate,
		MaxAttendees:  p.MaxAttendees,
		HostName:      p.HostName,
		HostAvatarURL: p.HostAvatarURL,
	}
}

func toPlanPayloads(ps []plan.Plan) []planPayload {
	out := make([]planPayload, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPlanPayload(p))
	}
	return out
}

// ---- rsvp payloads ----

type rsvpRequest struct {
	// Action is "toggle" or "set".
	Action string `json:"action"`
	// Status applies to "set": going, maybe, or none.
	Status string `json:"status,omitempty"`
}

type rsvpResponse struct {
	PlanID string `json:"plan_id"`
	Status string `json:"status"`
}

type inviteRequest struct {
	UserIDs []string `json:"user_ids"`
}

type kickRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

type approvalRequest struct {
	UserID string `json:"user_id"`
}

type membersResponse struct {
	PlanID    string   `json:"plan_id"`
	Attendees []string `json:"attendees"`
	Pending   []string `json:"pending,omitempty"`
}

// ---- map payloads ----

type clusterPayload struct {
	ID        string        `json:"id"`
	Latitude  float64       `json:"latitude"`
	Longitude float64       `json:"longitude"`
	PlanIDs   []string      `json:"plan_ids"`
	Plans     []planPayload `json:"plans,omitempty"`
}

type clustersResponse struct {
	Clusters []clusterPayload `json:"clusters"`
}

func toClusterPayload(g geo.ClusterGroup, byID map[string]plan.Plan) clusterPayload {
	out := clusterPayload{
		ID:        g.ID,
		Latitude:  g.Lat,
		Longitude: g.Lng,
		PlanIDs:   make([]string, 0, len(g.Members)),
	}
	for _, m := range g.Members {
		out.PlanIDs = append(out.PlanIDs, m.ID)
		if p, ok := byID[m.ID]; ok {
			out.Plans = append(out.Plans, toPlanPayload(p))
		}
	}
	return out
}

// ---- chat payloads ----

type chatSummaryPayload struct {
	PlanID        string     `json:"plan_id"`
	UnreadCount   int        `json:"unread_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	LastPreview   string     `json:"last_preview,omitempty"`
	LastSenderID  string     `json:"last_sender_id,omitempty"`
}

type chatSummariesResponse struct {
	Summaries []chatSummaryPayload `json:"summaries"`
}

func toChatSummaryPayload(s chat.Summary) chatSummaryPayload {
	out := chatSummaryPayload{
		PlanID:       s.PlanID,
		UnreadCount:  s.UnreadCount,
		LastPreview:  s.LastPreview,
		LastSenderID: s.LastSenderID,
	}
	if s.HasMessages() {
		at := s.LastMessageAt
		out.LastMessageAt = &at
	}
	return out
}

// ---- notification payloads ----

type notificationPayload struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	PlanID    string     `json:"plan_id"`
	Title     string     `json:"title"`
	Body      string     `json:"body,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

type notificationsResponse struct {
	Notifications []notificationPayload `json:"notifications"`
}

func toNotificationPayload(n notify.Notification) notificationPayload {
	return notificationPayload{
		ID:        n.ID,
		Type:      string(n.Type),
		PlanID:    n.PlanID,
		Title:     n.Title,
		Body:      n.Body,
		CreatedAt: n.CreatedAt,
		ReadAt:    n.ReadAt,
	}
}
