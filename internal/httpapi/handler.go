// Package httpapi exposes the plan, chat, and notification services over a
// JSON HTTP surface.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"friendmap/internal/chat"
	"friendmap/internal/geo"
	"friendmap/internal/notify"
	"friendmap/internal/plan"
)

const defaultMaxBodyBytes = 64 << 10

// userHeader carries the caller identity. Authentication is handled by the
// fronting proxy; the API trusts this header.
const userHeader = "X-User-ID"

// Handler wires HTTP endpoints to the plan, chat, and notification services.
type Handler struct {
	log     *slog.Logger
	plans   *plan.Service
	chats   *chat.Service
	notices *notify.Service

	maxBodyBytes int64
}

// HandlerOption configures optional handler behavior.
type HandlerOption func(*Handler)

// WithMaxBodyBytes caps request body size across endpoints.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if h == nil || n <= 0 {
			return
		}
		h.maxBodyBytes = n
	}
}

// NewHandler constructs the API handler. The chat and notification services
// may be nil; their endpoints then return 503.
func NewHandler(log *slog.Logger, plans *plan.Service, chats *chat.Service, notices *notify.Service, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if plans == nil {
		return nil, errors.New("httpapi: nil plan service")
	}

	h := &Handler{
		log:          log,
		plans:        plans,
		chats:        chats,
		notices:      notices,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires API routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/sync", h.handleSync)

	mux.HandleFunc("GET /api/plans", h.handlePlanList)
	mux.HandleFunc("POST /api/plans", h.handlePlanCreate)
	mux.HandleFunc("GET /api/plans/{id}", h.handlePlanDetail)
	mux.HandleFunc("PATCH /api/plans/{id}", h.handlePlanUpdate)
	mux.HandleFunc("DELETE /api/plans/{id}", h.handlePlanDelete)

	mux.HandleFunc("POST /api/plans/{id}/rsvp", h.handleRSVP)
	mux.HandleFunc("POST /api/plans/{id}/invite", h.handleInvite)
	mux.HandleFunc("POST /api/plans/{id}/kick", h.handleKick)
	mux.HandleFunc("POST /api/plans/{id}/approve", h.handleApprove)
	mux.HandleFunc("POST /api/plans/{id}/deny", h.handleDeny)
	mux.HandleFunc("GET /api/plans/{id}/members", h.handleMembers)

	mux.HandleFunc("GET /api/map/clusters", h.handleClusters)

	mux.HandleFunc("GET /api/chats/summaries", h.handleChatSummaries)

	mux.HandleFunc("GET /api/notifications", h.handleNotifications)
	mux.HandleFunc("POST /api/notifications/{id}/read", h.handleNotificationRead)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(userHeader))
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing_identity", "X-User-ID header required")
		return "", false
	}
	return id, true
}

// ---- sync ----

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := h.plans.LoadPlans(r.Context(), userID); err != nil {
		if errors.Is(err, plan.ErrRemoteUnavailable) {
			writeJSON(w, http.StatusOK, syncResponse{
				Synced:   false,
				SyncedAt: h.plans.LastSyncedAt(),
				Plans:    len(h.plans.UpcomingPlans()),
			})
			return
		}
		h.log.Error("api.sync.fail", "user_id", userID, "err", err)
		writeError(w, http.StatusBadGateway, "sync_failed", "plan sync failed")
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{
		Synced:   true,
		SyncedAt: h.plans.LastSyncedAt(),
		Plans:    len(h.plans.UpcomingPlans()),
	})
}

// ---- plans ----

func (h *Handler) handlePlanList(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()

	var plans []plan.Plan
	switch view := strings.TrimSpace(q.Get("view")); view {
	case "", "upcoming":
		filter, err := parseDateFilter(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
			return
		}
		plans = h.plans.FilteredPlans(plan.ActivityType(strings.TrimSpace(q.Get("activity"))), filter)
	case "invited":
		plans = h.plans.InvitedPlans(userID)
	case "hosted":
		plans = h.plans.HostedPlans(userID)
	case "mine":
		plans = h.plans.MyPlans(userID)
	case "friends":
		plans = h.plans.FriendPlans(userID)
	default:
		writeError(w, http.StatusBadRequest, "invalid_view", "unknown view: "+view)
		return
	}

	writeJSON(w, http.StatusOK, planListResponse{Plans: toPlanPayloads(plans)})
}

func (h *Handler) handlePlanCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req planWriteRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" || req.StartsAt.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_request", "title and starts_at are required")
		return
	}

	created, err := h.plans.CreatePlan(r.Context(), planFromWrite(req, userID))
	if err != nil && !errors.Is(err, plan.ErrRemoteWriteFailed) {
		h.log.Error("api.plan.create.fail", "user_id", userID, "err", err)
		writeError(w, http.StatusBadGateway, "create_failed", "plan creation failed")
		return
	}

	// Remote write failure still leaves the plan saved locally; the next
	// sync settles it. Report 202 so the client can surface "pending".
	status := http.StatusCreated
	if err != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, toPlanPayload(created))
}

func (h *Handler) handlePlanDetail(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	planID := r.PathValue("id")
	p, ok := h.plans.PlanByID(planID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown plan")
		return
	}

	resp := planDetailResponse{
		Plan:      toPlanPayload(p),
		Attendees: h.plans.Attendees(planID),
		MyStatus:  string(h.plans.StatusFor(planID, userID)),
	}
	// Pending join requests are host-only information.
	if p.HostUserID == userID {
		resp.Pending = h.plans.Pending(planID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePlanUpdate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	planID := r.PathValue("id")
	existing, ok := h.plans.PlanByID(planID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown plan")
		return
	}
	if existing.HostUserID != userID {
		writeError(w, http.StatusForbidden, "not_host", "only the host can edit a plan")
		return
	}

	var req planWriteRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" || req.StartsAt.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_request", "title and starts_at are required")
		return
	}

	updated := planFromWrite(req, userID)
	updated.ID = planID

	if err := h.plans.UpdatePlan(r.Context(), updated); err != nil {
		switch {
		case errors.Is(err, plan.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "unknown plan")
		default:
			h.log.Error("api.plan.update.fail", "plan_id", planID, "err", err)
			writeError(w, http.StatusBadGateway, "update_failed", "plan update failed")
		}
		return
	}

	p, _ := h.plans.PlanByID(planID)
	writeJSON(w, http.StatusOK, toPlanPayload(p))
}

func (h *Handler) handlePlanDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	planID := r.PathValue("id")
	p, ok := h.plans.PlanByID(planID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown plan")
		return
	}
	if p.HostUserID != userID {
		writeError(w, http.StatusForbidden, "not_host", "only the host can delete a plan")
		return
	}

	if err := h.plans.DeletePlan(r.Context(), planID); err != nil {
		h.log.Error("api.plan.delete.fail", "plan_id", planID, "err", err)
		writeError(w, http.StatusBadGateway, "delete_failed", "plan deletion failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- rsvp and membership ----

func (h *Handler) handleRSVP(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	planID := r.PathValue("id")

	var req rsvpRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	var (
		status plan.Status
		err    error
	)
	switch req.Action {
	case "toggle":
		status, err = h.plans.ToggleRSVP(planID, userID)
	case "set":
		// Only the user-settable statuses; pending and invited are outcomes
		// of the join/invite flows, not direct targets.
		target := plan.Status(req.Status)
		switch target {
		case plan.StatusGoing, plan.StatusMaybe, plan.StatusNone:
		default:
			writeError(w, http.StatusBadRequest, "invalid_status", "status must be going, maybe, or none")
			return
		}
		status, err = h.plans.SetRSVP(planID, userID, target)
	default:
		writeError(w, http.StatusBadRequest, "invalid_action", "action must be toggle or set")
		return
	}
	if err != nil {
		if errors.Is(err, plan.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown plan")
			return
		}
		h.log.Error("api.rsvp.fail", "plan_id", planID, "user_id", userID, "err", err)
		writeError(w, http.StatusBadGateway, "rsvp_failed", "rsvp change failed")
		return
	}

	writeJSON(w, http.StatusOK, rsvpResponse{PlanID: planID, Status: string(status)})
}

func (h *Handler) handleInvite(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	planID := r.PathValue("id")

	var req inviteRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if len(req.UserIDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_ids is required")
		return
	}

	if err := h.plans.InviteUsers(r.Context(), planID, req.UserIDs, userID); err != nil {
		if errors.Is(err, plan.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown plan")
			return
		}
		// Partial failures keep the successful invites; report them.
		h.log.Error("api.invite.fail", "plan_id", planID, "err", err)
		writeError(w, http.StatusBadGateway, "invite_failed", "some invites failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleKick(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	planID := r.PathValue("id")

	p, ok := h.plans.PlanByID(planID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown plan")
		return
	}
	if p.HostUserID != userID {
		writeError(w, http.StatusForbidden, "not_host", "only the host can remove attendees")
		return
	}

	var req kickRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}
	if req.UserID == userID {
		writeError(w, http.StatusBadRequest, "invalid_request", "the host cannot be removed")
		return
	}

	if err := h.plans.KickUser(r.Context(), planID, req.UserID, userID, req.Reason); err != nil {
		// Local removal already took effect; the remote ban retries on the
		// next sync. Report 202 rather than failing the UI action.
		h.log.Warn("api.kick.remote.fail", "plan_id", planID, "user_id", req.UserID, "err", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.handleApproval(w, r, true)
}

func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	h.handleApproval(w, r, false)
}

func (h *Handler) handleApproval(w http.ResponseWriter, r *http.Request, approve bool) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	planID := r.PathValue("id")

	p, ok := h.plans.PlanByID(planID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown plan")
		return
	}
	if p.HostUserID != userID {
		writeError(w, http.StatusForbidden, "not_host", "only the host can resolve join requests")
		return
	}

	var req approvalRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	if approve {
		h.plans.Approve(planID, req.UserID)
	} else {
		h.plans.Deny(planID, req.UserID)
	}

	writeJSON(w, http.StatusOK, membersResponse{
		PlanID:    planID,
		Attendees: h.plans.Attendees(planID),
		Pending:   h.plans.Pending(planID),
	})
}

func (h *Handler) handleMembers(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	planID := r.PathValue("id")

	p, ok := h.plans.PlanByID(planID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown plan")
		return
	}

	resp := membersResponse{
		PlanID:    planID,
		Attendees: h.plans.Attendees(planID),
	}
	if p.HostUserID == userID {
		resp.Pending = h.plans.Pending(planID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---- map ----

func (h *Handler) handleClusters(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.userID(w, r); !ok {
		return
	}

	q := r.URL.Query()

	viewSpan, err := strconv.ParseFloat(strings.TrimSpace(q.Get("view_span")), 64)
	if err != nil || viewSpan <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "view_span must be a positive number")
		return
	}
	threshold := 0.0
	if raw := strings.TrimSpace(q.Get("threshold")); raw != "" {
		threshold, err = strconv.ParseFloat(raw, 64)
		if err != nil || threshold <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "threshold must be a positive number")
			return
		}
	}

	filter, err := parseDateFilter(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	plans := h.plans.FilteredPlans(plan.ActivityType(strings.TrimSpace(q.Get("activity"))), filter)

	items := make([]geo.Item, 0, len(plans))
	byID := make(map[string]plan.Plan, len(plans))
	for _, p := range plans {
		items = append(items, geo.Item{ID: p.ID, Lat: p.Latitude, Lng: p.Longitude})
		byID[p.ID] = p
	}

	groups := geo.Cluster(items, viewSpan, threshold)
	out := make([]clusterPayload, 0, len(groups))
	for _, g := range groups {
		out = append(out, toClusterPayload(g, byID))
	}
	writeJSON(w, http.StatusOK, clustersResponse{Clusters: out})
}

// ---- chat ----

func (h *Handler) handleChatSummaries(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if h.chats == nil {
		writeError(w, http.StatusServiceUnavailable, "chat_unavailable", "chat not configured")
		return
	}

	sums, err := h.chats.Summaries(r.Context(), userID)
	if err != nil {
		// Cached summaries keep the event list usable while the store is
		// unreachable.
		h.log.Warn("api.chat.summaries.fail", "user_id", userID, "err", err)
		sums = h.chats.CachedSummaries(userID)
	}

	out := make([]chatSummaryPayload, 0, len(sums))
	for _, s := range sums {
		out = append(out, toChatSummaryPayload(s))
	}
	writeJSON(w, http.StatusOK, chatSummariesResponse{Summaries: out})
}

// ---- notifications ----

func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if h.notices == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications_unavailable", "notifications not configured")
		return
	}

	items, err := h.notices.Fetch(r.Context(), userID)
	if err != nil {
		h.log.Error("api.notifications.fail", "user_id", userID, "err", err)
		writeError(w, http.StatusBadGateway, "fetch_failed", "notification fetch failed")
		return
	}

	out := make([]notificationPayload, 0, len(items))
	for _, n := range items {
		out = append(out, toNotificationPayload(n))
	}
	writeJSON(w, http.StatusOK, notificationsResponse{Notifications: out})
}

func (h *Handler) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.userID(w, r); !ok {
		return
	}
	if h.notices == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications_unavailable", "notifications not configured")
		return
	}

	if err := h.notices.MarkRead(r.Context(), r.PathValue("id")); err != nil {
		switch {
		case errors.Is(err, notify.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "unknown notification")
		case errors.Is(err, notify.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid notification id")
		default:
			h.log.Error("api.notification.read.fail", "err", err)
			writeError(w, http.StatusBadGateway, "mark_read_failed", "mark read failed")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

func planFromWrite(req planWriteRequest, hostUserID string) plan.Plan {
	return plan.Plan{
		HostUserID:   hostUserID,
		Title:        strings.TrimSpace(req.Title),
		Description:  strings.TrimSpace(req.Description),
		StartsAt:     req.StartsAt,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		Emoji:        req.Emoji,
		Activity:     plan.ActivityType(req.Activity),
		AddressText:  strings.TrimSpace(req.AddressText),
		IsPrivate:    req.IsPrivate,
		MaxAttendees: req.MaxAttendees,
	}
}

func parseDateFilter(q map[string][]string) (plan.DateFilter, error) {
	get := func(key string) string {
		if vs := q[key]; len(vs) > 0 {
			return strings.TrimSpace(vs[0])
		}
		return ""
	}

	switch date := get("date"); date {
	case "", "any":
		return plan.DateFilter{Kind: plan.DateAny}, nil
	case "today":
		return plan.DateFilter{Kind: plan.DateToday}, nil
	case "tomorrow":
		return plan.DateFilter{Kind: plan.DateTomorrow}, nil
	case "next":
		days := 7
		if raw := get("days"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return plan.DateFilter{}, errors.New("days must be a positive integer")
			}
			days = n
		}
		return plan.DateFilter{Kind: plan.DateNextDays, Days: days}, nil
	case "day":
		day, err := time.Parse("2006-01-02", get("day"))
		if err != nil {
			return plan.DateFilter{}, errors.New("day must be YYYY-MM-DD")
		}
		return plan.DateFilter{Kind: plan.DateCustomDay, Day: day}, nil
	default:
		return plan.DateFilter{}, errors.New("unknown date filter: " + date)
	}
}
