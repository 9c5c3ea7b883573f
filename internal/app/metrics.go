package app

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus surface for the whole server. It implements the
// counter interfaces the plan, chat, and notification services report to.
type Metrics struct {
	registry *prometheus.Registry

	planSync    *prometheus.CounterVec
	rsvpPush    *prometheus.CounterVec
	chatSend    *prometheus.CounterVec
	inviteNotif *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics builds an isolated registry with process and Go collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		planSync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "friendmap",
			Name:      "plan_sync_total",
			Help:      "Plan reconciliation attempts by result.",
		}, []string{"result"}),
		rsvpPush: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "friendmap",
			Name:      "rsvp_push_total",
			Help:      "Background RSVP writes by result.",
		}, []string{"result"}),
		chatSend: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "friendmap",
			Name:      "chat_send_total",
			Help:      "Chat message sends by result.",
		}, []string{"result"}),
		inviteNotif: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "friendmap",
			Name:      "invite_notifications_total",
			Help:      "Invite notification inserts by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "friendmap",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, path, and status.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "friendmap",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.planSync,
		m.rsvpPush,
		m.chatSend,
		m.inviteNotif,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// PlanSync implements plan.Counters.
func (m *Metrics) PlanSync(result string) {
	m.planSync.WithLabelValues(result).Inc()
}

// RSVPPush implements plan.Counters.
func (m *Metrics) RSVPPush(result string) {
	m.rsvpPush.WithLabelValues(result).Inc()
}

// ChatSend implements chat.Counters.
func (m *Metrics) ChatSend(result string) {
	m.chatSend.WithLabelValues(result).Inc()
}

// InviteNotification implements notify.Counters.
func (m *Metrics) InviteNotification(result string) {
	m.inviteNotif.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
