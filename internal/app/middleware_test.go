package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithRequestLoggingPassesThrough(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}), log)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/plans", nil))

	if rr.Code != http.StatusTeapot {
		t.Fatalf("status=%d want=%d", rr.Code, http.StatusTeapot)
	}
	if rr.Body.String() != "short and stout" {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

func TestLoggingResponseWriterPreservesFlusher(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr, status: http.StatusOK}

	var w http.ResponseWriter = lrw
	if _, ok := w.(http.Flusher); !ok {
		t.Fatal("loggingResponseWriter must expose Flusher for streaming handlers")
	}
	lrw.Flush()
	if !rr.Flushed {
		t.Fatal("Flush did not reach the underlying writer")
	}
}

func TestWithHTTPMetricsNilMetricsIsPassthrough(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := WithHTTPMetrics(next, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d want=204", rr.Code)
	}
}

func TestWithHTTPMetricsRecordsStatus(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	h := WithHTTPMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}), m)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/plans/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d want=404", rr.Code)
	}

	// The scrape output carries the labeled counter.
	scrape := httptest.NewRecorder()
	m.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := scrape.Body.String()
	if !strings.Contains(body, "friendmap_http_requests_total") || !strings.Contains(body, `status="404"`) {
		t.Fatalf("scrape missing labeled request counter:\n%s", body)
	}
}
