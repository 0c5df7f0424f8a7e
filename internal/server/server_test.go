package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gatekeeper/internal/observability"
)

func newTestEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewEngine(observability.Config{ServiceName: "gatekeeper", Environment: "test", LogLevel: "info"})
}

func TestHealth(t *testing.T) {
	r := newTestEngine(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %q", body["status"])
	}
	if w.Header().Get(headerRequestID) == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	r := newTestEngine(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(headerRequestID, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get(headerRequestID); got != "req-123" {
		t.Fatalf("expected req-123, got %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestEngine(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatalf("expected go runtime metrics in scrape output")
	}
}

func TestUnknownRouteReturnsJSONError(t *testing.T) {
	r := newTestEngine(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var body errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Type != "not_found" {
		t.Fatalf("expected not_found, got %q", body.Error.Type)
	}
}

func TestMapErrorDefaultsToInternal(t *testing.T) {
	status, payload := mapError(ErrServiceUnavailable)
	if status != http.StatusServiceUnavailable || payload.Type != "service_unavailable" {
		t.Fatalf("unexpected mapping: %d %q", status, payload.Type)
	}

	status, payload = mapError(http.ErrHandlerTimeout)
	if status != http.StatusInternalServerError || payload.Type != "internal_error" {
		t.Fatalf("unexpected mapping: %d %q", status, payload.Type)
	}
}
