package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthReportsDraining(t *testing.T) {
	ready := true
	h := NewRouter(Routes{
		HealthPath: "/health",
		Health: func() (map[string]any, bool) {
			return map[string]any{"sessions": 2}, ready
		},
	}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true || body["sessions"] != float64(2) {
		t.Fatalf("unexpected body: %v", body)
	}

	ready = false
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", rec.Code)
	}
}

func TestTwilioRoutesMountedByMethod(t *testing.T) {
	var voice, status int
	h := NewRouter(Routes{
		Twilio: &TwilioRoutes{
			VoicePath:  "/twilio/voice",
			Voice:      func(w http.ResponseWriter, _ *http.Request) { voice++ },
			StatusPath: "/twilio/status",
			Status:     func(w http.ResponseWriter, _ *http.Request) { status++ },
		},
	}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/twilio/voice", strings.NewReader("")))
	if voice != 1 {
		t.Fatalf("expected voice handler to run")
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/twilio/voice", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET voice, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/twilio/status", nil))
	if status != 1 {
		t.Fatalf("expected status handler to run")
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
