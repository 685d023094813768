package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/harunnryd/scribe/pkg/logging"
)

// Routes describes the HTTP surface. Empty paths and nil handlers are not
// mounted.
type Routes struct {
	WSPath      string
	Stream      http.HandlerFunc
	HealthPath  string
	Health      func() (map[string]any, bool)
	MetricsPath string
	Metrics     http.Handler
	Twilio      *TwilioRoutes
}

type TwilioRoutes struct {
	VoicePath  string
	Voice      http.HandlerFunc
	StreamPath string
	Stream     http.HandlerFunc
	StatusPath string
	Status     http.HandlerFunc
}

// NewRouter mounts the routes on a chi router. Health answers 503 while the
// health func reports not ready, so load balancers stop routing to a
// draining process.
func NewRouter(rt Routes, logger *slog.Logger) http.Handler {
	log := logging.NewComponentLogger(logger, "http")
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if rt.Stream != nil && rt.WSPath != "" {
		r.Get(rt.WSPath, rt.Stream)
	}
	if rt.HealthPath != "" {
		r.Get(rt.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
			body := map[string]any{"ok": true}
			ready := true
			if rt.Health != nil {
				body, ready = rt.Health()
				if body == nil {
					body = map[string]any{}
				}
				body["ok"] = ready
			}
			status := http.StatusOK
			if !ready {
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, body)
		})
	}
	if rt.Metrics != nil && rt.MetricsPath != "" {
		r.Method(http.MethodGet, rt.MetricsPath, rt.Metrics)
	}
	if tw := rt.Twilio; tw != nil {
		mount(r, http.MethodPost, tw.VoicePath, tw.Voice)
		mount(r, http.MethodGet, tw.StreamPath, tw.Stream)
		mount(r, http.MethodPost, tw.StatusPath, tw.Status)
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		log.Debug("route_not_found", slog.String("path", req.URL.Path))
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	})
	return r
}

func mount(r chi.Router, method, path string, h http.HandlerFunc) {
	if h == nil || strings.TrimSpace(path) == "" {
		return
	}
	r.Method(method, path, h)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
