// Package api exposes health, metrics and the admin surface over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/felipepmaragno/ai-router/internal/auth"
	"github.com/felipepmaragno/ai-router/internal/gateway"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Version = "0.1.0"

type HandlerConfig struct {
	Service *gateway.Service
	// Auth guards /admin routes. Nil leaves them open.
	Auth         *auth.RBACMiddleware
	Checkers     []HealthChecker
	ReadyTimeout time.Duration
}

type Handler struct {
	svc *gateway.Service
	mux *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = 2 * time.Second
	}

	h := &Handler{
		svc: cfg.Service,
		mux: http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, readyTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	newAdminHandler(cfg.Service, cfg.Auth).register(h.mux)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	states := h.svc.ProviderStates(r.Context())

	status := "healthy"
	for _, s := range states {
		if s != "closed" {
			status = "degraded"
			break
		}
	}

	keysByProvider := make(map[string]int)
	for _, k := range h.svc.ListKeys("") {
		if k.Active() {
			keysByProvider[k.Provider]++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"version":          Version,
		"active_keys":      keysByProvider,
		"circuit_breakers": states,
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	})
}
