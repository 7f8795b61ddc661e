package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{address}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/history", s.handleGetDeviceHistory)
			})
		})

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", s.handleListGroups)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetGroup)
				r.Get("/history", s.handleGetGroupHistory)
			})
		})
	})

	// WebSocket event stream (path configurable, default /api/events)
	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = "/api/events"
	}
	r.Get(wsPath, s.handleWebSocket)

	return r
}

// handleHealth reports the liveness of each subsystem.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	routerConnected := s.router.Connected()
	mqttConnected := s.mqtt != nil && s.mqtt.IsConnected()

	dbOK := true
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		dbOK = s.db.HealthCheck(ctx) == nil
	}

	status := "ok"
	httpStatus := http.StatusOK
	if !routerConnected || !dbOK {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":           status,
		"version":          s.version,
		"router_connected": routerConnected,
		"mqtt_connected":   mqttConnected,
		"database_ok":      dbOK,
	})
}
