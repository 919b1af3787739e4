// Package web serves the bridge's operational surface: health and status
// endpoints, Prometheus metrics and a manual trigger for testing keymaps
// without touching the remote.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goodlucknow/kodi2home/bridge"
)

type Server struct {
	addr   string
	bridge *bridge.Bridge
	server *http.Server
}

func NewServer(addr string, b *bridge.Bridge) *Server {
	return &Server{addr: addr, bridge: b}
}

// Routes returns the HTTP routes for the status server.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Post("/trigger/{entity}", s.handleTrigger)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Starting status server", "addr", s.addr)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Routes(),
	}

	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, s.bridge.Status())
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	if entity == "" {
		http.Error(w, "missing entity id", http.StatusBadRequest)
		return
	}

	slog.Info("Manual trigger via web", "entity_id", entity, "remote_addr", r.RemoteAddr)

	w.Header().Set("Content-Type", "application/json")
	if !s.bridge.Trigger(entity) {
		w.WriteHeader(http.StatusServiceUnavailable)
		s.writeJSON(w, map[string]string{"status": "queue full", "entity_id": entity})
		return
	}

	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, map[string]string{"status": "queued", "entity_id": entity})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}
