// Package api exposes pool statistics and health over a small HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/recipedb/connpool/pkg/monitor"
	"github.com/recipedb/connpool/pkg/pool"
	"github.com/recipedb/connpool/pkg/shutdown"
)

// Server serves the operational HTTP API for one pool and its monitor.
type Server struct {
	pool    *pool.Pool
	monitor *monitor.Monitor
	coord   *shutdown.Coordinator
	http    *http.Server
}

// NewServer builds the API server. Start it with ListenAndServe and stop it
// through the returned http.Server's Shutdown via Close.
func NewServer(addr string, readTimeout, writeTimeout time.Duration, p *pool.Pool, m *monitor.Monitor, c *shutdown.Coordinator) *Server {
	s := &Server{pool: p, monitor: m, coord: c}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	v1.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}/resolve", s.handleResolveAlert).Methods(http.MethodPost)
	v1.HandleFunc("/shutdown", s.handleShutdownStatus).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// ListenAndServe blocks serving requests until the server is closed.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.http.Addr).Msg("API server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the underlying handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Close shuts the HTTP listener down, waiting for in-flight requests.
func (s *Server) Close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// handleHealthz is the load-balancer probe: 200 unless the pool is critical
// or the process is shutting down.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.coord.Status() != shutdown.StateRunning {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	hs := s.monitor.CurrentHealth()
	if hs.Status == monitor.StatusCritical {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(hs.Status)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(hs.Status)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.CurrentHealth())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	n := 0
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid n: %q", raw))
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, s.monitor.RecentHistory(n))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.ActiveAlerts())
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.monitor.ResolveAlert(id) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no active alert with id %s", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"resolved": id})
}

func (s *Server) handleShutdownStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.coord.Status())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode API response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
