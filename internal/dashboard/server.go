// Package dashboard serves the read-mostly HTTP API used by the status CLI
// and the web UI. Everything is JSON over a plain ServeMux; the only writes
// are job cancellation and cron toggling.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/voxclaw/voxclaw/internal/config"
	"github.com/voxclaw/voxclaw/internal/store"
)

const defaultListLimit = 50

// Server is the dashboard HTTP server.
type Server struct {
	store *store.Store
	cfg   config.DashboardConfig
	loops config.LoopsConfig
	srv   *http.Server
}

// NewServer creates the dashboard server. Loop thresholds feed the health
// endpoint's dead-letter and stuck-run counts.
func NewServer(s *store.Store, cfg config.DashboardConfig, loops config.LoopsConfig) *Server {
	return &Server{store: s, cfg: cfg, loops: loops}
}

// Handler builds the API routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /api/messages", s.handleListMessages)
	mux.HandleFunc("GET /api/outbox", s.handleListOutbox)
	mux.HandleFunc("GET /api/crons", s.handleListCrons)
	mux.HandleFunc("POST /api/crons/{id}/toggle", s.handleToggleCron)
	mux.HandleFunc("GET /api/traces/{id}", s.handleGetTrace)
	mux.HandleFunc("GET /api/events", s.handleListEvents)
	return mux
}

// Start begins listening in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dashboard listen %s: %w", addr, err)
	}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("dashboard server stopped", "error", err)
		}
	}()
	slog.Info("dashboard listening", "addr", addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cutoff := time.Now().Add(-s.loops.StuckAfter())
	h, err := s.store.GetHealth(s.loops.MaxDeliveryAttempts, cutoff)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, h)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.URL.Query().Get("status"), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.store.JobByID(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	logs, err := s.store.JobLogs(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]any{"job": job, "logs": logs})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	now := time.Now()
	job, err := s.store.JobByID(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	cancelled, err := s.store.CancelJob(id, "dashboard", now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if cancelled {
		if _, err := s.store.CancelOutboxForJob(id, "dashboard", now); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		_ = s.store.AppendEvent(job.TraceID, "dashboard", "dashboard.cancelled",
			map[string]any{"job_id": id}, now)
	}
	writeJSON(w, map[string]any{"cancelled": cancelled})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.ListMessages(r.URL.Query().Get("chat"), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, msgs)
}

func (s *Server) handleListOutbox(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListOutbox(limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleListCrons(w http.ResponseWriter, r *http.Request) {
	crons, err := s.store.ListCrons()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, crons)
}

func (s *Server) handleToggleCron(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.store.CronByID(id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.ToggleCron(id, body.Enabled, time.Now()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	cron, err := s.store.CronByID(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, cron)
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	trace, err := s.store.GetTrace(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, trace)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.RecentEvents(limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, events)
}

func limitParam(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return defaultListLimit
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("dashboard response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
