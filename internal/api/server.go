// Package api serves the loopback monitoring endpoints: liveness, unit and
// pipeline status, and download history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"autofanfic/internal/pipeline"
	"autofanfic/internal/storage"
)

// DefaultPort is the loopback port the monitoring server binds.
const DefaultPort = 8425

// StateSource reports supervisor unit states.
type StateSource interface {
	States() map[string]string
}

// AssignmentSource reports the coordinator's site-to-worker table.
type AssignmentSource interface {
	Snapshot() map[string]string
}

// Server is the read-only HTTP monitoring surface. It binds loopback only;
// nothing here mutates pipeline state.
type Server struct {
	logger *slog.Logger
	port   int

	states      StateSource
	assignments AssignmentSource
	active      *pipeline.ActiveSet
	store       *storage.Storage

	httpServer *http.Server
}

func NewServer(logger *slog.Logger, port int, states StateSource, assignments AssignmentSource, active *pipeline.ActiveSet, store *storage.Storage) *Server {
	if port == 0 {
		port = DefaultPort
	}
	return &Server{
		logger:      logger,
		port:        port,
		states:      states,
		assignments: assignments,
		active:      active,
		store:       store,
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)
	})
	return r
}

// Run serves until the context is cancelled, then shuts the listener down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("monitoring api listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown monitoring api: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("monitoring api: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"units":        s.states.States(),
		"assignments":  s.assignments.Snapshot(),
		"active_tasks": s.active.Len(),
	}
	if s.store != nil {
		if successes, failures, err := s.store.Totals(); err == nil {
			resp["total_successes"] = successes
			resp["total_failures"] = failures
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "limit must be 1..1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.History(limit)
	if err != nil {
		s.logger.Warn("history query failed", "error", err)
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	days, _ := s.store.DailyHistory(30)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"records": recs,
		"daily":   days,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}
