package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"timeline_tracker/internal/domain"
	"timeline_tracker/internal/service"
	"timeline_tracker/internal/storage/postgres"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

type Tracker interface {
	Phase() service.Phase
	Entities() []domain.TrackedEntity
	Markers() map[string]int64
}

type AccountHealth interface {
	SnapshotHealth() map[string]domain.AccountHealth
}

// ItemHistory serves archived items; nil when no archive is configured.
type ItemHistory interface {
	History(ctx context.Context, key string, limit int) (*postgres.History, error)
}

// Server exposes read-only admin endpoints for a running tracker.
type Server struct {
	addr     string
	tracker  Tracker
	accounts AccountHealth
	history  ItemHistory
	router   *chi.Mux
	logger   *slog.Logger
}

func New(addr string, tracker Tracker, accounts AccountHealth, history ItemHistory, logger *slog.Logger) *Server {
	s := &Server{
		addr:     addr,
		tracker:  tracker,
		accounts: accounts,
		history:  history,
		router:   chi.NewRouter(),
		logger:   logger.With("component", "admin"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/accounts", s.handleAccounts)
	s.router.Get("/entities", s.handleEntities)
	s.router.Get("/entities/{key}/items", s.handleEntityItems)
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("admin server stopped")
	return nil
}

type healthResponse struct {
	Status string `json:"status"`
	Phase  string `json:"phase"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	phase := s.tracker.Phase()
	resp := healthResponse{Status: "ok", Phase: phase.String()}
	code := http.StatusOK
	if phase == service.ShuttingDown || phase == service.Stopped {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

type accountResponse struct {
	ID string `json:"id"`
	domain.AccountHealth
}

func (s *Server) handleAccounts(w http.ResponseWriter, _ *http.Request) {
	snap := s.accounts.SnapshotHealth()
	out := make([]accountResponse, 0, len(snap))
	for id, h := range snap {
		out = append(out, accountResponse{ID: id, AccountHealth: h})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	s.writeJSON(w, http.StatusOK, out)
}

type entityResponse struct {
	domain.TrackedEntity
	LastSeenID *int64 `json:"last_seen_id"`
}

func (s *Server) handleEntities(w http.ResponseWriter, _ *http.Request) {
	markers := s.tracker.Markers()
	entities := s.tracker.Entities()
	out := make([]entityResponse, 0, len(entities))
	for _, e := range entities {
		resp := entityResponse{TrackedEntity: e}
		if m, ok := markers[e.Key]; ok {
			resp.LastSeenID = &m
		}
		out = append(out, resp)
	}
	s.writeJSON(w, http.StatusOK, out)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleEntityItems(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "archive not configured"})
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	key := chi.URLParam(r, "key")
	h, err := s.history.History(r.Context(), key, limit)
	if err != nil {
		s.logger.Error("failed to read archive", "entity", key, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "archive unavailable"})
		return
	}
	if h == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "entity not archived"})
		return
	}
	s.writeJSON(w, http.StatusOK, h)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}
