package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/autoinfra/autoinfra/pkg/engine"
	"github.com/autoinfra/autoinfra/pkg/stores"
)

// Loop is the part of the reconciler the server drives.
type Loop interface {
	Trigger(t engine.Trigger) bool
	State() engine.CycleState
	Busy() bool
	Interval() time.Duration
}

// History is the read side of the audit store.
type History interface {
	ListCycles(ctx context.Context, limit, offset int) ([]*stores.CycleRecord, error)
	GetCycleReport(ctx context.Context, id string) (*engine.CycleReport, error)
	HealthCheck(ctx context.Context) error
}

// Config wires the server's dependencies. History and Metrics are optional.
type Config struct {
	Loop        Loop
	History     History
	Metrics     http.Handler
	MetricsPath string
	Logger      zerolog.Logger
}

// Server is the HTTP control surface of "autoinfra reconcile".
type Server struct {
	loop    Loop
	history History
	logger  zerolog.Logger
	router  *mux.Router
}

// New creates a server and registers its routes.
func New(cfg Config) *Server {
	s := &Server{
		loop:    cfg.Loop,
		history: cfg.History,
		logger:  cfg.Logger.With().Str("component", "server").Logger(),
		router:  mux.NewRouter(),
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/reconcile", s.handleReconcile).Methods(http.MethodPost)
	s.router.HandleFunc("/cycles", s.handleListCycles).Methods(http.MethodGet)
	s.router.HandleFunc("/cycles/{id}", s.handleGetCycle).Methods(http.MethodGet)

	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, cfg.Metrics).Methods(http.MethodGet)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Control server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type statusResponse struct {
	State    engine.CycleState `json:"state"`
	Busy     bool              `json:"busy"`
	Interval string            `json:"interval"`
}

type triggerResponse struct {
	Accepted bool              `json:"accepted"`
	State    engine.CycleState `json:"state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.history != nil {
		if err := s.history.HealthCheck(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		State:    s.loop.State(),
		Busy:     s.loop.Busy(),
		Interval: s.loop.Interval().String(),
	})
}

// handleReconcile requests an on-demand cycle. A trigger that arrives while a
// cycle runs, or while one is already queued, is coalesced.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	accepted := s.loop.Trigger(engine.TriggerOnDemand)
	s.logger.Info().Bool("accepted", accepted).Str("remote", r.RemoteAddr).Msg("On-demand reconcile requested")

	status := http.StatusAccepted
	if !accepted {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, triggerResponse{Accepted: accepted, State: s.loop.State()})
}

func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, errors.New("no history store configured"))
		return
	}

	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	cycles, err := s.history.ListCycles(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cycles)
}

func (s *Server) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, errors.New("no history store configured"))
		return
	}

	report, err := s.history.GetCycleReport(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, stores.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
