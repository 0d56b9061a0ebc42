package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dialogue/internal/eventstore"
	"github.com/loqalabs/loqa-dialogue/internal/session"
)

const defaultListLimit = 100

// Sessions is the session manager as seen by the API.
type Sessions interface {
	Open(ctx context.Context, id string) (*session.Session, error)
	Snapshot(ctx context.Context, id string) (session.Update, error)
	Click(ctx context.Context, id string) error
	CloseSession(ctx context.Context, id string) error
	Watch(id string, fn func(session.Update)) (func(), error)
}

// History reads the session journal.
type History interface {
	ListTransitions(ctx context.Context, sessionID string, limit int) ([]eventstore.Transition, error)
	ListAppointments(ctx context.Context, sessionID string, limit int) ([]eventstore.Appointment, error)
}

type Options struct {
	// Ready reports readiness for /readyz. Nil means always ready.
	Ready   func() bool
	// Metrics is served at /metrics when set.
	Metrics http.Handler
}

type Server struct {
	sessions Sessions
	history  History
	opts     Options
	log      *slog.Logger
}

func New(sessions Sessions, history History, opts Options, logger *slog.Logger) *Server {
	return &Server{
		sessions: sessions,
		history:  history,
		opts:     opts,
		log:      logger.With(slog.String("component", "api")),
	}
}

// Handler returns the routes of the control surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	mux.HandleFunc("POST /sessions", s.handleCreate)
	mux.HandleFunc("PUT /sessions/{id}", s.handleOpen)
	mux.HandleFunc("GET /sessions/{id}", s.handleGet)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDelete)
	mux.HandleFunc("POST /sessions/{id}/click", s.handleClick)
	mux.HandleFunc("GET /sessions/{id}/transitions", s.handleTransitions)
	mux.HandleFunc("GET /sessions/{id}/appointments", s.handleAppointments)
	mux.HandleFunc("GET /sessions/{id}/ws", s.handleWebSocket)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ready == nil || s.opts.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.open(w, r, uuid.NewString(), http.StatusCreated)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	s.open(w, r, r.PathValue("id"), http.StatusOK)
}

func (s *Server) open(w http.ResponseWriter, r *http.Request, id string, status int) {
	sess, err := s.sessions.Open(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, status, sess.Current())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	update, err := s.sessions.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.CloseSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Click(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []eventstore.Transition{})
		return
	}
	items, err := s.history.ListTransitions(r.Context(), r.PathValue("id"), limitParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []eventstore.Transition{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleAppointments(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []eventstore.Appointment{})
		return
	}
	items, err := s.history.ListAppointments(r.Context(), r.PathValue("id"), limitParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []eventstore.Appointment{}
	}
	writeJSON(w, http.StatusOK, items)
}

func limitParam(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return n
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	default:
		s.log.Error("request failed", slogError(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
