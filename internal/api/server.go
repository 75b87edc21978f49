// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"integritywatch/internal/logger"
	"integritywatch/internal/store"
	"integritywatch/pkg/models"
)

const (
	maxBodyBytes          = 1 << 20
	defaultUserEventLimit = 1000
)

// Engine is the part of the core the HTTP surface drives.
type Engine interface {
	CreateSession(ctx context.Context, req models.NewSessionRequest) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	CloseSession(ctx context.Context, id string, status models.SessionStatus, reason string) (*models.Session, error)
	ActiveSessionsForUser(ctx context.Context, userID string) ([]*models.Session, error)
	Ingest(ctx context.Context, raw models.RawEvent) (models.IngestResult, error)
	IngestBatch(ctx context.Context, raws []models.RawEvent) ([]models.IngestResult, error)
	SessionEvents(ctx context.Context, id string, filter store.EventFilter) ([]*models.Event, error)
	SessionFlags(ctx context.Context, id string) ([]*models.Flag, error)
	PendingFlags(ctx context.Context) ([]*models.Flag, error)
	DecideFlag(ctx context.Context, flagID string, d models.Decision) (*models.Flag, error)
	RaiseFlag(ctx context.Context, req models.RaiseFlagRequest) (*models.Flag, bool, error)
	UserEvents(ctx context.Context, userID string, filter store.EventFilter) ([]*models.Event, error)
}

// Analyzer builds read-side reports.
type Analyzer interface {
	Analyze(ctx context.Context, sessionID string) (*models.AnalysisReport, error)
	CohortOverview(ctx context.Context, cohortID string) (*models.CohortOverview, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server routes HTTP requests to the engine and analyzer.
type Server struct {
	r        *chi.Mux
	engine   Engine
	analyzer Analyzer
	health   Pinger
	limiter  *rate.Limiter
	metrics  http.Handler
	now      func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit puts ingestion routes behind a token bucket. A
// non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst <= 0 {
			burst = int(rps)
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithHealth sets the dependency checked by /healthz.
func WithHealth(p Pinger) Option {
	return func(s *Server) { s.health = p }
}

// WithMetricsHandler replaces the default Prometheus handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithClock overrides the time used for heuristic-derived events.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer builds the router.
func NewServer(engine Engine, analyzer Analyzer, opts ...Option) *Server {
	s := &Server{
		r:        chi.NewRouter(),
		engine:   engine,
		analyzer: analyzer,
		metrics:  promhttp.Handler(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.Recoverer)
	s.r.Use(requestLogger)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", s.healthz)
	s.r.Handle("/metrics", s.metrics)

	s.r.Route("/v1", func(r chi.Router) {
		r.Post("/sessions", s.createSession)
		r.Get("/sessions/{id}", s.getSession)
		r.Post("/sessions/{id}/close", s.closeSession)
		r.Get("/sessions/{id}/events", s.listEvents)
		r.Get("/sessions/{id}/flags", s.listFlags)
		r.Get("/sessions/{id}/analysis", s.analyze)
		r.Get("/users/{user}/sessions", s.userSessions)
		r.Get("/users/{user}/events", s.userEvents)
		r.Get("/cohorts/{id}/overview", s.cohortOverview)
		r.Post("/flags", s.raiseFlag)
		r.Get("/flags/pending", s.pendingFlags)
		r.Put("/flags/{id}/decision", s.decideFlag)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/events", s.ingest)
			r.Post("/events/batch", s.ingestBatch)
			r.Post("/analyze/gaze", s.analyzeGaze)
			r.Post("/analyze/mouse-drift", s.analyzeMouseDrift)
		})
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.r }

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req models.NewSessionRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.engine.CreateSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type closeRequest struct {
	Status models.SessionStatus `json:"status"`
	Reason string               `json:"reason"`
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	req := closeRequest{Status: models.SessionCompleted}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if req.Status == "" {
		req.Status = models.SessionCompleted
	}
	sess, err := s.engine.CloseSession(r.Context(), chi.URLParam(r, "id"), req.Status, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) userSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.ActiveSessionsForUser(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": nonNil(sessions)})
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var raw models.RawEvent
	if !decode(w, r, &raw) {
		return
	}
	res, err := s.engine.Ingest(r.Context(), raw)
	if err != nil && res.EventID == "" {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if res.Lost {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

type batchRequest struct {
	Events []models.RawEvent `json:"events"`
}

func (s *Server) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}
	results, err := s.engine.IngestBatch(r.Context(), req.Events)
	if err != nil {
		writeError(w, err)
		return
	}
	accepted := 0
	for _, res := range results {
		if res.Accepted && !res.Lost {
			accepted++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": accepted,
		"rejected": len(results) - accepted,
		"results":  results,
	})
}

// eventFilter reads the kind, flagged and limit query parameters.
func eventFilter(r *http.Request) (store.EventFilter, error) {
	q := r.URL.Query()
	var filter store.EventFilter
	if kind := q.Get("kind"); kind != "" {
		filter.Kind = models.EventKind(kind)
		if !filter.Kind.Valid() {
			return filter, &models.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", kind)}
		}
	}
	if v := q.Get("flagged"); v != "" {
		flagged, err := strconv.ParseBool(v)
		if err != nil {
			return filter, &models.ValidationError{Field: "flagged", Reason: "must be a boolean"}
		}
		filter.Flagged = &flagged
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return filter, &models.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := s.engine.SessionEvents(r.Context(), chi.URLParam(r, "id"), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

// userEvents lists a user's events across sessions, newest first. Without
// an explicit limit the newest 1000 are returned.
func (s *Server) userEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if filter.Limit == 0 {
		filter.Limit = defaultUserEventLimit
	}
	events, err := s.engine.UserEvents(r.Context(), chi.URLParam(r, "user"), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

func (s *Server) listFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.engine.SessionFlags(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flags": nonNil(flags)})
}

func (s *Server) pendingFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.engine.PendingFlags(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flags": nonNil(flags)})
}

func (s *Server) raiseFlag(w http.ResponseWriter, r *http.Request) {
	var req models.RaiseFlagRequest
	if !decode(w, r, &req) {
		return
	}
	f, created, err := s.engine.RaiseFlag(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, f)
}

type decisionRequest struct {
	Decision models.Decision `json:"decision"`
}

func (s *Server) decideFlag(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	f, err := s.engine.DecideFlag(r.Context(), chi.URLParam(r, "id"), req.Decision)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	report, err := s.analyzer.Analyze(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) cohortOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := s.analyzer.CohortOverview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debugf("%s %s -> %d (%s) request_id=%s",
			r.Method, r.URL.Path, ww.Status(), time.Since(started), middleware.GetReqID(r.Context()))
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, &models.ValidationError{Field: "body", Reason: err.Error()})
		return false
	}
	return true
}

// statusFor maps core errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrSessionClosed), errors.Is(err, models.ErrAlreadyDecided):
		return http.StatusConflict
	case errors.Is(err, models.ErrBatchTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("Failed to write response: %v", err)
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
