package gate

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"crash-guardian/internal/eventlog"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// StatsFunc supplies the guardian statistics for /v1/stats.
type StatsFunc func(ctx context.Context) (any, error)

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Addr               string
	Token              string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	OverridesPerMinute int
}

// Server exposes the gate, the override path and the audit trail over HTTP.
type Server struct {
	router  *mux.Router
	server  *http.Server
	gate    *Gate
	events  eventlog.Log
	stats   StatsFunc
	metrics http.Handler
	token   string
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewServer builds the router. metrics and stats may be nil.
func NewServer(cfg ServerConfig, g *Gate, events eventlog.Log, stats StatsFunc, metrics http.Handler, logger zerolog.Logger) *Server {
	perMinute := cfg.OverridesPerMinute
	if perMinute <= 0 {
		perMinute = 6
	}
	s := &Server{
		router:  mux.NewRouter(),
		gate:    g,
		events:  events,
		stats:   stats,
		metrics: metrics,
		token:   cfg.Token,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		logger:  logger.With().Str("component", "gate_http").Logger(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/gate", s.handleGate).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	api.Handle("/override", s.authMiddleware(http.HandlerFunc(s.handleOverride))).Methods(http.MethodPost)
	api.Handle("/false-trigger", s.authMiddleware(http.HandlerFunc(s.handleFalseTrigger))).Methods(http.MethodPost)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("gate http listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()[:8]
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		// the gate is polled constantly; only privileged calls log at info
		ev := s.logger.Debug()
		if r.Method != http.MethodGet {
			ev = s.logger.Info()
		}
		id, _ := r.Context().Value(requestIDKey).(string)
		ev.Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			writeError(w, http.StatusForbidden, "privileged endpoints disabled: no override token configured")
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "override rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type gateResponse struct {
	Snapshot
	Allow bool `json:"allow"`
}

func (s *Server) handleGate(w http.ResponseWriter, _ *http.Request) {
	snap := s.gate.CurrentState()
	status := http.StatusOK
	if !snap.Status.Valid() {
		// clients that only look at the status code still fail closed
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, gateResponse{Snapshot: snap, Allow: snap.Allow()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.gate.CurrentState()
	if !snap.Status.Valid() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": snap.Error})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed override body: "+err.Error())
		return
	}
	ev, err := s.gate.ManualOverride(r.Context(), req.Target, req.Operator, req.Reason)
	if err != nil {
		s.writeWriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleFalseTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operator string `json:"operator_id"`
		Note     string `json:"note"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	ev, err := s.gate.MarkFalseTrigger(r.Context(), req.Operator, req.Note)
	if err != nil {
		s.writeWriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) writeWriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidOverride):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrReadOnly):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error().Err(err).Msg("privileged write failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 1000 {
		limit = 1000
	}
	events, err := s.events.List(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list events failed")
		writeError(w, http.StatusInternalServerError, "event log unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusNotFound, "stats not available on this node")
		return
	}
	stats, err := s.stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// responseWrapper captures HTTP status codes for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
