package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/luxapientia/alphacore/pkg/config"
	"github.com/luxapientia/alphacore/pkg/log"
	"github.com/luxapientia/alphacore/pkg/metrics"
	"github.com/luxapientia/alphacore/pkg/queue"
	"github.com/luxapientia/alphacore/pkg/store"
)

// TokenReadier reports whether the credential manager holds a live token
type TokenReadier interface {
	Ready() bool
}

// Server is the HTTP façade over the validation engine
type Server struct {
	cfg      *config.Config
	pool     *queue.Pool
	store    *store.Store
	tokens   TokenReadier
	limiter  *rate.Limiter
	validate *validator.Validate
	logger   zerolog.Logger

	server *http.Server

	// version is reported by GET /version
	version string
}

// New creates the server and wires its routes
func New(cfg *config.Config, pool *queue.Pool, st *store.Store, tokens TokenReadier, version string) *Server {
	s := &Server{
		cfg:      cfg,
		pool:     pool,
		store:    st,
		tokens:   tokens,
		validate: validator.New(),
		logger:   log.WithComponent("service"),
		version:  version,
	}

	if cfg.Server.SubmitRatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Server.SubmitRatePerSec), cfg.Server.SubmitBurst)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /validate", s.wrap("/validate", s.handleSubmit))
	mux.HandleFunc("GET /validate/active", s.wrap("/validate/active", s.handleActive))
	mux.HandleFunc("GET /validate/{job_id}", s.wrap("/validate/{job_id}", s.handleGetJob))
	mux.HandleFunc("GET /validate/{job_id}/log", s.wrap("/validate/{job_id}/log", s.handleGetLog))
	mux.HandleFunc("GET /task/{task_id}", s.wrap("/task/{task_id}", s.handleGetTask))
	mux.HandleFunc("GET /health", s.wrap("/health", s.handleHealth))
	mux.HandleFunc("GET /version", s.wrap("/version", s.handleVersion))
	mux.Handle("GET /metrics", metrics.Handler())

	// Write timeout must outlive the longest blocking submit
	writeTimeout := time.Duration(cfg.Limits.MaxTimeoutS)*time.Second + time.Minute

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  2 * time.Minute,
	}
	return s
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops the listener and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// wrap adds request logging and metrics under a fixed route label
func (s *Server) wrap(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		h(rec, r)

		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", timer.Duration()).
			Msg("Request handled")
	}
}

// writeJSON writes a JSON response body
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
