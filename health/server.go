// Package health serves the health, readiness, liveness and metrics endpoints of
// the scheduled pipeline.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/withobsrvr/coingecko-lake/logging"
)

// Stats is the run summary reported by /health.
type Stats struct {
	RunsTotal        int64
	RunsFailed       int64
	LastRunTime      time.Time
	LastRunOutcome   string
	LastRunDuration  time.Duration
	LastSuccessTime  time.Time
	NextScheduledRun time.Time
}

// StatsProvider supplies the current run statistics.
type StatsProvider interface {
	Stats() Stats
}

// Server manages the HTTP health and metrics endpoints
type Server struct {
	service   string
	provider  StatsProvider
	metrics   http.Handler
	details   map[string]any
	startTime time.Time
	logger    *logging.ComponentLogger
	srv       *http.Server
}

// NewServer creates a health server listening on port. details is echoed under
// "config" by /health.
func NewServer(service, port string, provider StatsProvider, metrics http.Handler, details map[string]any, logger *logging.ComponentLogger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		service:   service,
		provider:  provider,
		metrics:   metrics,
		details:   details,
		startTime: time.Now(),
		logger:    logger,
	}
	s.srv = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the endpoint routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	// Ready endpoint (for k8s readiness probes)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	// Live endpoint (for k8s liveness probes)
	r.HandleFunc("/live", s.handleLive).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("Health server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleHealth returns detailed health information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.provider.Stats()

	status := "healthy"
	if stats.RunsTotal > 0 && stats.LastRunOutcome == "failed" {
		status = "degraded"
	}

	health := map[string]any{
		"status":         status,
		"service":        s.service,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"stats": map[string]any{
			"runs_total":                stats.RunsTotal,
			"runs_failed":               stats.RunsFailed,
			"last_run_time":             formatTime(stats.LastRunTime),
			"last_run_outcome":          stats.LastRunOutcome,
			"last_run_duration_seconds": stats.LastRunDuration.Seconds(),
			"last_success_time":         formatTime(stats.LastSuccessTime),
			"next_scheduled_run":        formatTime(stats.NextScheduledRun),
		},
		"config": s.details,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// handleReady returns readiness status (for k8s)
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ready")
}

// handleLive returns liveness status (for k8s)
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "live")
}
