// Package server exposes the watcher's health, status and Prometheus
// metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HerbHall/memwatcher/internal/export"
	"github.com/HerbHall/memwatcher/internal/version"
	"github.com/HerbHall/memwatcher/internal/watcher"
)

// StatusProvider is the view of the agent the server reports on.
type StatusProvider interface {
	State() watcher.State
	Interval() time.Duration
	Iteration() uint64
	LastReport() (watcher.TickReport, bool)
}

// Server is the memwatcher HTTP endpoint.
type Server struct {
	httpServer *http.Server
	status     StatusProvider
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a Server listening on addr. Metrics are served from gatherer.
func New(addr string, status StatusProvider, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		status: status,
		logger: logger,
		mux:    mux,
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(logger),
		ErrorHandling: promhttp.ContinueOnError,
	}))
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		NotFound(w, "no route for "+r.URL.Path, r.URL.Path)
	})

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins serving HTTP requests. It returns nil after Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting HTTP server", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status    string            `json:"status"`
	State     string            `json:"state"`
	Iteration uint64            `json:"iteration"`
	Interval  string            `json:"interval"`
	Version   map[string]string `json:"version"`
}

// handleHealth reports the agent lifecycle state. A stopped agent is
// unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.status.State()
	if state == watcher.StateStopped {
		ServiceUnavailable(w, "watcher agent is stopped", r.URL.Path)
		return
	}
	s.writeJSON(w, healthResponse{
		Status:    "ok",
		State:     state.String(),
		Iteration: s.status.Iteration(),
		Interval:  s.status.Interval().String(),
		Version:   version.Map(),
	})
}

type metricValue struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type sampleResponse struct {
	Timestamp time.Time     `json:"timestamp"`
	Metrics   []metricValue `json:"metrics"`
}

type exportFailure struct {
	Sink  string `json:"sink"`
	Error string `json:"error"`
}

type statusResponse struct {
	State          string          `json:"state"`
	Iteration      uint64          `json:"iteration"`
	Started        time.Time       `json:"started"`
	DurationMillis float64         `json:"duration_ms"`
	OK             bool            `json:"ok"`
	Sample         *sampleResponse `json:"sample,omitempty"`
	SampleError    string          `json:"sample_error,omitempty"`
	ExportFailures []exportFailure `json:"export_failures,omitempty"`
}

// handleStatus returns the outcome of the most recent tick.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, ok := s.status.LastReport()
	if !ok {
		ServiceUnavailable(w, "no sample has been taken yet", r.URL.Path)
		return
	}

	resp := statusResponse{
		State:          s.status.State().String(),
		Iteration:      report.Iteration,
		Started:        report.Started.UTC(),
		DurationMillis: float64(report.Duration) / float64(time.Millisecond),
		OK:             report.OK(),
	}
	if report.Sample != nil {
		sr := &sampleResponse{
			Timestamp: report.Sample.Timestamp.UTC(),
			Metrics:   make([]metricValue, 0, len(report.Sample.Metrics)),
		}
		for _, m := range report.Sample.Metrics {
			sr.Metrics = append(sr.Metrics, metricValue{Name: m.Name, Value: m.Value})
		}
		resp.Sample = sr
	}
	if report.SampleErr != nil {
		resp.SampleError = report.SampleErr.Error()
	}
	for _, f := range export.Failures(report.ExportErr) {
		resp.ExportFailures = append(resp.ExportFailures, exportFailure{Sink: f.Sink, Error: f.Err.Error()})
	}
	s.writeJSON(w, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-MemWatcher-Version", version.Short())
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}
