package httpsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/config"
	"voicegate-server/pkg/errors"
	"voicegate-server/pkg/metrics"
)

// Health is the snapshot served at /health.
type Health struct {
	Status       string    `json:"status"`
	ActiveCalls  int       `json:"active_calls"`
	ControlPlane bool      `json:"control_plane"`
	Uptime       string    `json:"uptime"`
	StartedAt    time.Time `json:"started_at"`
}

// StatusProvider supplies the live pieces of the health snapshot.
type StatusProvider interface {
	ActiveCalls() int
	ControlPlaneUp() bool
}

// Server is the operational HTTP surface: liveness, readiness, health and
// Prometheus metrics.
type Server struct {
	logger   *logrus.Logger
	cfg      *config.HTTPConfig
	provider StatusProvider

	startedAt time.Time
	listener  net.Listener
	server    *http.Server
}

// NewServer creates the server.
func NewServer(logger *logrus.Logger, cfg *config.HTTPConfig, provider StatusProvider) *Server {
	return &Server{
		logger:    logger,
		cfg:       cfg,
		provider:  provider,
		startedAt: time.Now(),
	}
}

// Start binds and serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "failed to bind HTTP server",
			map[string]interface{}{"addr": addr})
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/health/live", s.livenessHandler)
	mux.HandleFunc("/health/ready", s.readinessHandler)
	if metrics.Enabled() {
		metrics.RegisterHandler(mux)
	}

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.WithField("addr", listener.Addr().String()).Info("HTTP server listening")
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
	return nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := Health{
		Status:    "ok",
		Uptime:    time.Since(s.startedAt).Truncate(time.Second).String(),
		StartedAt: s.startedAt,
	}
	if s.provider != nil {
		health.ActiveCalls = s.provider.ActiveCalls()
		health.ControlPlane = s.provider.ControlPlaneUp()
		if !health.ControlPlane {
			health.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if health.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}

func (s *Server) livenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("alive"))
}

func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if s.provider != nil && !s.provider.ControlPlaneUp() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("control plane down"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
