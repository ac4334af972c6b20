// Package admin exposes the gateway's health, readiness and metrics
// surface over HTTP, independent of the CoAP message plane.
package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadyChecker reports whether a component is ready to serve traffic.
type ReadyChecker interface {
	Ready(ctx context.Context) error
}

// SchedulerStatus reports whether the cooperative scheduler's event loop
// is running.
type SchedulerStatus interface {
	Running() bool
}

type Server struct {
	srv       *http.Server
	scheduler SchedulerStatus
	storage   ReadyChecker
	logger    *zap.Logger
}

func NewServer(addr string, scheduler SchedulerStatus, storage ReadyChecker, logger *zap.Logger) *Server {
	s := &Server{
		scheduler: scheduler,
		storage:   storage,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("admin HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.scheduler != nil && s.scheduler.Running() {
		checks["scheduler"] = "ok"
	} else {
		checks["scheduler"] = "not_running"
		allOK = false
	}

	if s.storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.storage.Ready(ctx); err != nil {
			checks["storage"] = "error"
			allOK = false
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["storage"] = "error"
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
