// Package server exposes the inkwell job engine over HTTP: job triggering,
// status polling, single-item retry, and a WebSocket stream of live job
// updates.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/inkwell-works/inkwell/config"
	"github.com/inkwell-works/inkwell/job"
)

// Server is the inkwell HTTP server
type Server struct {
	cfg      *config.Config
	logger   *zap.SugaredLogger
	locks    *job.Locks
	pipeline *job.Pipeline

	httpServer *http.Server
	upgrader   websocket.Upgrader
	wg         sync.WaitGroup
}

// New creates a server over an already-wired pipeline
func New(cfg *config.Config, locks *job.Locks, pipeline *job.Pipeline, logger *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		locks:    locks,
		pipeline: pipeline,
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.HandleHealth)
	mux.HandleFunc("/api/jobs", s.HandleJobs)
	mux.HandleFunc("/api/jobs/stats", s.HandleJobStats)
	mux.HandleFunc("/api/jobs/latest", s.HandleLatestJob)
	mux.HandleFunc("/api/jobs/", s.HandleJob)
	mux.HandleFunc("/api/resources/", s.HandleResource)
	mux.HandleFunc("/ws/jobs", s.HandleJobStream)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	return s
}

// checkOrigin enforces the configured allowed origins for WebSocket
// upgrades; an empty list allows all (development default)
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.Server.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ListenAndServe starts the HTTP server and blocks until it stops
func (s *Server) ListenAndServe() error {
	s.logger.Infow("Server listening",
		"addr", s.httpServer.Addr,
	)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight handlers
// and stream writers to finish
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warnw("Shutdown timed out waiting for stream writers")
	}

	return err
}

// HandleHealth reports liveness, checking the job store is reachable
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if err := s.locks.Store().Ping(r.Context()); err != nil {
		handleError(w, s.logger, err, "health check failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
