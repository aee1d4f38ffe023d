// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package debugserver exposes a read-only loopback HTTP endpoint for
// operational visibility: /healthz, /status, and /metrics. It mirrors
// component K of spec.md's ambient stack and never accepts mutating
// requests.
package debugserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SourceStatus is one source's row in the /status snapshot.
type SourceStatus struct {
	Name        string    `json:"name"`
	LastFetched time.Time `json:"last_fetched,omitempty"`
	NextRefresh time.Time `json:"next_refresh"`
	Failures    int       `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
}

// Status is the full JSON snapshot served at /status.
type Status struct {
	RunID        string         `json:"run_id"`
	Interface    string         `json:"interface"`
	LastCycleAt  time.Time      `json:"last_cycle_at,omitempty"`
	PeerCount    int            `json:"peer_count"`
	Sources      []SourceStatus `json:"sources"`
}

// Server is the debug HTTP server. It is safe for concurrent use:
// SetStatus may be called from the engine's reconciliation loop while
// handlers serve GET requests concurrently.
type Server struct {
	runID      string
	router     *chi.Mux
	httpServer *http.Server

	mu     sync.RWMutex
	status Status
}

// New builds a debug server bound to addr (normally a loopback
// address, e.g. "127.0.0.1:7472"), registering reg's metrics at
// /metrics.
func New(addr, ifname string, reg prometheus.Gatherer) *Server {
	s := &Server{
		runID:  uuid.NewString(),
		router: chi.NewRouter(),
		status: Status{Interface: ifname},
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(10 * time.Second))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/status", s.handleStatus)
	s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// RunID is the identifier stamped into every /status response for this
// process's lifetime, useful for correlating logs across a restart.
func (s *Server) RunID() string { return s.runID }

// SetStatus replaces the served snapshot; called once per
// reconciliation cycle by the engine.
func (s *Server) SetStatus(st Status) {
	st.RunID = s.runID
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// ListenAndServe blocks serving until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	st := s.status
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}
