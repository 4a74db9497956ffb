// Copyright 2025 Takhin Data, Inc.

// Package adminhttp is the thin operational HTTP surface every node
// exposes for operators: a partition listing and a readiness probe. It
// carries no request authentication or write endpoints — mutating cluster
// state goes through the configuration stream (pkg/discovery), not this
// surface.
package adminhttp

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/takhin-data/laser/pkg/logger"
	"github.com/takhin-data/laser/pkg/metrics"
)

// PartitionLister is satisfied by pkg/dbmanager.Manager.
type PartitionLister interface {
	Snapshots() []metrics.PartitionSnapshot
	Ready() bool
}

// Server is the admin HTTP API.
type Server struct {
	router *chi.Mux
	log    *logger.Logger
	source PartitionLister
	addr   string
	http   *http.Server
}

func NewServer(addr string, source PartitionLister) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    logger.Default().WithComponent("admin-http"),
		source: source,
		addr:   addr,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET"},
	}))

	s.router.Get("/partitions", s.handlePartitions)
	s.router.Get("/healthz", s.handleHealthz)

	return s
}

func (s *Server) handlePartitions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source.Snapshots()); err != nil {
		s.log.Warn("encode partitions response failed", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.source.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Start launches the HTTP listener in a background goroutine.
func (s *Server) Start() error {
	s.http = &http.Server{Addr: s.addr, Handler: s.router}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin http server stopped", "error", err)
		}
	}()
	s.log.Info("admin http server listening", "addr", ln.Addr().String())
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.http == nil {
		return nil
	}
	return s.http.Close()
}
