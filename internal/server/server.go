// Package server is the optional status HTTP server for a run.
//
// It is off by default and enabled with --status-addr. It only reads
// scheduler counters; it never influences scheduling.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/nixhive/evaljobs/internal/errors"
	"github.com/nixhive/evaljobs/internal/server/handlers"
	"github.com/nixhive/evaljobs/internal/server/middleware"
)

// Server serves health, status, and version over HTTP.
type Server struct {
	host    string
	port    int
	router  chi.Router
	httpSrv *http.Server
}

// New builds a server. Handlers for /status are attached with WithStats;
// until then the endpoint 404s.
func New(host string, port int) *Server {
	s := &Server{host: host, port: port}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)

	notFound := func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteHTTPError(w, http.StatusNotFound, apperrors.CodeNotFound,
			"no such endpoint", middleware.GetRequestID(req.Context()), nil)
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		// A router with no routes yet answers without running its
		// middleware stack, so the request id is assigned here.
		if middleware.GetRequestID(req.Context()) == "" {
			middleware.RequestID(http.HandlerFunc(notFound)).ServeHTTP(w, req)
			return
		}
		notFound(w, req)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteHTTPError(w, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed,
			"method not allowed", middleware.GetRequestID(req.Context()), nil)
	})

	s.router = r
	return s
}

// WithHealth mounts the liveness endpoint.
func (s *Server) WithHealth(m *handlers.HealthManager) *Server {
	s.router.Get("/healthz", m.HealthHandler)
	return s
}

// WithStats mounts the scheduler snapshot endpoint.
func (s *Server) WithStats(src handlers.StatsSource) *Server {
	s.router.Get("/status", handlers.StatusHandler(src))
	return s
}

// WithVersion mounts the version endpoint.
func (s *Server) WithVersion(version string) *Server {
	s.router.Get("/version", handlers.VersionHandler(version))
	return s
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return net.JoinHostPort(s.host, fmt.Sprint(s.port)) }

// Start begins serving in the background. Shutdown stops it.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("status server listen: %w", err)
	}
	go func() { _ = s.httpSrv.Serve(ln) }()
	return nil
}

// Shutdown stops the server, waiting up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
