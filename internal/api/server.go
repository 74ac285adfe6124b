package api

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/net/http2"

	"github.com/race-share/share/internal/applog"
	"github.com/race-share/share/internal/engine"
	"github.com/race-share/share/internal/metrics"
)

// Server wraps the HTTP server and mux for one SHARE node's read-only
// UserFrontend API and sim-mode control endpoints (SPEC_FULL.md §5),
// grounded on the teacher's api.Server shape (a plain *http.Server plus an
// exported Handler() for tests).
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires every route. simMode gates registration of /v1/sim/cut
// and /v1/sim/restore: a production deployment with sim-mode disabled
// carries no attack surface for them at all, matching the teacher's
// pattern of only registering a route group when its backing dependency is
// present (see the old cp != nil guard this is grounded on).
func NewServer(port int, adminToken string, eng *engine.UpdateEngine, m *metrics.Manager, apiMaxBodyBytes int64, simMode bool) *Server {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", RequestLoggingMiddleware(HandleHealthz()))

	authed := http.NewServeMux()
	authed.Handle("GET /v1/node", HandleNode(eng))
	authed.Handle("GET /v1/columns/{id}", HandleColumn(eng))
	authed.Handle("GET /v1/constraints", HandleConstraints(eng))
	authed.Handle("GET /v1/reachability", HandleReachability(eng))
	if m != nil {
		authed.Handle("GET /v1/metrics", HandleMetrics(m))
	}
	if simMode {
		authed.Handle("POST /v1/sim/cut", HandleSimCut(eng))
		authed.Handle("POST /v1/sim/restore", HandleSimRestore(eng))
	}

	limitedAuthed := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
	mux.Handle("/v1/", RequestLoggingMiddleware(AuthMiddleware(adminToken, limitedAuthed)))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	// Operators poll /v1/node and /v1/metrics frequently from a handful of
	// dashboards; enabling h2 lets those connections multiplex instead of
	// opening one TCP connection per poller.
	if err := http2.ConfigureServer(httpServer, &http2.Server{}); err != nil {
		applog.Infof(applog.TagAPI, "http2 not enabled: %v", err)
	}

	return &Server{
		mux:        mux,
		httpServer: httpServer,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
