package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/strandhub/strand/internal/config"
	"github.com/strandhub/strand/internal/manager"
	"github.com/strandhub/strand/internal/store"
)

// hubMaxBodyBytes caps incoming form submissions.
const hubMaxBodyBytes = 64 << 10

// Server wraps the HTTP server and mux for the hub.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the hub API server wired with all routes.
func NewServer(cfg *config.Config, s *store.Store, mgr *manager.Manager) *Server {
	mux := http.NewServeMux()

	mux.Handle("POST /{$}", RequestBodyLimitMiddleware(hubMaxBodyBytes, HandleHub(mgr)))
	mux.Handle("GET /{$}", HandleRoot(cfg))
	mux.Handle("GET /healthcheck", HandleHealthcheck(s))
	mux.Handle("GET /info", HandleInfo(s))

	admin := http.NewServeMux()
	admin.Handle("GET /admin/topics", HandleAdminTopics(s))
	admin.Handle("GET /admin/topics/{id}/history", HandleAdminTopicHistory(s))
	mux.Handle("/admin/", BasicAuthMiddleware(s, admin))

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
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
