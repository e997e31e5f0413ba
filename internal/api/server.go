// Package api exposes the outbox over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/email-outbox/internal/auth"
	"github.com/ignite/email-outbox/internal/config"
	"github.com/ignite/email-outbox/internal/outbox"
)

// Server wraps the HTTP server with its wired router.
type Server struct {
	config  config.ServerConfig
	handler *chi.Mux
	server  *http.Server
}

// NewServer builds the server around the outbox service and the credential
// store backing the auth middleware.
func NewServer(cfg config.ServerConfig, svc *outbox.Service, creds auth.CredentialStore) *Server {
	return &Server{
		config:  cfg,
		handler: SetupRoutes(NewHandlers(svc), creds),
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
