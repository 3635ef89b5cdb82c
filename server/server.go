// Package server wires the edge HTTP router: session routes, health
// and metrics. It performs no business logic; every session operation
// is delegated to the session manager.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentplane/agentplane/internal/callback"
	"github.com/agentplane/agentplane/internal/config"
	"github.com/agentplane/agentplane/internal/metrics"
	"github.com/agentplane/agentplane/internal/sandbox"
	"github.com/agentplane/agentplane/internal/scm"
	"github.com/agentplane/agentplane/internal/secrets"
	"github.com/agentplane/agentplane/internal/session"
)

// Server is the agentplane control plane server.
type Server struct {
	cfg     *config.Config
	manager *session.Manager
	httpSrv *http.Server
}

// New builds the server and its session manager from configuration.
func New(cfg *config.Config) (*Server, error) {
	deps := session.Deps{
		Config: cfg,
		Log:    slog.Default(),
		Cipher: secrets.PlaintextCipher{},
	}

	if cfg.GitHubToken != "" {
		deps.SCM = scm.NewGitHub(cfg.GitHubToken, cfg.GitHubAPIURL)
	}
	if cfg.SandboxProviderURL != "" {
		deps.Sandbox = sandbox.NewHTTPProvider(cfg.SandboxProviderURL, cfg.SandboxProviderToken)
	}
	deps.Callback = buildCallback(cfg)
	deps.GlobalSecrets = secrets.Static{}

	manager := session.NewManager(deps)

	s := &Server{cfg: cfg, manager: manager}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func buildCallback(cfg *config.Config) callback.Service {
	switch {
	case cfg.SlackBotToken != "":
		return callback.NewSlack(cfg.SlackBotToken)
	case cfg.CallbackWebhookURL != "":
		return callback.NewWebhook(cfg.CallbackWebhookURL)
	default:
		return callback.Nop{}
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.HTTPMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/sessions/{sessionID}", func(r chi.Router) {
		r.Mount("/", s.manager.Routes())
	})
	return r
}

// Manager exposes the session manager, mainly for tests.
func (s *Server) Manager() *session.Manager { return s.manager }

// Handler returns the full router.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Serve listens on the configured address until ctx is cancelled, then
// drains: HTTP shutdown first, then the session actors.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	slog.Info("agentplane listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace())
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown failed", "error", err)
	}
	s.manager.Shutdown(shutdownCtx)
	return nil
}
