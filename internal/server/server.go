// Package server exposes the relay platform over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/txn2/inimatic-relay/pkg/platform"
)

// Version is set at build time.
var Version = "dev"

const (
	readHeaderTimeout = 10 * time.Second
	notFoundBody      = "Resource not found"
)

// Server serves the relay routes.
type Server struct {
	platform *platform.Platform
	logger   *slog.Logger
	http     *http.Server
}

// New creates a Server for an assembled platform.
func New(p *platform.Platform) *Server {
	s := &Server{
		platform: p,
		logger:   p.Logger(),
	}
	s.http = &http.Server{
		Addr:              p.Config().Server.Address(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// NewWithConfig loads the configuration file, builds the logger and the
// platform, and returns a Server for it. The returned closer releases the log
// output and must be called after the platform is stopped.
func NewWithConfig(path string) (*Server, func() error, error) {
	cfg, err := platform.LoadConfig(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return newFromConfig(cfg)
}

// NewWithDefaults builds a Server from the environment-derived defaults.
func NewWithDefaults() (*Server, func() error, error) {
	return newFromConfig(platform.DefaultConfig())
}

func newFromConfig(cfg *platform.Config) (*Server, func() error, error) {
	logger, logCloser, err := platform.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	slog.SetDefault(logger)

	p, err := platform.New(platform.WithConfig(cfg), platform.WithLogger(logger))
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, fmt.Errorf("creating platform: %w", err)
	}
	return New(p), logCloser.Close, nil
}

// Platform returns the served platform.
func (s *Server) Platform() *platform.Platform {
	return s.platform
}

// Handler returns the HTTP routes of the relay.
func (s *Server) Handler() http.Handler {
	p := s.platform
	mux := http.NewServeMux()

	mux.Handle("/ws", p.Socket())
	mux.Handle("GET /healthz", p.Health().LivenessHandler())
	mux.Handle("GET /readyz", p.Health().ReadinessHandler())

	if h := p.MetricsHandler(); h != nil {
		mux.Handle("GET "+p.Config().Metrics.Path, h)
	}
	if b := p.Bridge(); b != nil {
		mux.Handle("/adaos/", b)
		mux.Handle("/api/subnet/", b)
	}

	mux.HandleFunc("/", notFound)
	return corsMiddleware(mux)
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(notFoundBody))
}

// corsMiddleware allows browser clients on any origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-AdaOS-Token, X-AdaOS-Base")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run starts the platform and serves until ctx is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.platform.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("starting platform: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()
	s.logger.Info("relay listening", "address", ln.Addr().String(), "version", Version)

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	return errors.Join(serveErr, s.shutdown())
}

// shutdown stops accepting requests, then stops the platform. Hijacked
// WebSocket connections are closed by the platform's socket server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.platform.Config().Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down http server: %w", err))
	}
	if err := s.platform.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping platform: %w", err))
	}
	s.logger.Info("relay stopped")
	return errors.Join(errs...)
}
