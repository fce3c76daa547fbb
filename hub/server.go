// Package hub is a development server for HabitTribe: the REST API the
// client talks to and the notification hub it subscribes to.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const shutdownTimeout = 5 * time.Second

// Server serves the API and the push hub from one listener.
type Server struct {
	cfg    *Config
	store  *Store
	issuer *Issuer
	push   *Push
	logger *slog.Logger
	router http.Handler
}

// NewServer wires a server from cfg and an open store.
func NewServer(cfg *Config, store *Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	issuer := NewIssuer(cfg.JWTSecret, cfg.Issuer, cfg.TokenTTL)
	s := &Server{
		cfg:    cfg,
		store:  store,
		issuer: issuer,
		push:   NewPush(issuer, logger),
		logger: logger,
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler. Notifications are only delivered
// while Serve runs.
func (s *Server) Handler() http.Handler { return s.router }

// Push returns the notification hub.
func (s *Server) Push() *Push { return s.push }

// Issuer returns the token issuer.
func (s *Server) Issuer() *Issuer { return s.issuer }

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.store.SeedTags(ctx, s.cfg.Tags); err != nil {
		ln.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.push.Run(ctx)

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("hub listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	err := srv.Shutdown(shutdownCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = srv.Close()
	}
	if serr := <-errc; serr != nil && !errors.Is(serr, http.ErrServerClosed) {
		return serr
	}
	return err
}
