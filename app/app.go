// Package app wires the session state, the REST client and the push client
// into one explicitly constructed context object.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/habittribe/tribe/backend"
	"github.com/habittribe/tribe/config"
	"github.com/habittribe/tribe/jwtutil"
	"github.com/habittribe/tribe/model"
	"github.com/habittribe/tribe/realtime"
	"github.com/habittribe/tribe/session"
	"github.com/habittribe/tribe/storage"
)

// MinPasswordLength is the shortest password Register accepts.
const MinPasswordLength = 6

var (
	ErrPasswordMismatch = errors.New("passwords do not match")
	ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
)

// Deps overrides collaborators New would otherwise build from the config.
type Deps struct {
	Storage   storage.Storage
	Dialer    realtime.Dialer
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// App is the composition root handed to front ends.
type App struct {
	Session  *session.State
	Backend  *backend.Client
	Realtime *realtime.Client

	cfg     *config.Config
	logger  *slog.Logger
	closers []func() error
	wg      sync.WaitGroup
}

// New builds the application for cfg.
func New(cfg *config.Config, deps Deps) (*App, error) {
	a := &App{cfg: cfg, logger: deps.Logger}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	store := deps.Storage
	if store == nil {
		var err error
		if store, err = a.openStorage(); err != nil {
			return nil, err
		}
	}
	a.Session = session.New(store, session.WithLogger(a.logger))

	backendOpts := []backend.Option{backend.WithLogger(a.logger)}
	if deps.Transport != nil {
		backendOpts = append(backendOpts, backend.WithTransport(deps.Transport))
	}
	api, err := backend.New(cfg.APIBase(), a.Session, backendOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Backend = api

	dialer := deps.Dialer
	if dialer == nil {
		ws := realtime.NewWebSocketDialer(cfg.Hub())
		ws.SkipNegotiation = cfg.Realtime.SkipNegotiation
		ws.Logger = a.logger
		if deps.Transport != nil {
			ws.HTTPClient = &http.Client{Transport: deps.Transport}
		}
		dialer = ws
	}
	a.Realtime = realtime.New(dialer, a.Session,
		realtime.WithGroupSource(api),
		realtime.WithReconnect(cfg.Realtime.MaxReconnectAttempts, cfg.Realtime.ReconnectBaseDelay, cfg.Realtime.ReconnectMaxDelay),
		realtime.WithDialTimeout(cfg.Realtime.DialTimeout),
		realtime.WithLogger(a.logger),
	)
	return a, nil
}

func (a *App) openStorage() (storage.Storage, error) {
	path := a.cfg.ProfilePath()
	if path == "" {
		return storage.NewMemory(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	db, err := storage.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	a.logger.Debug("session profile", "path", path)
	return db, nil
}

// Run keeps the push connection in step with the login state until ctx is
// done.
func (a *App) Run(ctx context.Context) error {
	stop := a.Watch(ctx)
	<-ctx.Done()
	stop()
	return nil
}

// Watch starts following the login state: logging in starts the push
// connection, logging out stops it. A session restored from storage starts
// it right away. The returned function stops following and disconnects.
func (a *App) Watch(ctx context.Context) (stop func()) {
	unsubscribe := a.Session.LoggedIn().Subscribe(func(loggedIn bool) {
		a.loginChanged(ctx, loggedIn)
	})
	if a.Session.LoggedIn().Get() {
		a.loginChanged(ctx, true)
	}
	return func() {
		unsubscribe()
		a.Realtime.Stop()
		a.wg.Wait()
	}
}

func (a *App) loginChanged(ctx context.Context, loggedIn bool) {
	if !loggedIn {
		a.Realtime.Stop()
		return
	}
	if ctx.Err() != nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Realtime.Start(ctx); err != nil {
			a.logger.Warn("push connection not established", "err", err)
		}
	}()
}

// Login authenticates against the backend and records the session. The
// username comes from the token's name claim, falling back to email.
func (a *App) Login(ctx context.Context, email, password string) error {
	token, err := a.Backend.Login(ctx, model.LoginRequest{Email: email, Password: password})
	if err != nil {
		a.Session.NotifyFailure(describe(err, "Login failed. Check your credentials."))
		return err
	}
	username := jwtutil.Username(token)
	if username == "" {
		username = email
	}
	if err := a.Session.Login(username, token); err != nil {
		return err
	}
	a.logger.Info("logged in", "user", username)
	a.Session.NotifySuccess("Logged in as " + username + ".")
	return nil
}

// Logout ends the backend session and forgets the local one. The local
// session is cleared even when the backend call fails; that error is
// still returned.
func (a *App) Logout(ctx context.Context) error {
	err := a.Backend.Logout(ctx)
	if err != nil {
		a.logger.Warn("backend logout failed", "err", err)
	}
	if clearErr := a.Session.Logout(); clearErr != nil {
		return errors.Join(err, clearErr)
	}
	a.logger.Info("logged out")
	return err
}

// RegisterForm is what a user enters to create an account.
type RegisterForm struct {
	Email           string
	Username        string
	Password        string
	ConfirmPassword string
}

// Register validates the form and creates the account.
func (a *App) Register(ctx context.Context, f RegisterForm) error {
	switch {
	case f.Password != f.ConfirmPassword:
		a.Session.NotifyFailure("Passwords do not match.")
		return ErrPasswordMismatch
	case len(f.Password) < MinPasswordLength:
		a.Session.NotifyFailure(fmt.Sprintf("Password must be at least %d characters long.", MinPasswordLength))
		return ErrPasswordTooShort
	}

	err := a.Backend.Register(ctx, model.RegisterRequest{Email: f.Email, Password: f.Password, Username: f.Username})
	if err != nil {
		a.Session.NotifyFailure(describe(err, "Registration failed."))
		return err
	}
	a.Session.NotifySuccess("Registration successful. Please log in.")
	return nil
}

// Close releases resources opened by New.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func describe(err error, fallback string) string {
	var se *backend.StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return fallback
}
