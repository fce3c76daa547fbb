// Package session holds the process-wide facts about who is logged in,
// persisted in a per-tab storage.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/habittribe/tribe/jwtutil"
	"github.com/habittribe/tribe/model"
	"github.com/habittribe/tribe/observable"
	"github.com/habittribe/tribe/storage"
)

// StorageKey namespaces every key the state writes.
const StorageKey = "HabitTribe.frontend.AppState"

const (
	usernameKey = StorageKey + "#userTitle"
	tokenKey    = StorageKey + "#jwt"
)

// Session is either anonymous (zero value) or authenticated.
type Session struct {
	Username string
	Token    string
}

// Authenticated reports whether the session carries a token.
func (s Session) Authenticated() bool {
	return s.Token != ""
}

// State is the application state container. Create one per session with
// New and pass it to whoever needs it.
type State struct {
	store    storage.Storage
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex
	loggedIn *observable.Property[bool]
	messages *observable.Stream[model.Toast]
}

// Option configures a State.
type Option func(*State)

// WithLogger sets the logger used for storage failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *State) { s.logger = l }
}

// WithClock overrides the wall clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// New creates a state backed by store. A token already present in store
// (a reloaded tab) starts the state as logged in.
func New(store storage.Storage, opts ...Option) *State {
	s := &State{
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
		messages: observable.NewStream[model.Toast](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.loggedIn = observable.NewProperty(s.Token() != "")
	return s
}

// Username returns the stored username, or "".
func (s *State) Username() string {
	v, _ := s.store.Get(usernameKey)
	return v
}

// SetUsername stores value; an empty value removes it.
func (s *State) SetUsername(value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(usernameKey, value)
}

// Token returns the stored bearer token, or "". It always reads the
// storage so a logout anywhere is seen by the next caller.
func (s *State) Token() string {
	v, _ := s.store.Get(tokenKey)
	return v
}

// SetToken stores value; an empty value removes it. The logged-in flag
// follows the token.
func (s *State) SetToken(value string) error {
	s.mu.Lock()
	err := s.put(tokenKey, value)
	deliver := s.loggedIn.Update(s.Token() != "")
	s.mu.Unlock()

	deliver()
	return err
}

// Current returns the session as one value.
func (s *State) Current() Session {
	return Session{Username: s.Username(), Token: s.Token()}
}

// Login records username and token together.
func (s *State) Login(username, token string) error {
	s.mu.Lock()
	err := s.put(usernameKey, username)
	if err == nil {
		err = s.put(tokenKey, token)
	}
	deliver := s.loggedIn.Update(s.Token() != "")
	s.mu.Unlock()

	deliver()
	return err
}

// Logout forgets username and token together.
func (s *State) Logout() error {
	return s.Login("", "")
}

// LoggedIn is true while a non-empty token is stored. Subscribers are
// notified synchronously, in subscription order, on every change.
func (s *State) LoggedIn() observable.ReadOnly[bool] {
	return s.loggedIn.ReadOnly()
}

// Messages is the outbound toast stream.
func (s *State) Messages() *observable.Stream[model.Toast] {
	return s.messages
}

// Roles returns the role claims of the current token.
func (s *State) Roles() []string {
	return jwtutil.Roles(s.Token())
}

// HasRole reports whether the current token grants role.
func (s *State) HasRole(role string) bool {
	return jwtutil.HasRole(s.Token(), role)
}

// IsAdmin reports whether the current token grants the Admin role.
func (s *State) IsAdmin() bool {
	return jwtutil.IsAdmin(s.Token())
}

// IsTokenExpired is true without a token, with an undecodable token, or
// when the token expiry is at or before now.
func (s *State) IsTokenExpired() bool {
	token := s.Token()
	if token == "" {
		return true
	}
	return jwtutil.IsExpired(token, s.now())
}

func (s *State) put(key, value string) error {
	var err error
	if value == "" {
		err = s.store.Remove(key)
	} else {
		err = s.store.Set(key, value)
	}
	if err != nil {
		s.logger.Error("session storage write failed", "key", key, "err", err)
	}
	return err
}
