// Package realtime keeps a live push connection to the notification hub
// for the logged-in user, re-subscribes to their groups and fans typed
// notifications out to registered handlers.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/habittribe/tribe/model"
	"github.com/habittribe/tribe/observable"
)

// State of the push connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Identity is the session the client connects for. Token is read on every
// connect attempt; an empty token means nobody is logged in.
type Identity interface {
	Token() string
	Username() string
}

// GroupSource lists the groups a user is a member of.
type GroupSource interface {
	MemberGroupIDs(ctx context.Context, username string) ([]int64, error)
}

// GroupSourceFunc adapts a function to GroupSource.
type GroupSourceFunc func(ctx context.Context, username string) ([]int64, error)

func (f GroupSourceFunc) MemberGroupIDs(ctx context.Context, username string) ([]int64, error) {
	return f(ctx, username)
}

// Timer is a pending reconnect.
type Timer interface {
	Stop() bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithGroupSource sets where member groups are fetched from after connect.
func WithGroupSource(g GroupSource) Option {
	return func(c *Client) { c.groups = g }
}

// WithReconnect sets the retry budget and the backoff bounds.
func WithReconnect(maxAttempts int, base, max time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.baseDelay = base
		c.maxDelay = max
	}
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

func withAfterFunc(f func(time.Duration, func()) Timer) Option {
	return func(c *Client) { c.afterFunc = f }
}

// Client maintains at most one hub connection.
type Client struct {
	dialer   Dialer
	identity Identity
	groups   GroupSource
	logger   *slog.Logger

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	dialTimeout time.Duration
	afterFunc   func(time.Duration, func()) Timer

	mu       sync.Mutex
	state    State
	conn     Conn
	gen      uint64 // bumped per connection attempt; stale results are dropped
	epoch    uint64 // bumped by Stop
	attempts int
	timer    Timer
	joined   map[int64]struct{}
	joining  map[int64]bool // in flight; false once left meanwhile

	states      observable.Listeners[State]
	newPost     observable.Listeners[model.PostNotification]
	postDeleted observable.Listeners[model.PostDeletedNotification]
	postUpdated observable.Listeners[model.PostUpdatedNotification]
	newComment  observable.Listeners[model.CommentNotification]
}

// New creates a disconnected client.
func New(dialer Dialer, identity Identity, opts ...Option) *Client {
	c := &Client{
		dialer:      dialer,
		identity:    identity,
		logger:      slog.Default(),
		maxAttempts: 5,
		baseDelay:   time.Second,
		maxDelay:    30 * time.Second,
		dialTimeout: 15 * time.Second,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		joined:  make(map[int64]struct{}),
		joining: make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "realtime")
	return c
}

// Start connects if a token is present and no connection is up or being
// opened. Starting from Reconnecting cancels the pending retry and grants a
// fresh retry budget. The dial error, if any, is returned after the retry
// policy has been applied.
func (c *Client) Start(ctx context.Context) error {
	token := c.identity.Token()
	if token == "" {
		c.logger.Debug("not connecting, no user logged in")
		return nil
	}

	c.mu.Lock()
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		c.logger.Debug("start ignored", "state", c.State())
		return nil
	}
	// the user may have logged out since the first read
	if token = c.identity.Token(); token == "" {
		c.mu.Unlock()
		c.logger.Debug("not connecting, logged out meanwhile")
		return nil
	}
	c.stopTimerLocked()
	c.attempts = 0
	c.gen++
	gen := c.gen
	notify := c.setStateLocked(Connecting)
	c.mu.Unlock()
	notify()

	return c.connect(ctx, gen, token)
}

// Stop closes the connection, cancels any pending reconnect and forgets the
// joined groups. It is safe to call at any time.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.gen++
	c.epoch++
	conn := c.conn
	c.conn = nil
	clear(c.joined)
	clear(c.joining)
	c.attempts = 0
	notify := c.setStateLocked(Disconnected)
	c.mu.Unlock()
	notify()

	if conn != nil {
		conn.Close()
		c.logger.Info("disconnected")
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the state is Connected.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// JoinedGroups returns the recorded group IDs in ascending order. While
// disconnected this includes joins queued for the next connect.
func (c *Client) JoinedGroups() []int64 {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// JoinGroup subscribes to notifications for a group. Joining an already
// joined group is a no-op. While not connected the group is recorded and
// joined on the next successful connect.
func (c *Client) JoinGroup(ctx context.Context, id int64) error {
	for {
		c.mu.Lock()
		if _, ok := c.joined[id]; ok {
			c.mu.Unlock()
			return nil
		}
		if _, ok := c.joining[id]; ok {
			c.mu.Unlock()
			return nil
		}
		if c.state != Connected || c.conn == nil {
			c.joined[id] = struct{}{}
			c.mu.Unlock()
			c.logger.Debug("join queued until connected", "group", id)
			return nil
		}
		conn, gen, epoch := c.conn, c.gen, c.epoch
		c.joining[id] = true
		c.mu.Unlock()

		err := conn.Invoke(ctx, model.MethodJoinGroup, id)

		c.mu.Lock()
		wanted := c.joining[id]
		delete(c.joining, id)
		switch {
		case epoch != c.epoch:
			// stopped meanwhile
			c.mu.Unlock()
			return nil
		case gen != c.gen:
			// the connection was replaced; join again on the current one
			c.mu.Unlock()
			if !wanted {
				return nil
			}
			continue
		case err != nil:
			c.mu.Unlock()
			c.logger.Warn("join group failed", "group", id, "err", err)
			return fmt.Errorf("join group %d: %w", id, err)
		}
		if wanted {
			c.joined[id] = struct{}{}
		}
		c.mu.Unlock()
		c.logger.Debug("joined group", "group", id)
		return nil
	}
}

// LeaveGroup forgets a group, telling the hub when connected.
func (c *Client) LeaveGroup(ctx context.Context, id int64) error {
	c.mu.Lock()
	delete(c.joined, id)
	if _, ok := c.joining[id]; ok {
		c.joining[id] = false
	}
	conn := c.conn
	connected := c.state == Connected && conn != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	if err := conn.Invoke(ctx, model.MethodLeaveGroup, id); err != nil {
		c.logger.Warn("leave group failed", "group", id, "err", err)
		return fmt.Errorf("leave group %d: %w", id, err)
	}
	c.logger.Debug("left group", "group", id)
	return nil
}

// OnNewPost registers h for NewPost notifications.
func (c *Client) OnNewPost(h func(model.PostNotification)) (unsubscribe func()) {
	return c.newPost.Add(h)
}

// OnPostDeleted registers h for PostDeleted notifications.
func (c *Client) OnPostDeleted(h func(model.PostDeletedNotification)) (unsubscribe func()) {
	return c.postDeleted.Add(h)
}

// OnPostUpdated registers h for PostUpdated notifications.
func (c *Client) OnPostUpdated(h func(model.PostUpdatedNotification)) (unsubscribe func()) {
	return c.postUpdated.Add(h)
}

// OnNewComment registers h for NewComment notifications.
func (c *Client) OnNewComment(h func(model.CommentNotification)) (unsubscribe func()) {
	return c.newComment.Add(h)
}

// OnConnectionStateChange calls h right away with the current connected
// flag and then on every state transition.
func (c *Client) OnConnectionStateChange(h func(connected bool)) (unsubscribe func()) {
	return c.OnStateChange(func(s State) { h(s == Connected) })
}

// OnStateChange is OnConnectionStateChange with the full state.
func (c *Client) OnStateChange(h func(State)) (unsubscribe func()) {
	sub := &stateSubscriber{h: h}
	c.mu.Lock()
	current := c.state
	unsubscribe = c.states.Add(sub.deliver)
	c.mu.Unlock()
	sub.prime(current)
	return unsubscribe
}

// stateSubscriber holds transitions back until the subscriber has seen the
// state it subscribed in, so h never observes a value older than one it
// was already given.
type stateSubscriber struct {
	h       func(State)
	mu      sync.Mutex
	ready   bool
	pending []State
}

func (s *stateSubscriber) deliver(st State) {
	s.mu.Lock()
	if !s.ready {
		s.pending = append(s.pending, st)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.h(st)
}

func (s *stateSubscriber) prime(current State) {
	s.h(current)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.ready = true
			s.mu.Unlock()
			return
		}
		pending := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, st := range pending {
			s.h(st)
		}
	}
}

// setStateLocked records s and returns the notification to run once c.mu
// is released.
func (c *Client) setStateLocked(s State) (notify func()) {
	if c.state == s {
		return func() {}
	}
	c.logger.Debug("state", "from", c.state, "to", s)
	c.state = s
	return c.states.Queue(s)
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.baseDelay
	for i := 0; i < attempt && d < c.maxDelay; i++ {
		d *= 2
	}
	return min(d, c.maxDelay)
}

// retryLocked schedules the next attempt, or settles in Disconnected once
// the budget is spent or the user has logged out.
func (c *Client) retryLocked() (notify func()) {
	if c.attempts >= c.maxAttempts {
		c.logger.Warn("giving up reconnecting", "attempts", c.attempts)
		return c.setStateLocked(Disconnected)
	}
	if c.identity.Token() == "" {
		return c.setStateLocked(Disconnected)
	}
	delay := c.backoff(c.attempts)
	c.attempts++
	gen := c.gen
	c.logger.Info("reconnecting", "in", delay, "attempt", c.attempts)
	c.timer = c.afterFunc(delay, func() { c.reconnect(gen) })
	return c.setStateLocked(Reconnecting)
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != Reconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	token := c.identity.Token()
	if token == "" {
		notify := c.setStateLocked(Disconnected)
		c.mu.Unlock()
		notify()
		return
	}
	c.gen++
	next := c.gen
	notify := c.setStateLocked(Connecting)
	c.mu.Unlock()
	notify()

	_ = c.connect(context.Background(), next, token)
}

func (c *Client) connect(ctx context.Context, gen uint64, token string) error {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	conn, err := c.dialer.Dial(dctx, token, c.dispatch)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.logger.Debug("discarding superseded connection attempt")
		return nil
	}
	if err != nil {
		notify := c.retryLocked()
		c.mu.Unlock()
		notify()
		c.logger.Warn("connection failed", "err", err)
		return fmt.Errorf("realtime: connect: %w", err)
	}

	if c.identity.Token() == "" {
		c.stopTimerLocked()
		notify := c.setStateLocked(Disconnected)
		c.mu.Unlock()
		notify()
		conn.Close()
		c.logger.Debug("discarding connection, logged out meanwhile")
		return nil
	}

	c.conn = conn
	c.attempts = 0
	rejoin := make([]int64, 0, len(c.joined))
	for id := range c.joined {
		rejoin = append(rejoin, id)
	}
	clear(c.joined)
	notify := c.setStateLocked(Connected)
	c.mu.Unlock()
	notify()
	c.logger.Info("connected")

	go c.watch(conn, gen)

	sort.Slice(rejoin, func(i, j int) bool { return rejoin[i] < rejoin[j] })
	for _, id := range rejoin {
		// failures are logged by JoinGroup and leave the group out
		_ = c.JoinGroup(ctx, id)
	}
	c.joinMemberGroups(ctx)
	return nil
}

func (c *Client) joinMemberGroups(ctx context.Context) {
	if c.groups == nil {
		return
	}
	ids, err := c.groups.MemberGroupIDs(ctx, c.identity.Username())
	if err != nil {
		c.logger.Warn("fetching member groups failed", "err", err)
		return
	}
	for _, id := range ids {
		_ = c.JoinGroup(ctx, id)
	}
	c.logger.Info("joined member groups", "count", len(ids))
}

func (c *Client) watch(conn Conn, gen uint64) {
	<-conn.Done()

	c.mu.Lock()
	if gen != c.gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.logger.Warn("connection closed", "err", conn.Err())
	notify := c.retryLocked()
	c.mu.Unlock()
	notify()
}

func (c *Client) dispatch(target string, args []json.RawMessage) {
	switch target {
	case model.EventNewPost:
		deliver(c, &c.newPost, target, args)
	case model.EventPostDeleted:
		deliver(c, &c.postDeleted, target, args)
	case model.EventPostUpdated:
		deliver(c, &c.postUpdated, target, args)
	case model.EventNewComment:
		deliver(c, &c.newComment, target, args)
	default:
		c.logger.Debug("unhandled hub method", "target", target)
	}
}

func deliver[T any](c *Client, l *observable.Listeners[T], target string, args []json.RawMessage) {
	if len(args) == 0 {
		c.logger.Warn("notification without payload", "target", target)
		return
	}
	var v T
	if err := json.Unmarshal(args[0], &v); err != nil {
		c.logger.Warn("undecodable notification", "target", target, "err", err)
		return
	}
	c.logger.Debug("notification", "target", target)
	l.Emit(v)
}
