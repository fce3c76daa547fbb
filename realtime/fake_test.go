package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type identity struct {
	mu       sync.Mutex
	token    string
	username string
}

func newIdentity(token, username string) *identity {
	return &identity{token: token, username: username}
}

func (i *identity) Token() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.token
}

func (i *identity) Username() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.username
}

func (i *identity) setToken(v string) {
	i.mu.Lock()
	i.token = v
	i.mu.Unlock()
}

type invocation struct {
	Target string
	Group  int64
}

type fakeConn struct {
	mu     sync.Mutex
	calls  []invocation
	fail   func(target string, group int64) error
	done   chan struct{}
	once   sync.Once
	err    error
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) Invoke(ctx context.Context, target string, args ...any) error {
	group, _ := args[0].(int64)
	c.mu.Lock()
	c.calls = append(c.calls, invocation{target, group})
	fail := c.fail
	c.mu.Unlock()
	if fail != nil {
		return fail(target, group)
	}
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

// drop simulates the server going away.
func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

func (c *fakeConn) invocations() []invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]invocation(nil), c.calls...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu      sync.Mutex
	errs    []error // consumed one per dial; success once empty
	conns   []*fakeConn
	tokens  []string
	handler Handler
	prepare func(*fakeConn)

	entered chan struct{} // signalled on each dial when non-nil
	gate    chan struct{} // dial waits on it when non-nil
}

func (d *fakeDialer) Dial(ctx context.Context, token string, h Handler) (Conn, error) {
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.gate != nil {
		<-d.gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	d.handler = h
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	conn := newFakeConn()
	if d.prepare != nil {
		d.prepare(conn)
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// push simulates the hub invoking a client method.
func (d *fakeDialer) push(t *testing.T, target string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	h(target, []json.RawMessage{raw})
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// fire runs the callback the way a timer that already expired would,
// whether or not it was stopped.
func (t *fakeTimer) fire() { t.fn() }

type fakeClock struct {
	scheduled chan *fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{scheduled: make(chan *fakeTimer, 16)}
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{delay: d, fn: f}
	c.scheduled <- t
	return t
}

func (c *fakeClock) next(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case timer := <-c.scheduled:
		return timer
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect scheduled")
		return nil
	}
}

func (c *fakeClock) none(t *testing.T) {
	t.Helper()
	select {
	case timer := <-c.scheduled:
		t.Fatalf("unexpected reconnect scheduled after %v", timer.delay)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
