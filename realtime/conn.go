package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/habittribe/tribe/model"
)

const (
	writeWait       = 10 * time.Second
	keepAlive       = 15 * time.Second
	serverTimeout   = 30 * time.Second
	maxMessageSize  = 1 << 20
	sendBuffer      = 64
	dispatchBuffer  = 256
	protocolVersion = 1
)

// Handler receives server to client invocations. Calls for one connection
// are serialized and run outside the read loop, so a handler may invoke
// hub methods.
type Handler func(target string, args []json.RawMessage)

// Conn is an established hub connection.
type Conn interface {
	// Invoke calls a hub method and waits for its completion.
	Invoke(ctx context.Context, target string, args ...any) error
	// Done is closed once the connection has ended.
	Done() <-chan struct{}
	// Err is the reason the connection ended; nil after Close.
	Err() error
	Close() error
}

// Dialer opens hub connections authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string, h Handler) (Conn, error)
}

// WebSocketDialer speaks the JSON hub protocol over gorilla/websocket.
type WebSocketDialer struct {
	URL             string       // http(s) or ws(s) URL of the hub
	HTTPClient      *http.Client // used for negotiate; http.DefaultClient when nil
	SkipNegotiation bool
	KeepAlive       time.Duration
	ServerTimeout   time.Duration
	Logger          *slog.Logger

	websocket websocket.Dialer
}

// NewWebSocketDialer returns a dialer for the hub at hubURL.
func NewWebSocketDialer(hubURL string) *WebSocketDialer {
	return &WebSocketDialer{
		URL:           hubURL,
		KeepAlive:     keepAlive,
		ServerTimeout: serverTimeout,
		websocket: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

func (d *WebSocketDialer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Dial negotiates (unless skipped), opens the WebSocket and completes the
// protocol handshake.
func (d *WebSocketDialer) Dial(ctx context.Context, token string, h Handler) (Conn, error) {
	target := d.URL
	connToken := ""
	if !d.SkipNegotiation {
		neg, err := d.negotiate(ctx, target, token)
		if err != nil {
			return nil, &HandshakeError{Stage: "negotiate", URL: target, Err: err}
		}
		if neg.URL != "" {
			// redirect to another service, e.g. a managed signal hub
			target = neg.URL
			if neg.AccessToken != "" {
				token = neg.AccessToken
			}
		}
		connToken = neg.ConnectionToken
		if connToken == "" {
			connToken = neg.ConnectionID
		}
	}

	wsURL, err := websocketURL(target, connToken, token)
	if err != nil {
		return nil, &HandshakeError{Stage: "dial", URL: target, Err: err}
	}

	ws, resp, err := d.websocket.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, &HandshakeError{Stage: "dial", URL: redact(wsURL), Err: err}
	}

	leftover, err := handshake(ctx, ws)
	if err != nil {
		ws.Close()
		return nil, &HandshakeError{Stage: "handshake", URL: redact(wsURL), Err: err}
	}

	c := newWSConn(ws, h, d.logger(), d.KeepAlive, d.ServerTimeout)
	c.start(leftover)
	return c, nil
}

func (d *WebSocketDialer) negotiate(ctx context.Context, hub, token string) (*model.NegotiateResponse, error) {
	u, err := url.Parse(strings.TrimSuffix(hub, "/") + "/negotiate")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	q := u.Query()
	q.Set("negotiateVersion", strconv.Itoa(protocolVersion))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var neg model.NegotiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&neg); err != nil {
		return nil, fmt.Errorf("decode negotiate response: %w", err)
	}
	if neg.Error != "" {
		return nil, errors.New(neg.Error)
	}
	return &neg, nil
}

func websocketURL(raw, connToken, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	if connToken != "" {
		q.Set("id", connToken)
	}
	if token != "" {
		q.Set("access_token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redact drops the access token from a URL before it reaches logs or errors.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("access_token") {
		q.Set("access_token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// handshake sends the protocol request and reads the response. Records the
// server sent in the same frame after the response are returned.
func handshake(ctx context.Context, ws *websocket.Conn) ([][]byte, error) {
	deadline := time.Now().Add(serverTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	req, err := model.EncodeRecord(model.HandshakeRequest{Protocol: model.HubProtocol, Version: protocolVersion})
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, req); err != nil {
		return nil, err
	}

	ws.SetReadDeadline(deadline)
	_, frame, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	records := model.SplitRecords(frame)
	if len(records) == 0 {
		return nil, errors.New("empty handshake response")
	}
	var resp model.HandshakeResponse
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return nil, fmt.Errorf("decode handshake response: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	ws.SetWriteDeadline(time.Time{})
	return records[1:], nil
}

type completion struct {
	errMsg string
}

type wsConn struct {
	ws            *websocket.Conn
	handler       Handler
	logger        *slog.Logger
	keepAlive     time.Duration
	serverTimeout time.Duration

	send   chan []byte
	events chan model.HubMessage
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[string]chan completion

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newWSConn(ws *websocket.Conn, h Handler, logger *slog.Logger, keepAlive, timeout time.Duration) *wsConn {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &wsConn{
		ws:            ws,
		handler:       h,
		logger:        logger,
		keepAlive:     keepAlive,
		serverTimeout: timeout,
		send:          make(chan []byte, sendBuffer),
		events:        make(chan model.HubMessage, dispatchBuffer),
		pending:       make(map[string]chan completion),
		done:          make(chan struct{}),
	}
}

func (c *wsConn) start(leftover [][]byte) {
	go c.dispatchLoop()
	go c.writePump()
	for _, r := range leftover {
		c.handleRecord(r)
	}
	go c.readPump()
}

func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *wsConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *wsConn) Invoke(ctx context.Context, target string, args ...any) error {
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	msg, err := model.NewInvocation(id, target, args...)
	if err != nil {
		return err
	}
	rec, err := model.EncodeRecord(msg)
	if err != nil {
		return err
	}

	ch := make(chan completion, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case c.send <- rec:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case res := <-ch:
		if res.errMsg != "" {
			return &InvocationError{Target: target, Message: res.errMsg}
		}
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.ws.Close()
	})
}

func (c *wsConn) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.serverTimeout))
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Warn("hub connection lost", "err", err)
				}
				c.shutdown(err)
			}
			return
		}
		// any traffic counts as the server being alive
		c.ws.SetReadDeadline(time.Now().Add(c.serverTimeout))
		for _, r := range model.SplitRecords(frame) {
			if !c.handleRecord(r) {
				return
			}
		}
	}
}

// handleRecord processes one record and reports whether reading continues.
func (c *wsConn) handleRecord(r []byte) bool {
	var msg model.HubMessage
	if err := json.Unmarshal(r, &msg); err != nil {
		c.logger.Warn("invalid hub record", "err", err)
		return true
	}

	switch msg.Type {
	case model.MessageInvocation:
		select {
		case c.events <- msg:
		case <-c.done:
			return false
		}
	case model.MessageCompletion:
		c.mu.Lock()
		ch := c.pending[msg.InvocationID]
		c.mu.Unlock()
		if ch == nil {
			c.logger.Debug("completion for unknown invocation", "id", msg.InvocationID)
			return true
		}
		select {
		case ch <- completion{errMsg: msg.Error}:
		default:
		}
	case model.MessagePing:
	case model.MessageClose:
		var err error
		if msg.Error != "" {
			err = &CloseError{Message: msg.Error, AllowReconnect: msg.AllowReconnect}
		} else {
			err = io.EOF
		}
		c.shutdown(err)
		return false
	default:
		c.logger.Debug("ignoring hub record", "type", msg.Type)
	}
	return true
}

func (c *wsConn) dispatchLoop() {
	for {
		select {
		case msg := <-c.events:
			if c.handler != nil {
				c.handler(msg.Target, msg.Arguments)
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	ping, _ := model.EncodeRecord(model.HubMessage{Type: model.MessagePing})
	for {
		select {
		case rec := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				c.shutdown(err)
				return
			}
			w.Write(rec)
			// batch queued records into the same frame
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				c.shutdown(err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, ping); err != nil {
				c.shutdown(err)
				return
			}
		case <-c.done:
			return
		}
	}
}
