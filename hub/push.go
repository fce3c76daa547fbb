package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/habittribe/tribe/model"
)

const (
	writeWait      = 10 * time.Second
	clientTimeout  = 30 * time.Second
	keepAlive      = 15 * time.Second
	maxMessageSize = 64 << 10
)

var errHubStopped = errors.New("push hub stopped")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // development server
	},
}

// peer is one connected client.
type peer struct {
	push    *Push
	id      string
	account *Account
	conn    *websocket.Conn
	send    chan []byte

	// guarded by push.mu
	groups map[int64]struct{}
}

type groupMessage struct {
	group  int64
	record []byte
}

// Push is the notification hub. Peers join groups and receive every
// notification published to them.
type Push struct {
	peers      map[*peer]struct{}
	groups     map[int64]map[*peer]struct{}
	register   chan *peer
	unregister chan *peer
	broadcast  chan groupMessage
	done       chan struct{}
	mu         sync.Mutex

	issuer *Issuer
	logger *slog.Logger
}

// NewPush creates a hub that authenticates peers with issuer.
func NewPush(issuer *Issuer, logger *slog.Logger) *Push {
	return &Push{
		peers:      make(map[*peer]struct{}),
		groups:     make(map[int64]map[*peer]struct{}),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		broadcast:  make(chan groupMessage),
		done:       make(chan struct{}),
		issuer:     issuer,
		logger:     logger.With("component", "push"),
	}
}

// Run serves registrations and broadcasts until ctx is done. A hub runs
// at most once.
func (p *Push) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case c := <-p.register:
			p.mu.Lock()
			p.peers[c] = struct{}{}
			p.mu.Unlock()
			p.logger.Info("peer connected", "conn", c.id, "user", c.account.Username)
		case c := <-p.unregister:
			p.mu.Lock()
			p.removeLocked(c)
			p.mu.Unlock()
		case m := <-p.broadcast:
			p.mu.Lock()
			for c := range p.groups[m.group] {
				select {
				case c.send <- m.record:
				default:
					// slow consumer
					p.removeLocked(c)
				}
			}
			p.mu.Unlock()
		case <-ctx.Done():
			p.mu.Lock()
			for c := range p.peers {
				p.removeLocked(c)
			}
			p.mu.Unlock()
			return
		}
	}
}

func (p *Push) removeLocked(c *peer) {
	if _, ok := p.peers[c]; !ok {
		return
	}
	for g := range c.groups {
		delete(p.groups[g], c)
		if len(p.groups[g]) == 0 {
			delete(p.groups, g)
		}
	}
	delete(p.peers, c)
	close(c.send)
	p.logger.Info("peer disconnected", "conn", c.id)
}

// Peers returns the number of connected peers.
func (p *Push) Peers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// Subscribers returns the number of peers in a group.
func (p *Push) Subscribers(group int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.groups[group])
}

// Publish sends target(payload) to every peer in group.
func (p *Push) Publish(ctx context.Context, group int64, target string, payload any) error {
	msg, err := model.NewInvocation("", target, payload)
	if err != nil {
		return err
	}
	rec, err := model.EncodeRecord(msg)
	if err != nil {
		return err
	}
	select {
	case p.broadcast <- groupMessage{group: group, record: rec}:
		return nil
	case <-p.done:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Push) join(c *peer, group int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.peers[c]; !ok {
		return
	}
	if p.groups[group] == nil {
		p.groups[group] = make(map[*peer]struct{})
	}
	p.groups[group][c] = struct{}{}
	c.groups[group] = struct{}{}
}

func (p *Push) leave(c *peer, group int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(c.groups, group)
	delete(p.groups[group], c)
	if len(p.groups[group]) == 0 {
		delete(p.groups, group)
	}
}

func (p *Push) authenticate(w http.ResponseWriter, r *http.Request) (*Account, bool) {
	token, err := bearer(r)
	if err == nil {
		var a *Account
		if a, err = p.issuer.Verify(token); err == nil {
			return a, true
		}
	}
	p.logger.Debug("push auth failed", "err", err)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return nil, false
}

// Negotiate answers POST {hub}/negotiate.
func (p *Push) Negotiate(w http.ResponseWriter, r *http.Request) {
	if _, ok := p.authenticate(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, model.NegotiateResponse{
		ConnectionID:     uuid.NewString(),
		ConnectionToken:  uuid.NewString(),
		NegotiateVersion: 1,
		AvailableTransports: []model.TransportInfo{
			{Transport: "WebSockets", TransferFormats: []string{"Text"}},
		},
	})
}

// ServeWS upgrades the request and runs the protocol handshake.
func (p *Push) ServeWS(w http.ResponseWriter, r *http.Request) {
	account, ok := p.authenticate(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("upgrade failed", "err", err)
		return
	}
	if err := handshake(conn); err != nil {
		p.logger.Warn("handshake failed", "err", err)
		conn.Close()
		return
	}

	c := &peer{
		push:    p,
		id:      r.URL.Query().Get("id"),
		account: account,
		conn:    conn,
		send:    make(chan []byte, 256),
		groups:  make(map[int64]struct{}),
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	select {
	case p.register <- c:
	case <-p.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func handshake(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(clientTimeout))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var req model.HandshakeRequest
	records := model.SplitRecords(frame)
	if len(records) > 0 {
		err = json.Unmarshal(records[0], &req)
	}

	resp := model.HandshakeResponse{}
	switch {
	case len(records) == 0 || err != nil:
		resp.Error = "invalid handshake request"
	case req.Protocol != model.HubProtocol || req.Version != 1:
		resp.Error = "requested protocol '" + req.Protocol + "' is not available"
	}
	rec, _ := model.EncodeRecord(resp)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if werr := conn.WriteMessage(websocket.TextMessage, rec); werr != nil {
		return werr
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

func (c *peer) readPump() {
	defer func() {
		select {
		case c.push.unregister <- c:
		case <-c.push.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(clientTimeout))
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.push.logger.Debug("read failed", "conn", c.id, "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(clientTimeout))

		for _, r := range model.SplitRecords(frame) {
			var msg model.HubMessage
			if err := json.Unmarshal(r, &msg); err != nil {
				c.push.logger.Debug("invalid record", "conn", c.id, "err", err)
				continue
			}
			switch msg.Type {
			case model.MessageInvocation:
				c.invoke(msg)
			case model.MessageClose:
				return
			}
		}
	}
}

func (c *peer) invoke(msg model.HubMessage) {
	completion := model.HubMessage{Type: model.MessageCompletion, InvocationID: msg.InvocationID}

	var group int64
	switch {
	case msg.Target != model.MethodJoinGroup && msg.Target != model.MethodLeaveGroup:
		completion.Error = "Unknown hub method '" + msg.Target + "'"
	case len(msg.Arguments) != 1 || json.Unmarshal(msg.Arguments[0], &group) != nil:
		completion.Error = "Invalid arguments for '" + msg.Target + "'"
	case msg.Target == model.MethodJoinGroup:
		c.push.join(c, group)
		c.push.logger.Debug("joined group", "conn", c.id, "group", group)
	default:
		c.push.leave(c, group)
		c.push.logger.Debug("left group", "conn", c.id, "group", group)
	}

	if msg.InvocationID == "" {
		return
	}
	rec, err := model.EncodeRecord(completion)
	if err != nil {
		return
	}
	c.push.mu.Lock()
	defer c.push.mu.Unlock()
	if _, ok := c.push.peers[c]; ok {
		select {
		case c.send <- rec:
		default:
		}
	}
}

func (c *peer) writePump() {
	ticker := time.NewTicker(keepAlive)
	ping, _ := model.EncodeRecord(model.HubMessage{Type: model.MessagePing})
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// the hub closed the channel
				rec, _ := model.EncodeRecord(model.HubMessage{Type: model.MessageClose})
				c.conn.WriteMessage(websocket.TextMessage, rec)
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}
