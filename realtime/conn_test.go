package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/habittribe/tribe/model"
)

// testHub is a minimal JSON hub protocol server.
type testHub struct {
	t             *testing.T
	handshakeResp string

	mu          sync.Mutex
	negotiated  bool
	handshake   model.HandshakeRequest
	invocations []model.HubMessage
	pings       int
}

func newTestHub(t *testing.T) (*testHub, *httptest.Server) {
	h := &testHub{t: t, handshakeResp: "{}"}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hubs/notifications/negotiate", h.negotiate)
	mux.HandleFunc("GET /hubs/notifications", h.serveWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return h, srv
}

func (h *testHub) negotiate(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer tok" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.URL.Query().Get("negotiateVersion") != "1" {
		http.Error(w, "bad version", http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.negotiated = true
	h.mu.Unlock()
	json.NewEncoder(w).Encode(model.NegotiateResponse{
		ConnectionID:     "c1",
		ConnectionToken:  "ct1",
		NegotiateVersion: 1,
		AvailableTransports: []model.TransportInfo{
			{Transport: "WebSockets", TransferFormats: []string{"Text"}},
		},
	})
}

func (h *testHub) serveWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("access_token") != "tok" || q.Get("id") != "ct1" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	_, frame, err := ws.ReadMessage()
	if err != nil {
		return
	}
	records := model.SplitRecords(frame)
	if len(records) != 1 {
		h.t.Errorf("handshake frame has %d records", len(records))
		return
	}
	h.mu.Lock()
	json.Unmarshal(records[0], &h.handshake)
	h.mu.Unlock()
	ws.WriteMessage(websocket.TextMessage, append([]byte(h.handshakeResp), model.RecordSeparator))

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		for _, rec := range model.SplitRecords(frame) {
			var msg model.HubMessage
			if err := json.Unmarshal(rec, &msg); err != nil {
				h.t.Errorf("bad record %q: %v", rec, err)
				continue
			}
			if msg.Type == model.MessagePing {
				h.mu.Lock()
				h.pings++
				h.mu.Unlock()
				continue
			}
			h.mu.Lock()
			h.invocations = append(h.invocations, msg)
			h.mu.Unlock()
			if !h.reply(ws, msg) {
				return
			}
		}
	}
}

func (h *testHub) reply(ws *websocket.Conn, msg model.HubMessage) bool {
	write := func(v any) {
		rec, _ := model.EncodeRecord(v)
		ws.WriteMessage(websocket.TextMessage, rec)
	}
	switch msg.Target {
	case "Kick":
		write(model.HubMessage{Type: model.MessageClose, Error: "kicked", AllowReconnect: true})
		return false
	case "Fail":
		write(model.HubMessage{Type: model.MessageCompletion, InvocationID: msg.InvocationID, Error: "nope"})
	case model.MethodJoinGroup:
		var group int64
		json.Unmarshal(msg.Arguments[0], &group)
		write(model.HubMessage{Type: model.MessageCompletion, InvocationID: msg.InvocationID})
		// ping and push in a single frame
		ping, _ := model.EncodeRecord(model.HubMessage{Type: model.MessagePing})
		push, _ := model.NewInvocation("", model.EventNewPost, model.PostNotification{PostID: 11, GroupID: group, PostTitle: "hello"})
		rec, _ := model.EncodeRecord(push)
		ws.WriteMessage(websocket.TextMessage, append(ping, rec...))
	default:
		write(model.HubMessage{Type: model.MessageCompletion, InvocationID: msg.InvocationID})
	}
	return true
}

func dialTest(t *testing.T, srv *httptest.Server, h Handler) Conn {
	t.Helper()
	d := NewWebSocketDialer(srv.URL + "/hubs/notifications")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, "tok", h)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketDialHandshake(t *testing.T) {
	hub, srv := newTestHub(t)
	dialTest(t, srv, nil)

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if !hub.negotiated {
		t.Errorf("negotiate not called")
	}
	if hub.handshake != (model.HandshakeRequest{Protocol: "json", Version: 1}) {
		t.Errorf("handshake = %+v", hub.handshake)
	}
}

func TestWebSocketInvokeAndPush(t *testing.T) {
	hub, srv := newTestHub(t)
	pushed := make(chan model.PostNotification, 1)
	conn := dialTest(t, srv, func(target string, args []json.RawMessage) {
		if target != model.EventNewPost {
			t.Errorf("target = %q", target)
			return
		}
		var n model.PostNotification
		json.Unmarshal(args[0], &n)
		pushed <- n
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Invoke(ctx, model.MethodJoinGroup, int64(42)); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	select {
	case n := <-pushed:
		if n.GroupID != 42 || n.PostTitle != "hello" {
			t.Errorf("pushed = %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no push received")
	}

	err := conn.Invoke(ctx, "Fail")
	var ie *InvocationError
	if !errors.As(err, &ie) || ie.Message != "nope" || ie.Target != "Fail" {
		t.Errorf("Invoke(Fail) = %v", err)
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.invocations) != 2 || hub.invocations[0].InvocationID == "" {
		t.Errorf("invocations = %+v", hub.invocations)
	}
	if string(hub.invocations[0].Arguments[0]) != "42" {
		t.Errorf("join argument = %s", hub.invocations[0].Arguments[0])
	}
}

func TestWebSocketServerClose(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dialTest(t, srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Invoke(ctx, "Kick"); !errors.Is(err, ErrClosed) {
		t.Errorf("Invoke(Kick) = %v, want ErrClosed", err)
	}
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not done after close message")
	}
	var ce *CloseError
	if !errors.As(conn.Err(), &ce) || ce.Message != "kicked" || !ce.AllowReconnect {
		t.Errorf("Err() = %v", conn.Err())
	}
	if err := conn.Invoke(ctx, "Ping"); !errors.Is(err, ErrClosed) {
		t.Errorf("Invoke after close = %v, want ErrClosed", err)
	}
}

func TestWebSocketKeepAlive(t *testing.T) {
	hub, srv := newTestHub(t)
	d := NewWebSocketDialer(srv.URL + "/hubs/notifications")
	d.KeepAlive = 20 * time.Millisecond
	conn, err := d.Dial(context.Background(), "tok", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	waitFor(t, "keep-alive pings", func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return hub.pings >= 2
	})
}

func TestWebSocketDialErrors(t *testing.T) {
	t.Run("negotiate", func(t *testing.T) {
		_, srv := newTestHub(t)
		d := NewWebSocketDialer(srv.URL + "/hubs/notifications")
		_, err := d.Dial(context.Background(), "wrong", nil)
		var he *HandshakeError
		if !errors.As(err, &he) || he.Stage != "negotiate" {
			t.Fatalf("Dial = %v, want negotiate HandshakeError", err)
		}
	})
	t.Run("handshake", func(t *testing.T) {
		hub, srv := newTestHub(t)
		hub.handshakeResp = `{"error":"protocol not supported"}`
		d := NewWebSocketDialer(srv.URL + "/hubs/notifications")
		_, err := d.Dial(context.Background(), "tok", nil)
		var he *HandshakeError
		if !errors.As(err, &he) || he.Stage != "handshake" {
			t.Fatalf("Dial = %v, want handshake HandshakeError", err)
		}
		if !strings.Contains(err.Error(), "protocol not supported") {
			t.Errorf("error %q lacks server reason", err)
		}
		if strings.Contains(err.Error(), "tok&") || strings.Contains(err.Error(), "access_token=tok") {
			t.Errorf("error leaks the token: %q", err)
		}
	})
	t.Run("skip negotiation", func(t *testing.T) {
		_, srv := newTestHub(t)
		d := NewWebSocketDialer(srv.URL + "/hubs/notifications")
		d.SkipNegotiation = true
		// the test hub insists on the negotiated connection token
		_, err := d.Dial(context.Background(), "tok", nil)
		var he *HandshakeError
		if !errors.As(err, &he) || he.Stage != "dial" {
			t.Fatalf("Dial = %v, want dial HandshakeError", err)
		}
	})
}

func TestClientOverWebSocket(t *testing.T) {
	hub, srv := newTestHub(t)
	d := NewWebSocketDialer(srv.URL + "/hubs/notifications")
	c := New(d, newIdentity("tok", "ona"))
	defer c.Stop()

	posts := make(chan model.PostNotification, 1)
	c.OnNewPost(func(n model.PostNotification) { posts <- n })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.JoinGroup(ctx, 8); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case n := <-posts:
		if n.GroupID != 8 {
			t.Errorf("post for group %d", n.GroupID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}

	hub.mu.Lock()
	n := len(hub.invocations)
	hub.mu.Unlock()
	if n != 1 {
		t.Errorf("hub saw %d invocations, want 1", n)
	}
}

func TestRedact(t *testing.T) {
	got := redact("ws://h/hub?access_token=secret&id=1")
	if strings.Contains(got, "secret") {
		t.Errorf("redact = %q", got)
	}
}
