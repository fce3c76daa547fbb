package hub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/habittribe/tribe/backend"
	"github.com/habittribe/tribe/model"
	"github.com/habittribe/tribe/realtime"
)

type testHub struct {
	srv  *Server
	base string
}

func startHub(t *testing.T) *testHub {
	t.Helper()
	cfg := NewConfig("")
	cfg.JWTSecret = "test-secret"
	cfg.AdminEmails = []string{"admin@example.com"}
	cfg.Tags = []string{"fitness"}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(cfg, openTestStore(t), logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return &testHub{srv: srv, base: "http://" + ln.Addr().String()}
}

// user is a logged in API client.
type user struct {
	name  string
	token string
	api   *backend.Client
}

func (u *user) Token() string    { return u.token }
func (u *user) Username() string { return u.name }

func (h *testHub) signup(t *testing.T, email, name string) *user {
	t.Helper()
	ctx := context.Background()
	u := &user{name: name}
	api, err := backend.New(h.base+"/api", u)
	if err != nil {
		t.Fatal(err)
	}
	u.api = api
	if err := api.Register(ctx, model.RegisterRequest{Email: email, Password: "secret1", Username: name}); err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
	if u.token, err = api.Login(ctx, model.LoginRequest{Email: email, Password: "secret1"}); err != nil {
		t.Fatalf("Login(%s): %v", name, err)
	}
	return u
}

func TestRegisterAndLoginErrors(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()
	h.signup(t, "ona@example.com", "ona")

	anon, _ := backend.New(h.base+"/api", backend.TokenFunc(func() string { return "" }))

	err := anon.Register(ctx, model.RegisterRequest{Email: "bad", Password: "123", Username: ""})
	var se *backend.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid register: err = %v", err)
	}
	if want := "Email 'bad' is invalid.; User name is required.; Passwords must be at least 6 characters."; se.Message != want {
		t.Errorf("message = %q, want %q", se.Message, want)
	}

	err = anon.Register(ctx, model.RegisterRequest{Email: "ona@example.com", Password: "secret1", Username: "ona2"})
	if !errors.Is(err, backend.ErrConflict) {
		t.Errorf("duplicate register: err = %v", err)
	}

	_, err = anon.Login(ctx, model.LoginRequest{Email: "ona@example.com", Password: "nope"})
	if !errors.Is(err, backend.ErrUnauthorized) {
		t.Errorf("bad login: err = %v", err)
	}
	if _, err := anon.Groups(ctx); !errors.Is(err, backend.ErrUnauthorized) {
		t.Errorf("anonymous Groups: err = %v", err)
	}
}

func TestTagsRequireAdmin(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()
	admin := h.signup(t, "admin@example.com", "admin")
	ona := h.signup(t, "ona@example.com", "ona")

	if _, err := ona.api.CreateTag(ctx, "chess", true); !errors.Is(err, backend.ErrForbidden) {
		t.Errorf("member CreateTag: err = %v", err)
	}
	tag, err := admin.api.CreateTag(ctx, "chess", true)
	if err != nil {
		t.Fatalf("admin CreateTag: %v", err)
	}
	if _, err := admin.api.CreateTag(ctx, "chess", true); !errors.Is(err, backend.ErrConflict) {
		t.Errorf("duplicate tag: err = %v", err)
	}
	if _, err := admin.api.UpdateTag(ctx, model.Tag{ID: tag.ID, Name: "go", Usable: false}); err != nil {
		t.Fatal(err)
	}
	tags, err := ona.api.Tags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 2 {
		t.Errorf("tags = %+v, want seeded fitness and go", tags)
	}
	if err := admin.api.DeleteTag(ctx, tag.ID); err != nil {
		t.Fatal(err)
	}
}

type events struct {
	mu      sync.Mutex
	posts   []model.PostNotification
	updates []model.PostUpdatedNotification
	deletes []model.PostDeletedNotification
	comment []model.CommentNotification
}

func (e *events) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.posts) + len(e.updates) + len(e.deletes) + len(e.comment)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNotificationsEndToEnd(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()
	ona := h.signup(t, "ona@example.com", "ona")
	jonas := h.signup(t, "jonas@example.com", "jonas")

	g, err := ona.api.CreateGroup(ctx, model.NewGroup{Title: "Morning run", MaxMembers: 4})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := jonas.api.JoinGroup(ctx, g.ID); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}

	rt := realtime.New(realtime.NewWebSocketDialer(h.base+"/hubs/notifications"), jonas,
		realtime.WithGroupSource(jonas.api))
	defer rt.Stop()

	var ev events
	rt.OnNewPost(func(n model.PostNotification) {
		ev.mu.Lock()
		ev.posts = append(ev.posts, n)
		ev.mu.Unlock()
	})
	rt.OnPostUpdated(func(n model.PostUpdatedNotification) {
		ev.mu.Lock()
		ev.updates = append(ev.updates, n)
		ev.mu.Unlock()
	})
	rt.OnPostDeleted(func(n model.PostDeletedNotification) {
		ev.mu.Lock()
		ev.deletes = append(ev.deletes, n)
		ev.mu.Unlock()
	})
	rt.OnNewComment(func(n model.CommentNotification) {
		ev.mu.Lock()
		ev.comment = append(ev.comment, n)
		ev.mu.Unlock()
	})

	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, "member group subscription", func() bool { return h.srv.Push().Subscribers(g.ID) == 1 })

	if _, err := jonas.api.CreatePost(ctx, 999, "lost"); err == nil {
		t.Error("post in a group jonas is not in succeeded")
	}

	p, err := ona.api.CreatePost(ctx, g.ID, "5k done")
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	waitUntil(t, "NewPost", func() bool { return ev.count() == 1 })

	if _, err := jonas.api.CreateComment(ctx, p.ID, "nice pace"); err != nil {
		t.Fatalf("CreateComment: %v", err)
	}
	waitUntil(t, "NewComment", func() bool { return ev.count() == 2 })

	if _, err := ona.api.UpdatePost(ctx, p.ID, "6k done"); err != nil {
		t.Fatalf("UpdatePost: %v", err)
	}
	waitUntil(t, "PostUpdated", func() bool { return ev.count() == 3 })

	if err := jonas.api.DeletePost(ctx, p.ID); !errors.Is(err, backend.ErrForbidden) {
		t.Errorf("foreign delete: err = %v", err)
	}
	if err := ona.api.DeletePost(ctx, p.ID); err != nil {
		t.Fatalf("DeletePost: %v", err)
	}
	waitUntil(t, "PostDeleted", func() bool { return ev.count() == 4 })

	ev.mu.Lock()
	defer ev.mu.Unlock()
	want := model.PostNotification{
		PostID: p.ID, GroupID: g.ID, GroupTitle: "Morning run",
		PostTitle: "5k done", AuthorName: "ona", CreatedAt: p.DateCreated,
	}
	if ev.posts[0] != want {
		t.Errorf("NewPost = %+v, want %+v", ev.posts[0], want)
	}
	if c := ev.comment[0]; c.PostID != p.ID || c.Comment.Content != "nice pace" || c.Comment.User.UserName != "jonas" {
		t.Errorf("NewComment = %+v", c)
	}
	if u := ev.updates[0]; u.GroupID != g.ID || u.Post.Title != "6k done" || len(u.Post.Comments) != 1 {
		t.Errorf("PostUpdated = %+v", u)
	}
	if d := ev.deletes[0]; d != (model.PostDeletedNotification{GroupID: g.ID, PostID: p.ID}) {
		t.Errorf("PostDeleted = %+v", d)
	}
}

func TestLeaveStopsNotifications(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()
	ona := h.signup(t, "ona@example.com", "ona")
	g, err := ona.api.CreateGroup(ctx, model.NewGroup{Title: "Readers", MaxMembers: 2})
	if err != nil {
		t.Fatal(err)
	}

	rt := realtime.New(realtime.NewWebSocketDialer(h.base+"/hubs/notifications"), ona)
	defer rt.Stop()
	if err := rt.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := rt.JoinGroup(ctx, g.ID); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	if n := h.srv.Push().Subscribers(g.ID); n != 1 {
		t.Fatalf("subscribers after join = %d", n)
	}
	if err := rt.LeaveGroup(ctx, g.ID); err != nil {
		t.Fatalf("LeaveGroup: %v", err)
	}
	waitUntil(t, "leave", func() bool { return h.srv.Push().Subscribers(g.ID) == 0 })

	rt.Stop()
	waitUntil(t, "disconnect", func() bool { return h.srv.Push().Peers() == 0 })
}

func TestPushRejects(t *testing.T) {
	h := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ona := h.signup(t, "ona@example.com", "ona")
	d := realtime.NewWebSocketDialer(h.base + "/hubs/notifications")

	if _, err := d.Dial(ctx, "forged", nil); err == nil {
		t.Fatal("dial with a forged token succeeded")
	}

	conn, err := d.Dial(ctx, ona.token, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	var ie *realtime.InvocationError
	if err := conn.Invoke(ctx, "DropTables", 1); !errors.As(err, &ie) {
		t.Errorf("unknown method: err = %v", err)
	}
	if err := conn.Invoke(ctx, model.MethodJoinGroup, "seven"); !errors.As(err, &ie) {
		t.Errorf("bad argument: err = %v", err)
	}
	if err := conn.Invoke(ctx, model.MethodJoinGroup, 7); err != nil {
		t.Errorf("JoinGroup: %v", err)
	}
}
