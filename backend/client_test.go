package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/habittribe/tribe/model"
)

type mutableToken struct {
	mu    sync.Mutex
	token string
}

func (m *mutableToken) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func (m *mutableToken) set(v string) {
	m.mu.Lock()
	m.token = v
	m.mu.Unlock()
}

func newTestClient(t *testing.T, h http.Handler, tokens TokenSource) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/api", tokens)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestAuthorizationFollowsTokenSource(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		w.Write([]byte("[]"))
	})
	tokens := &mutableToken{}
	c := newTestClient(t, h, tokens)
	ctx := context.Background()

	if _, err := c.Tags(ctx); err != nil {
		t.Fatal(err)
	}
	tokens.set("abc")
	if _, err := c.Tags(ctx); err != nil {
		t.Fatal(err)
	}
	tokens.set("")
	if _, err := c.Tags(ctx); err != nil {
		t.Fatal(err)
	}

	want := []string{"", "Bearer abc", ""}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("Authorization headers (-want +got):\n%s", diff)
	}
}

func TestCallerAuthorizationIsReplaced(t *testing.T) {
	var got string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	})
	c := newTestClient(t, h, TokenFunc(func() string { return "" }))

	req, _ := http.NewRequest(http.MethodGet, c.BaseURL()+"tags", nil)
	req.Header.Set("Authorization", "Bearer stale")
	resp, err := c.HTTPClient().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got != "" {
		t.Errorf("Authorization = %q, want removed", got)
	}
	if req.Header.Get("Authorization") != "Bearer stale" {
		t.Errorf("caller request was mutated")
	}
}

func TestStatusError(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"bad credentials"}`))
	})
	c := newTestClient(t, h, TokenFunc(func() string { return "" }))

	_, err := c.Login(context.Background(), model.LoginRequest{Email: "a@b.c", Password: "x"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Login error = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusUnauthorized || se.Message != "bad credentials" || se.Method != http.MethodPost {
		t.Errorf("StatusError = %+v", se)
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("errors.Is(err, ErrUnauthorized) = false")
	}
}

func TestNoRetryOnFailure(t *testing.T) {
	calls := 0
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	c := newTestClient(t, h, TokenFunc(func() string { return "t" }))

	err := c.DeleteTag(context.Background(), 4)
	if err == nil {
		t.Fatal("DeleteTag succeeded against a failing server")
	}
	if calls != 1 {
		t.Errorf("server saw %d calls, want 1", calls)
	}
	var se *StatusError
	if errors.As(err, &se) && se.Err != nil {
		t.Errorf("500 mapped to sentinel %v", se.Err)
	}
}

func TestRoutes(t *testing.T) {
	type call struct{ method, path, body string }
	var got []call
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		b := ""
		if body != nil {
			raw, _ := json.Marshal(body)
			b = string(raw)
		}
		got = append(got, call{r.Method, r.URL.Path, b})
		switch r.URL.Path {
		case "/api/auth/login":
			w.Write([]byte(`{"token":"tok"}`))
		case "/api/groups", "/api/tags", "/api/group/3/posts":
			w.Write([]byte(`[]`))
		case "/api/posts/9/comments":
			w.WriteHeader(http.StatusCreated)
		default:
			w.Write([]byte(`{}`))
		}
	})
	c := newTestClient(t, h, TokenFunc(func() string { return "" }))
	ctx := context.Background()

	token, err := c.Login(ctx, model.LoginRequest{Email: "e", Password: "p"})
	if err != nil || token != "tok" {
		t.Fatalf("Login = %q, %v", token, err)
	}
	steps := []func() error{
		func() error { return c.Logout(ctx) },
		func() error { return c.Register(ctx, model.RegisterRequest{Email: "e", Password: "p", Username: "u"}) },
		func() error { _, err := c.Groups(ctx); return err },
		func() error { _, err := c.Group(ctx, 3); return err },
		func() error { _, err := c.CreateGroup(ctx, model.NewGroup{Title: "Run", MaxMembers: 4}); return err },
		func() error { return c.JoinGroup(ctx, 3) },
		func() error { _, err := c.Posts(ctx, 3); return err },
		func() error { _, err := c.CreatePost(ctx, 3, "5k done"); return err },
		func() error { _, err := c.UpdatePost(ctx, 9, "6k done"); return err },
		func() error { return c.DeletePost(ctx, 9) },
		func() error { _, err := c.CreateComment(ctx, 9, "nice"); return err },
		func() error { _, err := c.Tags(ctx); return err },
		func() error { _, err := c.CreateTag(ctx, "fitness", true); return err },
		func() error { _, err := c.UpdateTag(ctx, model.Tag{ID: 2, Name: "fit", Usable: false}); return err },
		func() error { return c.DeleteTag(ctx, 2) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	want := []call{
		{"POST", "/api/auth/login", `{"email":"e","password":"p"}`},
		{"GET", "/api/auth/logout", ""},
		{"POST", "/api/accounts", `{"email":"e","password":"p","username":"u"}`},
		{"GET", "/api/groups", ""},
		{"GET", "/api/group/3", ""},
		{"POST", "/api/group", `{"description":"","maxMembers":4,"tagIds":null,"title":"Run"}`},
		{"POST", "/api/group/3/members", ""},
		{"GET", "/api/group/3/posts", ""},
		{"POST", "/api/groups/3/posts", `{"title":"5k done"}`},
		{"PUT", "/api/posts/9", `{"title":"6k done"}`},
		{"DELETE", "/api/posts/9", ""},
		{"POST", "/api/posts/9/comments", `{"content":"nice"}`},
		{"GET", "/api/tags", ""},
		{"POST", "/api/tags", `{"id":0,"name":"fitness","usable":true}`},
		{"PUT", "/api/tags/2", `{"id":2,"name":"fit","usable":false}`},
		{"DELETE", "/api/tags/2", ""},
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(call{})); diff != "" {
		t.Errorf("routes (-want +got):\n%s", diff)
	}
}

func TestMemberGroupIDs(t *testing.T) {
	groups := []model.Group{
		{ID: 1, Members: []model.Member{{UserName: "ona"}}},
		{ID: 2, Members: []model.Member{{UserName: "jonas"}}},
		{ID: 3, Members: []model.Member{{UserName: "jonas"}, {UserName: "ona"}}},
	}
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(groups)
	})
	c := newTestClient(t, h, TokenFunc(func() string { return "t" }))

	ids, err := c.MemberGroupIDs(context.Background(), "ona")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{1, 3}, ids); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"message":"bad"}`, "bad"},
		{`{"title":"One or more validation errors occurred."}`, "One or more validation errors occurred."},
		{`[{"code":"DuplicateUserName","description":"Username taken."},{"description":"Password too weak."}]`, "Username taken.; Password too weak."},
		{"plain text\n", "plain text"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := errorMessage([]byte(tt.body)); got != tt.want {
			t.Errorf("errorMessage(%q) = %q, want %q", tt.body, got, tt.want)
		}
	}
}
