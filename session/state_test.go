package session

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/habittribe/tribe/jwtutil"
	"github.com/habittribe/tribe/model"
	"github.com/habittribe/tribe/storage"
)

func makeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	body, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return "eyJhbGciOiJIUzI1NiJ9." + base64.RawURLEncoding.EncodeToString(body) + ".sig"
}

func TestTokenRoundTrip(t *testing.T) {
	store := storage.NewMemory()
	st := New(store)

	steps := []struct {
		set  string
		want string
	}{
		{"a", "a"},
		{"b", "b"},
		{"", ""},
		{"c", "c"},
		{"", ""},
	}
	for _, step := range steps {
		if err := st.SetToken(step.set); err != nil {
			t.Fatalf("SetToken(%q): %v", step.set, err)
		}
		if got := st.Token(); got != step.want {
			t.Fatalf("Token() after SetToken(%q) = %q, want %q", step.set, got, step.want)
		}
	}
	if _, ok := store.Get(tokenKey); ok {
		t.Errorf("empty token must remove the storage key")
	}
}

func TestUsernamePersistence(t *testing.T) {
	store := storage.NewMemory()
	st := New(store)

	if got := st.Username(); got != "" {
		t.Fatalf("Username() = %q, want empty", got)
	}
	if err := st.SetUsername("jonas"); err != nil {
		t.Fatalf("SetUsername: %v", err)
	}
	if v, _ := store.Get(StorageKey + "#userTitle"); v != "jonas" {
		t.Errorf("stored username = %q, want %q", v, "jonas")
	}
	if err := st.SetUsername(""); err != nil {
		t.Fatalf("SetUsername(empty): %v", err)
	}
	if _, ok := store.Get(StorageKey + "#userTitle"); ok {
		t.Errorf("empty username must remove the storage key")
	}
}

func TestLoggedInFollowsToken(t *testing.T) {
	st := New(storage.NewMemory())
	var got []bool
	st.LoggedIn().Subscribe(func(v bool) { got = append(got, v) })

	_ = st.SetToken("t1")
	_ = st.SetToken("t2")
	_ = st.Login("ona", "t3")
	_ = st.Logout()
	_ = st.Logout()
	_ = st.SetToken("t4")

	if diff := cmp.Diff([]bool{true, false, true}, got); diff != "" {
		t.Errorf("LoggedIn transitions (-want +got):\n%s", diff)
	}
	if cur := st.Current(); !cur.Authenticated() || cur.Token != "t4" {
		t.Errorf("Current() = %+v", cur)
	}
}

func TestConcurrentTokenWritesKeepLoggedInInStep(t *testing.T) {
	st := New(storage.NewMemory())
	var mu sync.Mutex
	var last *bool
	st.LoggedIn().Subscribe(func(v bool) {
		mu.Lock()
		last = &v
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = st.SetToken("x")
			} else {
				_ = st.Logout()
			}
		}(i)
	}
	wg.Wait()

	want := st.Token() != ""
	if got := st.LoggedIn().Get(); got != want {
		t.Fatalf("LoggedIn = %v with token %q", got, st.Token())
	}
	mu.Lock()
	defer mu.Unlock()
	if last != nil && *last != want {
		t.Errorf("last notification %v, want %v", *last, want)
	}
}

func TestReloadRestoresLogin(t *testing.T) {
	store := storage.NewMemory()
	_ = New(store).Login("ona", "token")

	reloaded := New(store)
	if !reloaded.LoggedIn().Get() {
		t.Errorf("LoggedIn after reload = false, want true")
	}
	if diff := cmp.Diff(Session{Username: "ona", Token: "token"}, reloaded.Current()); diff != "" {
		t.Errorf("Current after reload (-want +got):\n%s", diff)
	}
}

func TestLogoutClearsBothFields(t *testing.T) {
	st := New(storage.NewMemory())
	_ = st.Login("ona", "token")
	_ = st.Logout()

	if diff := cmp.Diff(Session{}, st.Current()); diff != "" {
		t.Errorf("Current after Logout (-want +got):\n%s", diff)
	}
	if st.Current().Authenticated() {
		t.Errorf("anonymous session reports authenticated")
	}
}

func TestRolesAndExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	st := New(storage.NewMemory(), WithClock(func() time.Time { return now }))

	if !st.IsTokenExpired() {
		t.Errorf("IsTokenExpired without token = false, want true")
	}
	if st.IsAdmin() {
		t.Errorf("IsAdmin without token = true")
	}

	_ = st.SetToken(makeToken(t, map[string]any{
		jwtutil.RoleClaim: "Admin",
		"exp":             now.Add(time.Minute).Unix(),
	}))
	if diff := cmp.Diff([]string{"Admin"}, st.Roles()); diff != "" {
		t.Errorf("Roles (-want +got):\n%s", diff)
	}
	if !st.IsAdmin() || !st.HasRole("Admin") {
		t.Errorf("IsAdmin = false, want true")
	}
	if st.IsTokenExpired() {
		t.Errorf("IsTokenExpired = true, want false")
	}

	_ = st.SetToken("not-a-jwt")
	if !st.IsTokenExpired() {
		t.Errorf("IsTokenExpired(malformed) = false, want true")
	}
	if len(st.Roles()) != 0 {
		t.Errorf("Roles(malformed) = %v, want empty", st.Roles())
	}
}

func TestNotify(t *testing.T) {
	st := New(storage.NewMemory())
	var first, second []model.Toast
	st.Messages().Subscribe(func(m model.Toast) { first = append(first, m) })
	st.Messages().Subscribe(func(m model.Toast) { second = append(second, m) })

	st.NotifySuccess("saved")
	st.NotifyFailure("nope")

	want := []model.Toast{
		{Severity: model.SeveritySuccess, Summary: "Operation success.", Detail: "saved", Life: ToastLife},
		{Severity: model.SeverityWarn, Summary: "Operation failure.", Detail: "nope", Life: ToastLife},
	}
	if diff := cmp.Diff(want, first); diff != "" {
		t.Errorf("first subscriber (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, second); diff != "" {
		t.Errorf("second subscriber (-want +got):\n%s", diff)
	}
}
