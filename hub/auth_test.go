package hub

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/habittribe/tribe/jwtutil"
)

func TestIssuerRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	iss := NewIssuer("s3cret", "habittribe-test", time.Hour)
	iss.now = func() time.Time { return now }

	for _, a := range []Account{
		{ID: 7, Email: "ona@example.com", Username: "ona", IsAdmin: true},
		{ID: 8, Email: "jonas@example.com", Username: "jonas"},
	} {
		token, err := iss.Issue(a)
		if err != nil {
			t.Fatalf("Issue(%s): %v", a.Username, err)
		}
		got, err := iss.Verify(token)
		if err != nil {
			t.Fatalf("Verify(%s): %v", a.Username, err)
		}
		if *got != a {
			t.Errorf("Verify = %+v, want %+v", *got, a)
		}

		// the client side decoder reads the same claims
		if name := jwtutil.Username(token); name != a.Username {
			t.Errorf("jwtutil.Username = %q", name)
		}
		if jwtutil.IsAdmin(token) != a.IsAdmin {
			t.Errorf("jwtutil.IsAdmin(%s) = %v", a.Username, !a.IsAdmin)
		}
		if jwtutil.IsExpired(token, now) || !jwtutil.IsExpired(token, now.Add(time.Hour)) {
			t.Errorf("expiry of %s not at issue time + ttl", a.Username)
		}
	}
}

func TestIssuerRejects(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	iss := NewIssuer("s3cret", "habittribe-test", time.Hour)
	iss.now = func() time.Time { return now }
	token, err := iss.Issue(Account{ID: 1, Username: "ona"})
	if err != nil {
		t.Fatal(err)
	}

	other := NewIssuer("different", "habittribe-test", time.Hour)
	other.now = iss.now
	if _, err := other.Verify(token); err == nil {
		t.Error("token verified with a different secret")
	}

	foreign := NewIssuer("s3cret", "someone-else", time.Hour)
	foreign.now = iss.now
	if _, err := foreign.Verify(token); err == nil {
		t.Error("token verified for a different issuer")
	}

	iss.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, err := iss.Verify(token); err == nil {
		t.Error("expired token verified")
	}

	if _, err := iss.Verify("not.a.token"); err == nil {
		t.Error("garbage verified")
	}
}

func TestBearer(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
		ok     bool
	}{
		{"header", "Bearer abc", "", "abc", true},
		{"query", "", "?access_token=xyz", "xyz", true},
		{"header wins", "Bearer abc", "?access_token=xyz", "abc", true},
		{"basic auth", "Basic Zm9v", "", "", false},
		{"empty bearer", "Bearer ", "", "", false},
		{"none", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/hubs/notifications"+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := bearer(r)
			if (err == nil) != tt.ok || got != tt.want {
				t.Errorf("bearer = %q, %v", got, err)
			}
		})
	}
}
