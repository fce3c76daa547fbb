// Package jwtutil reads claims out of a bearer token without verifying it.
// The server verifies signatures; the client only needs the payload to drive
// the UI (roles, expiry, display name).
package jwtutil

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleClaim is the claim type ASP.NET Identity uses for roles.
const RoleClaim = "http://schemas.microsoft.com/ws/2008/06/identity/claims/role"

// AdminRole is the role that unlocks administration views.
const AdminRole = "Admin"

// Payload is the decoded claim set of a token.
type Payload struct {
	Subject   string
	Name      string
	ID        string
	ExpiresAt time.Time // zero when the token carries no exp claim
	IssuedAt  time.Time
	Roles     []string
	Claims    jwt.MapClaims
}

var parser = jwt.NewParser(jwt.WithPaddingAllowed())

// Decode splits token, decodes the payload segment and parses its claims.
// It reports false for any malformed input and never panics.
func Decode(token string) (*Payload, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, false
	}

	// accept both base64 alphabets
	seg := strings.NewReplacer("+", "-", "/", "_").Replace(parts[1])
	raw, err := parser.DecodeSegment(seg)
	if err != nil {
		return nil, false
	}

	var claims jwt.MapClaims
	if err := json.Unmarshal(raw, &claims); err != nil || claims == nil {
		return nil, false
	}

	p := &Payload{Claims: claims, Roles: rolesOf(claims)}
	p.Subject, _ = claims.GetSubject()
	p.Name, _ = claims["name"].(string)
	p.ID, _ = claims["jti"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		p.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		p.IssuedAt = iat.Time
	}
	return p, true
}

func rolesOf(claims jwt.MapClaims) []string {
	claim, ok := claims[RoleClaim]
	if !ok {
		claim = claims["role"]
	}

	switch v := claim.(type) {
	case string:
		return []string{v}
	case []any:
		roles := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	default:
		return []string{}
	}
}

// Roles returns the role claim as a list, whether the token carries a single
// role or several. Undecodable tokens have no roles.
func Roles(token string) []string {
	p, ok := Decode(token)
	if !ok {
		return []string{}
	}
	return p.Roles
}

// HasRole reports whether the token grants role.
func HasRole(token, role string) bool {
	return slices.Contains(Roles(token), role)
}

// IsAdmin reports whether the token grants the Admin role.
func IsAdmin(token string) bool {
	return HasRole(token, AdminRole)
}

// IsExpired reports whether the token is unusable at now: undecodable,
// missing an expiry, or expiring at or before now (millisecond precision).
func IsExpired(token string, now time.Time) bool {
	p, ok := Decode(token)
	if !ok || p.ExpiresAt.IsZero() || p.ExpiresAt.Unix() == 0 {
		return true
	}
	return now.UnixMilli() >= p.ExpiresAt.UnixMilli()
}

// Username returns the name claim, or "" when absent.
func Username(token string) string {
	p, ok := Decode(token)
	if !ok {
		return ""
	}
	return p.Name
}
