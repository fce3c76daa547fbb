package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/habittribe/tribe/jwtutil"
)

// TokenClaims is the payload of tokens issued by the hub. Role uses the
// claim name ASP.NET Identity emits.
type TokenClaims struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"http://schemas.microsoft.com/ws/2008/06/identity/claims/role,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 tokens.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer for secret.
func NewIssuer(secret, issuer string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue returns a signed token for a.
func (i *Issuer) Issue(a Account) (string, error) {
	now := i.now()
	claims := TokenClaims{
		Name:  a.Username,
		Email: a.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(a.ID, 10),
			Issuer:    i.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	if a.IsAdmin {
		claims.Role = jwtutil.AdminRole
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify parses token and returns the account it was issued for.
func (i *Issuer) Verify(token string) (*Account, error) {
	var claims TokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad subject %q: %w", claims.Subject, err)
	}
	return &Account{
		ID:       id,
		Email:    claims.Email,
		Username: claims.Name,
		IsAdmin:  claims.Role == jwtutil.AdminRole,
	}, nil
}

var errNoToken = errors.New("missing bearer token")

// bearer extracts the token from the Authorization header or, for
// WebSocket upgrades and negotiate, the access_token query parameter.
func bearer(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || token == "" {
			return "", errNoToken
		}
		return token, nil
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, nil
	}
	return "", errNoToken
}

type accountKey struct{}

func withAccount(ctx context.Context, a *Account) context.Context {
	return context.WithValue(ctx, accountKey{}, a)
}

// accountFrom returns the authenticated account of a request.
func accountFrom(ctx context.Context) (*Account, bool) {
	a, ok := ctx.Value(accountKey{}).(*Account)
	return a, ok
}
