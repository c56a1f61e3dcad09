package identity

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hopeoverture/worldweaver-gate/internal/config"
)

// Resolver recovers a stable opaque user identifier from a request's session
// credential. ok is false when the request carries none, in which case the
// limiter degrades to the IP key.
type Resolver interface {
	UserID(r *http.Request) (string, bool)
}

// NewResolver builds the resolver selected by the identity configuration.
func NewResolver(cfg config.IdentityConfig) (Resolver, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Mode)) {
	case "", "header":
		return HeaderResolver{Header: cfg.UserHeader}, nil
	case "token":
		return TokenResolver{Cookie: cfg.TokenCookie, Claim: cfg.TokenClaim}, nil
	default:
		return nil, fmt.Errorf("identity: unsupported mode %q", cfg.Mode)
	}
}

// HeaderResolver trusts a user header stamped by the authentication
// collaborator in front of the gate.
type HeaderResolver struct {
	Header string
}

func (h HeaderResolver) UserID(r *http.Request) (string, bool) {
	value := strings.TrimSpace(r.Header.Get(h.Header))
	if value == "" {
		return "", false
	}
	return value, true
}

// TokenResolver reads one claim from the session cookie or bearer token. The
// token is decoded without signature verification: the gate derives a bucket
// key from it, it never grants access. Malformed tokens resolve to nothing.
type TokenResolver struct {
	Cookie string
	Claim  string
}

func (t TokenResolver) UserID(r *http.Request) (string, bool) {
	raw := t.rawToken(r)
	if raw == "" {
		return "", false
	}

	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return "", false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}

	claim := t.Claim
	if claim == "" {
		claim = "sub"
	}
	value, ok := claims[claim].(string)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

func (t TokenResolver) rawToken(r *http.Request) string {
	if t.Cookie != "" {
		if cookie, err := r.Cookie(t.Cookie); err == nil && cookie.Value != "" {
			return cookie.Value
		}
	}
	const prefix = "Bearer "
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	}
	return ""
}
