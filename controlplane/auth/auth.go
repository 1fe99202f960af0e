// Package auth is the identity boundary. Token issuance belongs to an
// external identity provider; the core only consumes a Verifier that maps
// a bearer token to a principal with scopes. Two built-ins cover the
// common deployments: a static token table and an HMAC-signed token.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidToken covers every verification failure. The cause is never
// surfaced to clients.
var ErrInvalidToken = errors.New("invalid token")

// Principal is an authenticated caller.
type Principal struct {
	ID     string   `json:"principal_id"`
	Scopes []string `json:"scopes,omitempty"`
}

// HasScope reports whether the principal carries the scope.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Verifier validates a bearer token.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// Static is a fixed token table, loaded from configuration. Suited to
// worker fleets and CI callers with long-lived credentials.
type Static struct {
	byToken map[string]Principal
}

// NewStatic builds a table from token -> "principal" or
// "principal:scope1,scope2" entries.
func NewStatic(tokens map[string]string) *Static {
	byToken := make(map[string]Principal, len(tokens))
	for token, spec := range tokens {
		id, scopeList, _ := strings.Cut(spec, ":")
		p := Principal{ID: id}
		if scopeList != "" {
			p.Scopes = strings.Split(scopeList, ",")
		}
		byToken[token] = p
	}
	return &Static{byToken: byToken}
}

func (s *Static) Verify(ctx context.Context, token string) (Principal, error) {
	for known, p := range s.byToken {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return p, nil
		}
	}
	return Principal{}, ErrInvalidToken
}

// hmacClaims is the signed token body.
type hmacClaims struct {
	Subject string   `json:"sub"`
	Scopes  []string `json:"scopes,omitempty"`
	Expires int64    `json:"exp"`
}

// HMAC verifies tokens of the form base64url(claims).base64url(sig) where
// sig is HMAC-SHA256 over the claims bytes. The identity provider shares
// the secret; the server never issues tokens in production.
type HMAC struct {
	secret []byte
	now    func() time.Time
}

func NewHMAC(secret []byte) (*HMAC, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("hmac secret must be at least 32 bytes, got %d", len(secret))
	}
	return &HMAC{secret: secret, now: time.Now}, nil
}

func (h *HMAC) Verify(ctx context.Context, token string) (Principal, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return Principal{}, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	gotSig, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(raw)
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return Principal{}, ErrInvalidToken
	}

	var claims hmacClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return Principal{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Expires <= h.now().Unix() {
		return Principal{}, ErrInvalidToken
	}
	return Principal{ID: claims.Subject, Scopes: claims.Scopes}, nil
}

// Sign mints a token for the subject, used by tests and the local dev
// tooling.
func (h *HMAC) Sign(subject string, scopes []string, ttl time.Duration) string {
	raw, _ := json.Marshal(hmacClaims{
		Subject: subject,
		Scopes:  scopes,
		Expires: h.now().Add(ttl).Unix(),
	})
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(raw)
	return base64.RawURLEncoding.EncodeToString(raw) + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Insecure accepts every token and returns an anonymous principal with
// full scopes. Development only.
type Insecure struct{}

func (Insecure) Verify(ctx context.Context, token string) (Principal, error) {
	return Principal{ID: "anonymous", Scopes: []string{"tasks:write", "tasks:read", "worker"}}, nil
}
