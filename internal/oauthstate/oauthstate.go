// Package oauthstate issues and verifies the short-lived signed state
// tokens that bind an OAuth authorization-code callback back to the
// account address that initiated it (SPEC_FULL.md §4.I). Grounded on the
// reference backend's token-handling conventions, generalized from a bearer
// access token to a single-purpose handshake token signed with
// golang-jwt/jwt/v5.
package oauthstate

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL bounds how long an issued state token remains valid; the
// OAuth handshake is expected to complete within one browser redirect.
const DefaultTTL = 10 * time.Minute

// ErrInvalidState is returned when a token fails signature verification,
// is expired, or is otherwise malformed.
var ErrInvalidState = errors.New("oauthstate: invalid or expired state token")

// claims is the JWT payload: the account address plus standard registered
// claims (issued-at, expiry).
type claims struct {
	Account string `json:"account"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies oauth_state tokens with a single HMAC key.
type Issuer struct {
	key []byte
	ttl time.Duration
}

// New returns an Issuer using signKey for HS256 signing. Panics if signKey
// is empty; callers validate key length at config load time.
func New(signKey string, ttl time.Duration) *Issuer {
	if signKey == "" {
		panic("oauthstate: empty signing key")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{key: []byte(signKey), ttl: ttl}
}

// Issue returns a signed state token binding account to this handshake.
func (i *Issuer) Issue(account string) (string, error) {
	now := time.Now()
	c := claims{
		Account: account,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(i.key)
}

// Verify checks signature and expiry and returns the bound account
// address, or ErrInvalidState.
func (i *Issuer) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidState
		}
		return i.key, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidState
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.Account == "" {
		return "", ErrInvalidState
	}
	return c.Account, nil
}
