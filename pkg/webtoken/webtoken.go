// Package webtoken signs and verifies the HS256 web session tokens handed to
// browsers that talk to a hub through the relay.
package webtoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the lifetime of a token signed without an explicit expiry.
const DefaultTTL = 24 * time.Hour

// Claims are the web session claims.
type Claims struct {
	SessionID    string `json:"sid,omitempty"`
	OwnerID      string `json:"owner_id,omitempty"`
	SubnetID     string `json:"subnet_id,omitempty"`
	HubID        string `json:"hub_id,omitempty"`
	BrowserKeyID string `json:"browser_key_id,omitempty"`
	Stage        string `json:"stage,omitempty"`
	jwt.RegisteredClaims
}

// Signer signs and verifies tokens with a shared secret.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a Signer. ttl <= 0 selects DefaultTTL.
func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("webtoken: secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Sign issues a token for claims. Issued-at is set to now and, unless the
// claims carry one, expiry to now plus the signer's TTL.
func (s *Signer) Sign(claims Claims) (string, error) {
	now := s.now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify returns the claims of a valid token, or nil for any token that is
// malformed, expired, or not signed with the secret using HS256.
func (s *Signer) Verify(tokenString string) *Claims {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return nil
	}
	return &claims
}

// FromHeader extracts a bearer token from an Authorization header value.
func FromHeader(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
