// Package dispatch decouples message ingestion from turn execution:
// the Dispatcher validates and records a turn, hands it to the worker
// substrate as a signed job, and returns immediately; the Worker is
// the substrate's idempotent entry point that actually runs the turn.
package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrBadJobToken indicates a job token that failed verification and
// must not be executed.
var ErrBadJobToken = errors.New("invalid job token")

// JobClaims is the signed payload identifying one turn to execute.
type JobClaims struct {
	jwt.RegisteredClaims
	UserID    string `json:"uid"`
	SessionID string `json:"sid"`
	MessageID string `json:"mid"`
}

// TokenCodec signs and verifies job tokens. The execution substrate is
// untrusted transport; only tokens minted here may trigger a turn.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenCodec creates a codec. ttl bounds how long an enqueued job
// stays runnable.
func NewTokenCodec(secret string, ttl time.Duration) *TokenCodec {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TokenCodec{secret: []byte(secret), ttl: ttl}
}

// Sign mints a job token for one turn.
func (c *TokenCodec) Sign(userID, sessionID, messageID string) (string, error) {
	now := time.Now()
	claims := JobClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "insightpilot-dispatch",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		UserID:    userID,
		SessionID: sessionID,
		MessageID: messageID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign job token: %w", err)
	}
	return token, nil
}

// Verify checks signature and expiry and returns the claims.
func (c *TokenCodec) Verify(token string) (*JobClaims, error) {
	claims := &JobClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadJobToken, err)
	}
	if !parsed.Valid || claims.MessageID == "" || claims.SessionID == "" {
		return nil, ErrBadJobToken
	}
	return claims, nil
}
