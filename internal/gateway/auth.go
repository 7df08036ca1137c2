package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates a missing or invalid client token.
var ErrUnauthorized = errors.New("unauthorized")

type userIDKey struct{}

// UserClaims is the client bearer token payload.
type UserClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
}

// Auth issues and verifies client bearer tokens.
type Auth struct {
	secret []byte
	expiry time.Duration
}

// NewAuth creates the authenticator.
func NewAuth(secret string, expiry time.Duration) *Auth {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Auth{secret: []byte(secret), expiry: expiry}
}

// Issue mints a bearer token for a user.
func (a *Auth) Issue(userID string) (string, error) {
	now := time.Now()
	claims := UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "insightpilot",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
		},
		UserID: userID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify validates a token and returns the user id.
func (a *Auth) Verify(token string) (string, error) {
	claims := &UserClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid || claims.UserID == "" {
		return "", ErrUnauthorized
	}
	return claims.UserID, nil
}

// Middleware authenticates requests. Tokens arrive as an
// Authorization bearer header or, for WebSocket upgrades where
// browsers cannot set headers, a token query parameter.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		userID, err := a.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// WithUserID stores the authenticated user on the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFrom returns the authenticated user, or "" when absent.
func UserIDFrom(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey{}).(string)
	return userID
}
