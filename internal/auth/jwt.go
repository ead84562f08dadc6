// Package auth resolves the calling user from a bearer token.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const userIDKey contextKey = "userID"

// DevUserHeader carries the user id when development auth is enabled
const DevUserHeader = "X-User-ID"

var ErrNoIdentity = errors.New("missing credentials")

type JWTConfig struct {
	SecretKey string
	// AllowDevHeader trusts DevUserHeader without a token
	AllowDevHeader bool
}

func NewJWTConfig(secretKey string, allowDevHeader bool) *JWTConfig {
	return &JWTConfig{SecretKey: secretKey, AllowDevHeader: allowDevHeader}
}

// Middleware rejects requests without a verifiable identity
func (c *JWTConfig) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := c.Authenticate(r)
		if err != nil {
			unauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// Authenticate returns the user id of the request. The token is read from
// the Authorization header, or from the token query parameter for
// websocket upgrades.
func (c *JWTConfig) Authenticate(r *http.Request) (string, error) {
	if c.AllowDevHeader {
		if id := strings.TrimSpace(r.Header.Get(DevUserHeader)); id != "" {
			return id, nil
		}
	}

	tokenString := ""
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", errors.New("invalid authorization header")
		}
		tokenString = strings.TrimSpace(token)
	} else if r.Header.Get("Upgrade") == "websocket" {
		tokenString = r.URL.Query().Get("token")
	}
	if tokenString == "" {
		return "", ErrNoIdentity
	}
	return c.Verify(tokenString)
}

// Verify checks an HS256 token and returns its subject
func (c *JWTConfig) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(c.SecretKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// Issue signs a token for userID valid for ttl
func (c *JWTConfig) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.SecretKey))
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID extracts the user id from context
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(userIDKey).(string); ok {
		return userID
	}
	return ""
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="healthai"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"code":    "unauthorized",
		"message": err.Error(),
	})
}
