// Package auth resolves request tokens to caller ids.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

// ErrNotAuthenticated is returned when no resolver accepts the token.
var ErrNotAuthenticated = errors.New("not authenticated")

// CookieName is the cookie checked when no bearer header is present.
const CookieName = "token"

// Resolver maps a token to the caller's id.
type Resolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// TokenFromRequest returns the bearer token, falling back to the token cookie.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

// JWTResolver verifies HS256 tokens and reads the caller id from the data.id claim.
type JWTResolver struct {
	secret []byte
	leeway time.Duration
}

func NewJWTResolver(secret string) (*JWTResolver, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: jwt secret required")
	}
	return &JWTResolver{secret: []byte(secret), leeway: 30 * time.Second}, nil
}

func (j *JWTResolver) Resolve(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrNotAuthenticated
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(j.leeway))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid claims type", ErrNotAuthenticated)
	}
	data, ok := claims["data"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("%w: missing data claim", ErrNotAuthenticated)
	}
	id := claimID(data["id"])
	if id == "" {
		return "", fmt.Errorf("%w: missing data.id claim", ErrNotAuthenticated)
	}
	return id, nil
}

func claimID(v any) string {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case float64:
		if id != float64(int64(id)) {
			return ""
		}
		return strconv.FormatInt(int64(id), 10)
	default:
		return ""
	}
}

const sessionPrefix = "session:"

// SessionResolver looks up opaque session tokens stored in Redis.
type SessionResolver struct {
	client redis.UniversalClient
}

func NewSessionResolver(client redis.UniversalClient) *SessionResolver {
	return &SessionResolver{client: client}
}

func (s *SessionResolver) Resolve(ctx context.Context, token string) (string, error) {
	if s == nil || s.client == nil || token == "" {
		return "", ErrNotAuthenticated
	}
	id, err := s.client.Get(ctx, sessionPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotAuthenticated
	}
	if err != nil {
		return "", fmt.Errorf("session lookup: %w", err)
	}
	if id = strings.TrimSpace(id); id == "" {
		return "", ErrNotAuthenticated
	}
	return id, nil
}

// Chain tries each resolver in order. A backend failure stops the chain.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrNotAuthenticated
	}
	for _, r := range c {
		if r == nil {
			continue
		}
		id, err := r.Resolve(ctx, token)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrNotAuthenticated) {
			return "", err
		}
	}
	return "", ErrNotAuthenticated
}
