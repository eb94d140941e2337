// Package auth issues and verifies the two credential kinds the API
// accepts: HS256 bearer tokens for users and a shared X-API-Key header
// for service callers (the Jira webhook, CI probes).
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/matrixqa/matrix-runner/pkg/models"
)

const tokenTTL = 24 * time.Hour

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

type contextKey struct{}

// Authenticator validates incoming credentials and mints tokens.
type Authenticator struct {
	secret []byte
	apiKey string
}

// New creates an authenticator from the configured JWT secret and
// service API key.
func New(jwtSecret, apiKey string) *Authenticator {
	return &Authenticator{secret: []byte(jwtSecret), apiKey: apiKey}
}

// IssueToken mints a bearer token for an authenticated user.
func (a *Authenticator) IssueToken(username, role string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  username,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(tokenTTL).Unix(),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a bearer token and returns the identity it names.
func (a *Authenticator) ParseToken(tokenString string) (models.Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return models.Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return models.Identity{}, ErrInvalidToken
	}
	username, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if username == "" {
		return models.Identity{}, ErrInvalidToken
	}
	return models.Identity{Username: username, Role: role, Privileged: role == "admin"}, nil
}

// Identify resolves the request's identity from either credential kind.
func (a *Authenticator) Identify(r *http.Request) (models.Identity, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		if a.apiKey != "" && key == a.apiKey {
			return models.Identity{Username: "api_service", Role: "service", Privileged: true}, nil
		}
		return models.Identity{}, ErrInvalidToken
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		// Browsers cannot set headers on websocket dials; accept the token
		// as a query parameter there.
		if token := r.URL.Query().Get("token"); token != "" {
			return a.ParseToken(token)
		}
		return models.Identity{}, ErrMissingCredentials
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return models.Identity{}, ErrInvalidToken
	}
	return a.ParseToken(token)
}

// Middleware rejects unauthenticated requests and stashes the identity in
// the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Identify(r)
		if err != nil {
			status := http.StatusUnauthorized
			http.Error(w, fmt.Sprintf(`{"detail":%q}`, err.Error()), status)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// WithIdentity returns a context carrying the identity.
func WithIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFrom extracts the authenticated identity, if any.
func IdentityFrom(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(models.Identity)
	return id, ok
}
