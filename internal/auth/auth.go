// Package auth guards the Control API's loopback admin listener with a
// single bearer token. The daemon serves a local operator, not a fleet of
// web users, so
// this keeps only the JWT validation half of the teacher's auth package —
// the GitHub OAuth login/callback/me/logout dance has no caller here and
// was removed.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey namespaces context values this package sets.
type ContextKey string

const sessionContextKey ContextKey = "controlapi_session"

// Claims identifies the caller a token was minted for. There is no user
// directory behind it; Subject is whatever name GenerateToken was given
// (cmd/daemon uses "daemon-admin").
type Claims struct {
	Subject string `json:"subject"`
	jwt.RegisteredClaims
}

type AuthConfig struct {
	Secret  []byte
	Enabled bool
}

var authConfig *AuthConfig

// InitializeAuth sets the package-level signing secret. secret is read
// from config.Auth.JwtSecret (env ROBOMONKEY_AUTH_JWT_SECRET, flag
// --auth-jwt-secret, or the YAML equivalent); enabled=false runs the admin listener open, appropriate
// only when it's bound to loopback.
func InitializeAuth(secret string, enabled bool) {
	authConfig = &AuthConfig{Secret: []byte(secret), Enabled: enabled}
}

// IsAuthEnabled reports whether the admin listener requires a bearer token.
func IsAuthEnabled() bool {
	return authConfig != nil && authConfig.Enabled
}

// GenerateToken mints a bearer token for subject, valid for ttl. cmd/daemon
// prints one at startup whenever auth is enabled.
func GenerateToken(subject string, ttl time.Duration) (string, error) {
	if authConfig == nil {
		return "", errors.New("auth not initialized")
	}
	claims := Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(authConfig.Secret)
}

// ValidateToken parses and verifies tokenString against the configured
// secret, rejecting anything not signed with HMAC.
func ValidateToken(tokenString string) (*Claims, error) {
	if authConfig == nil {
		return nil, errors.New("auth not initialized")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return authConfig.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// RequireAuth wraps next with bearer-token validation, passing every
// request through untouched when auth is disabled.
func RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !IsAuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")

		claims, err := ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "invalid authentication token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// SubjectFromContext returns the authenticated caller's subject, or "" when
// auth is disabled or the request carried no session.
func SubjectFromContext(ctx context.Context) string {
	if claims, ok := ctx.Value(sessionContextKey).(*Claims); ok {
		return claims.Subject
	}
	return ""
}
