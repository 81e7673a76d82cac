// Package middleware provides HTTP middleware for the promoter API.
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// UserContextKey is the context key for the authenticated user.
	UserContextKey contextKey = "user"

	// UserHeader names the caller. It is recorded as the operator or
	// reviewer when a request body does not name one.
	UserHeader = "X-Promoter-User"
)

// AuthenticatedUser represents an API caller.
type AuthenticatedUser struct {
	Name          string
	Authenticated bool
	// Bound is set when Name comes from the credential rather than the
	// caller's own claim.
	Bound bool
}

var anonymous = &AuthenticatedUser{Name: "anonymous"}

// Auth returns bearer-token middleware. A personal token from
// reviewerTokens (name to token) authenticates its owner. The shared token
// authenticates any caller, who names itself with UserHeader. An empty
// shared token lets callers without a personal token through anonymously.
func Auth(token string, reviewerTokens map[string]string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, hasBearer := bearerToken(r)
			if hasBearer {
				if name, ok := reviewerFor(got, reviewerTokens); ok {
					user := &AuthenticatedUser{Name: name, Authenticated: true, Bound: true}
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserContextKey, user)))
					return
				}
			}
			user := &AuthenticatedUser{Name: strings.TrimSpace(r.Header.Get(UserHeader))}
			if token != "" {
				if !hasBearer || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
					w.Header().Set("WWW-Authenticate", `Bearer realm="promoter"`)
					http.Error(w, "Unauthorized: invalid or missing bearer token", http.StatusUnauthorized)
					return
				}
				user.Authenticated = true
			}
			if user.Name == "" {
				user.Name = anonymous.Name
			}
			ctx := context.WithValue(r.Context(), UserContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// reviewerFor compares got against every personal token.
func reviewerFor(got string, reviewerTokens map[string]string) (string, bool) {
	var owner string
	for name, token := range reviewerTokens {
		if token != "" && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1 {
			owner = name
		}
	}
	return owner, owner != ""
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(auth, "Bearer "), true
}

// GetUser retrieves the caller from the request context. It never returns
// nil.
func GetUser(r *http.Request) *AuthenticatedUser {
	user, ok := r.Context().Value(UserContextKey).(*AuthenticatedUser)
	if !ok {
		return anonymous
	}
	return user
}
