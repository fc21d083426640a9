// Package auth validates bearer tokens and carries the caller's identity
// through request contexts.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// UserClaims are the claims the server reads from an access token.
type UserClaims struct {
	Email         string   `json:"email,omitempty"`
	EmailVerified bool     `json:"email_verified,omitempty"`
	Name          string   `json:"name,omitempty"`
	TokenUse      string   `json:"token_use"`
	Scope         string   `json:"scope,omitempty"`
	AuthTime      int64    `json:"auth_time,omitempty"`
	ClientID      string   `json:"client_id,omitempty"`
	Username      string   `json:"username"`
	Groups        []string `json:"cognito:groups,omitempty"`
	Admin         bool     `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Validator turns a raw token into claims.
type Validator interface {
	ValidateToken(token string) (*UserClaims, error)
}

type ctxKey struct{}

// WithUser returns a context carrying claims.
func WithUser(ctx context.Context, claims *UserClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, claims)
}

// UserFromContext extracts user claims from request context
func UserFromContext(ctx context.Context) (*UserClaims, bool) {
	user, ok := ctx.Value(ctxKey{}).(*UserClaims)
	return user, ok && user != nil
}

// tokenFrom reads a bearer token, or the token query parameter on websocket
// upgrades where browsers cannot set headers.
func tokenFrom(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		tok, ok := strings.CutPrefix(h, "Bearer ")
		return strings.TrimSpace(tok), ok && strings.TrimSpace(tok) != ""
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		if tok := r.URL.Query().Get("token"); tok != "" {
			return tok, true
		}
	}
	return "", false
}

// Middleware authenticates every request with v and stores the claims in
// the request context.
func Middleware(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			tok, ok := tokenFrom(r)
			if !ok {
				http.Error(w, "Bearer token required", http.StatusUnauthorized)
				return
			}
			claims, err := v.ValidateToken(tok)
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), claims)))
		})
	}
}
