// Package auth verifies the bearer tokens minted by the hospital's identity
// system and gates the role-restricted assistant features.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sakuramed/safeguard/internal/safety"
)

// Role is the clinical role carried in the token.
type Role string

const (
	RolePhysician    Role = "physician"
	RoleNurse        Role = "nurse"
	RoleAdmin        Role = "admin"
	RoleReceptionist Role = "receptionist"
)

// Claims is the token payload this layer cares about.
type Claims struct {
	UserID string `json:"sub"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	jwt.RegisteredClaims
}

// CanUseDiagnosisAssist gates AI diagnosis support and summary generation.
func (c *Claims) CanUseDiagnosisAssist() bool {
	return c.Role == RolePhysician || c.Role == RoleAdmin
}

// CanViewAuditLogs restricts the audit trail to administrators.
func (c *Claims) CanViewAuditLogs() bool {
	return c.Role == RoleAdmin
}

// Verifier parses and validates HS256 bearer tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses the raw token and returns its claims, rejecting anything not
// signed with HS256 and the shared secret.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no subject")
	}
	if claims.Role == "" {
		return nil, errors.New("token has no role")
	}
	return claims, nil
}

type contextKey struct{}

// FromContext returns the claims the middleware stored for this request.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	return c, ok
}

// WithClaims is used by tests to inject an authenticated user.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// Middleware authenticates every request with a Bearer token. Responses for
// auth failures are written by the caller-supplied writeError so the error
// envelope stays uniform across the API.
func (v *Verifier) Middleware(writeError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, r, safety.PermissionDenied("認証トークンがありません"))
				return
			}
			claims, err := v.Verify(token)
			if err != nil {
				writeError(w, r, safety.PermissionDenied("認証トークンが無効です"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}
