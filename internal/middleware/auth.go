package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
)

type ctxKey int

const claimsKey ctxKey = iota

const RoleAdmin = "admin"

// Claims is the identity carried by a bearer token. Subject is the user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens. Tokens are issued elsewhere.
type Authenticator struct {
	Secret []byte
	// SkipPrefixes are paths served without a token.
	SkipPrefixes []string
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		Secret:       []byte(secret),
		SkipPrefixes: []string{"/health", "/webhooks/", "/api/billing/plans"},
	}
}

func (a *Authenticator) shouldSkip(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return true
	}
	for _, p := range a.SkipPrefixes {
		if strings.HasPrefix(r.URL.Path, p) {
			// plan changes still need a token
			if p == "/api/billing/plans" && r.Method != http.MethodGet {
				return false
			}
			return true
		}
	}
	return false
}

// Parse validates a token string and returns its claims.
func (a *Authenticator) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// bearer reads the token from the Authorization header, or from access_token for
// websocket upgrades where browsers cannot set headers.
func bearer(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}

// Middleware rejects requests without a valid token and stores the claims in the
// request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.shouldSkip(r) {
			next.ServeHTTP(w, r)
			return
		}
		tok := bearer(r)
		if tok == "" {
			respond(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := a.Parse(tok)
		if err != nil {
			respond(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok && c != nil
}

// SelfOnly rejects requests whose {userId} route variable differs from the token
// subject. Admins may act on any user. Routes without {userId} pass through.
func SelfOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mux.Vars(r)["userId"]
		if !ok {
			userID = r.URL.Query().Get("userId")
		}
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}
		c, ok := ClaimsFrom(r.Context())
		if !ok {
			respond(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if c.Subject != userID && c.Role != RoleAdmin {
			respond(w, http.StatusForbidden, "not allowed to act for this user")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AdminOnly requires the admin role.
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := ClaimsFrom(r.Context())
		if !ok {
			respond(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if c.Role != RoleAdmin {
			respond(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respond(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": false, "message": message})
}
