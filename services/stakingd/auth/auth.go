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

type contextKey string

const contextKeyPrincipal contextKey = "stakingd_principal"

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject string
	Scopes  map[string]struct{}
}

// HasScope reports whether the principal was granted scope.
func (p Principal) HasScope(scope string) bool {
	_, ok := p.Scopes[scope]
	return ok
}

// Config configures HS256 bearer token verification.
type Config struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
	Now      func() time.Time
}

// Authenticator verifies bearer tokens and stores the principal on the
// request context.
type Authenticator struct {
	cfg Config
}

// New constructs an Authenticator.
func New(cfg Config) (*Authenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: hmac secret required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Authenticator{cfg: cfg}, nil
}

// Verify parses token and returns the principal it names.
func (a *Authenticator) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, errors.New("auth: missing bearer token")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.cfg.Leeway),
		jwt.WithTimeFunc(a.cfg.Now),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("auth: %w", err)
	}
	if !parsed.Valid {
		return Principal{}, errors.New("auth: invalid token")
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return Principal{}, errors.New("auth: subject claim required")
	}
	return Principal{Subject: strings.TrimSpace(subject), Scopes: scopes(claims)}, nil
}

// scopes accepts either a space separated "scope" string or a "scopes" list.
func scopes(claims jwt.MapClaims) map[string]struct{} {
	out := make(map[string]struct{})
	if raw, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(raw) {
			out[s] = struct{}{}
		}
	}
	if list, ok := claims["scopes"].([]interface{}); ok {
		for _, item := range list {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out[strings.TrimSpace(s)] = struct{}{}
			}
		}
	}
	return out
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			unauthorized(w, "missing bearer token")
			return
		}
		principal, err := a.Verify(header[len("bearer "):])
		if err != nil {
			unauthorized(w, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// RequireScope rejects principals that lack scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := FromContext(r.Context())
			if !ok || !principal.HasScope(scope) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"forbidden","message":"missing scope ` + scope + `"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","message":"` + message + `"}`))
}

// WithPrincipal stores principal on ctx.
func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, principal)
}

// FromContext returns the principal stored by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(contextKeyPrincipal).(Principal)
	return principal, ok
}

// Subject returns the authenticated caller ID or "".
func Subject(ctx context.Context) string {
	principal, _ := FromContext(ctx)
	return principal.Subject
}
