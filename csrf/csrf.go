// Package csrf issues and validates the per-session anti-forgery token that
// every state-changing gateway call must carry.
package csrf

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/funagig/gigrelay/internal/util"
)

// HeaderName is the request header carrying the token.
const HeaderName = "X-CSRF-Token"

// tokenBytes gives a 256-bit token, hex encoded.
const tokenBytes = 32

// DefaultExempt lists the path suffixes that skip validation. Each of these
// endpoints has its own rate-limit policy.
var DefaultExempt = []string{"/login", "/signup", "/forgot-password", "/reset-password"}

// TokenStore persists the token alongside the session it belongs to.
type TokenStore interface {
	CSRFToken(ctx context.Context, sessionToken string) (string, error)
	SetCSRFToken(ctx context.Context, sessionToken, csrfToken string) error
}

// Guard issues and checks tokens.
type Guard struct {
	store    TokenStore
	exempt   []string
	onReject func(r *http.Request, reason string)
}

// Option configures a Guard.
type Option func(*Guard)

// WithExempt replaces the exempt path suffixes.
func WithExempt(suffixes ...string) Option {
	return func(g *Guard) {
		g.exempt = suffixes
	}
}

// WithRejectHook registers a callback invoked whenever the middleware
// refuses a request. The gateway uses it for audit logging.
func WithRejectHook(fn func(r *http.Request, reason string)) Option {
	return func(g *Guard) {
		g.onReject = fn
	}
}

// New creates a Guard backed by store.
func New(store TokenStore, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		exempt: DefaultExempt,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Issue returns the session's token, generating and storing one if the
// session has none yet.
func (g *Guard) Issue(ctx context.Context, sessionToken string) (string, error) {
	current, err := g.store.CSRFToken(ctx, sessionToken)
	if err != nil {
		return "", err
	}
	if current != "" {
		return current, nil
	}
	return g.Rotate(ctx, sessionToken)
}

// Rotate replaces the session's token unconditionally. Called when a new
// session is created.
func (g *Guard) Rotate(ctx context.Context, sessionToken string) (string, error) {
	token, err := util.RandomHex(tokenBytes)
	if err != nil {
		return "", err
	}
	if err := g.store.SetCSRFToken(ctx, sessionToken, token); err != nil {
		return "", fmt.Errorf("storing csrf token: %w", err)
	}
	return token, nil
}

// Validate reports whether supplied matches the session's token.
func (g *Guard) Validate(ctx context.Context, sessionToken, supplied string) bool {
	if sessionToken == "" || supplied == "" {
		return false
	}
	expected, err := g.store.CSRFToken(ctx, sessionToken)
	if err != nil || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(supplied)) == 1
}

// Middleware enforces the token on state-changing requests. sessionToken
// resolves the caller's session from the request; an empty result fails
// validation.
func (g *Guard) Middleware(sessionToken func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if g.isExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			supplied := r.Header.Get(HeaderName)
			if supplied == "" {
				g.reject(w, r, "missing token")
				return
			}
			if !g.Validate(r.Context(), sessionToken(r), supplied) {
				g.reject(w, r, "token mismatch")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Guard) isExempt(path string) bool {
	path = strings.TrimSuffix(path, "/")
	for _, suffix := range g.exempt {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

func (g *Guard) reject(w http.ResponseWriter, r *http.Request, reason string) {
	if g.onReject != nil {
		g.onReject(r, reason)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid CSRF token"})
}
