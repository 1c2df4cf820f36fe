package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/funagig/gigrelay/ratelimit"
)

type contextKey int

const identityKey contextKey = iota

const sessionCookieName = "gigrelay_session"

// Identity is the caller resolved for one request. UserID is zero for
// anonymous callers and for requests carrying an unknown or expired session.
type Identity struct {
	SessionToken string
	UserID       int64
	ClientIP     string
}

// Authenticated reports whether a live session backs the request.
func (id Identity) Authenticated() bool {
	return id.UserID > 0
}

// Identity resolves the caller from the session cookie or a bearer token.
// It never rejects: RequireSession does that after rate limiting and CSRF
// have run.
func (a *API) Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Identity{ClientIP: ratelimit.ClientIP(r, a.trustedProxies)}
		if token := sessionTokenFromRequest(r); token != "" {
			sess, err := a.sessions.Lookup(r.Context(), token)
			if err == nil {
				id.SessionToken = sess.Token
				id.UserID = sess.UserID
				if err := a.sessions.Touch(r.Context(), token); err != nil {
					a.logger.Warn("touching session failed", "error", err)
				}
			}
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSession rejects requests without a live session.
func (a *API) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !identityFromContext(r.Context()).Authenticated() {
			a.audit.logFailure(AuditAccessDenied, r, "no session")
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sessionTokenFromRequest prefers the cookie over the Authorization header.
func sessionTokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func identityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey).(Identity)
	return id
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	secure := requestIsSecure(r)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	secure := requestIsSecure(r)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
