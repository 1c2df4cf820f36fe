package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/funagig/gigrelay/internal/util"
	"github.com/funagig/gigrelay/repository"
)

const maxPasswordLength = 1024

// Login verifies email and password and opens a session. Every failure
// reads the same to the caller.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.mapError(w, r, err)
		return
	}
	email := util.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" || len(req.Password) > maxPasswordLength {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	account, err := a.store.AccountByEmail(r.Context(), email)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		util.ComparePassword("", req.Password)
		a.audit.logFailure(AuditLoginFailure, r, "unknown account")
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	case err != nil:
		a.mapError(w, r, err)
		return
	}
	if !util.ComparePassword(account.PasswordHash, req.Password) {
		a.audit.logFailure(AuditLoginFailure, r, "wrong password", slog.Int64("user_id", account.ID))
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	// Replace whatever session the caller arrived with.
	if old := identityFromContext(r.Context()).SessionToken; old != "" {
		if err := a.sessions.Invalidate(r.Context(), old); err != nil {
			a.logger.Warn("invalidating previous session failed", "error", err)
		}
	}

	sess, err := a.sessions.Create(r.Context(), account.ID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	csrfToken, err := a.csrf.Rotate(r.Context(), sess.Token)
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	writeSessionCookie(w, r, sess.Token, sess.ExpiresAt)
	a.audit.logEvent(AuditLoginSuccess, r, account.ID)
	writeJSON(w, http.StatusOK, LoginResponse{
		User: UserResponse{
			ID:    account.ID,
			Name:  account.Name,
			Email: account.Email,
		},
		SessionToken: sess.Token,
		CSRFToken:    csrfToken,
		ExpiresAt:    sess.ExpiresAt,
	})
}

// Logout invalidates the caller's session and clears the cookie.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	if err := a.sessions.Invalidate(r.Context(), id.SessionToken); err != nil {
		a.mapError(w, r, err)
		return
	}
	clearSessionCookie(w, r)
	a.audit.logEvent(AuditLogout, r, id.UserID)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// CSRFToken returns the token the caller must echo in the X-CSRF-Token
// header, issuing one if the session has none.
func (a *API) CSRFToken(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	token, err := a.csrf.Issue(r.Context(), id.SessionToken)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CSRFTokenResponse{CSRFToken: token})
}
