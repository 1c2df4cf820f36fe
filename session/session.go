// Package session implements the session records shared by the gateway and
// the relay. When the two tiers run as separate processes only the postgres
// backend is visible to both; memory and bbolt serve a single process.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/funagig/gigrelay/internal/apperr"
)

// DefaultTTL is the fixed session lifetime. Activity never extends it.
const DefaultTTL = 24 * time.Hour

var (
	ErrNotFound     = fmt.Errorf("session not found: %w", apperr.ErrAuthentication)
	ErrExpired      = fmt.Errorf("session expired: %w", apperr.ErrAuthentication)
	ErrUserMismatch = fmt.Errorf("session belongs to another user: %w", apperr.ErrAuthentication)
)

// Session is the durable record behind an opaque token.
type Session struct {
	Token        string    `json:"token"`
	UserID       int64     `json:"user_id"`
	CSRFToken    string    `json:"csrf_token,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Store is implemented by the session backends. Get returns ErrNotFound for
// unknown tokens; it does not check expiry. Touch and SetCSRFToken only
// update an existing record and never recreate a deleted one.
type Store interface {
	Put(ctx context.Context, s Session) error
	Get(ctx context.Context, token string) (Session, error)
	Touch(ctx context.Context, token string, at time.Time) error
	SetCSRFToken(ctx context.Context, token, csrfToken string) error
	Delete(ctx context.Context, token string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
