package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/funagig/gigrelay/internal/apperr"
	"github.com/funagig/gigrelay/internal/util"
)

const (
	tokenBytes           = 32
	defaultPurgeInterval = 5 * time.Minute
)

// Manager implements session lifecycle on top of a Store.
type Manager struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger used by the purge loop.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	m.logger = m.logger.With("component", "session")
	return m
}

// Create starts a session for userID.
func (m *Manager) Create(ctx context.Context, userID int64) (Session, error) {
	if userID <= 0 {
		return Session{}, apperr.Validation("user id must be positive")
	}
	token, err := util.RandomHex(tokenBytes)
	if err != nil {
		return Session{}, apperr.Internal("generating session token", err)
	}
	now := m.now()
	s := Session{
		Token:        token,
		UserID:       userID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
		LastActivity: now,
	}
	if err := m.store.Put(ctx, s); err != nil {
		return Session{}, apperr.Internal("storing session", err)
	}
	return s, nil
}

// Validate loads the session for token and checks that it belongs to
// expectedUserID and has not expired.
func (m *Manager) Validate(ctx context.Context, token string, expectedUserID int64) (Session, error) {
	s, err := m.Lookup(ctx, token)
	if err != nil {
		return Session{}, err
	}
	if s.UserID != expectedUserID {
		return Session{}, ErrUserMismatch
	}
	return s, nil
}

// Lookup loads a non-expired session without an expected owner. Expired
// records are deleted on sight.
func (m *Manager) Lookup(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return Session{}, ErrNotFound
	}
	s, err := m.store.Get(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, apperr.Internal("loading session", err)
	}
	if s.Expired(m.now()) {
		if err := m.store.Delete(ctx, token); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Warn("deleting expired session failed", "error", err)
		}
		return Session{}, ErrExpired
	}
	return s, nil
}

// Touch records activity. ExpiresAt is left unchanged.
func (m *Manager) Touch(ctx context.Context, token string) error {
	err := m.store.Touch(ctx, token, m.now())
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return apperr.Internal("touching session", err)
	}
	return nil
}

// Invalidate ends a session. Unknown tokens are not an error.
func (m *Manager) Invalidate(ctx context.Context, token string) error {
	err := m.store.Delete(ctx, token)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return apperr.Internal("deleting session", err)
	}
	return nil
}

// CSRFToken returns the anti-forgery token stored on the session, or "" if
// none has been issued.
func (m *Manager) CSRFToken(ctx context.Context, token string) (string, error) {
	s, err := m.Lookup(ctx, token)
	if err != nil {
		return "", err
	}
	return s.CSRFToken, nil
}

// SetCSRFToken stores csrfToken on a live session. A session invalidated
// concurrently stays invalidated and ErrNotFound is returned.
func (m *Manager) SetCSRFToken(ctx context.Context, token, csrfToken string) error {
	if _, err := m.Lookup(ctx, token); err != nil {
		return err
	}
	err := m.store.SetCSRFToken(ctx, token, csrfToken)
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return apperr.Internal("storing csrf token", err)
	}
	return nil
}

// Run purges expired sessions every interval until ctx is done. A zero
// interval uses the default of five minutes.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPurgeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.DeleteExpired(ctx, m.now())
			if err != nil {
				m.logger.Warn("purging expired sessions failed", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Debug("purged expired sessions", "count", n)
			}
		}
	}
}
