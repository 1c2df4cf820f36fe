// Package postgres implements session.Store backed by PostgreSQL. This is
// the backend the gateway and relay share when deployed as separate
// processes. The sessions table is created by the migrations in
// internal/db/migrations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/funagig/gigrelay/session"
)

// Store implements session.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ session.Store = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, checks
// connectivity and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return NewStore(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Put(ctx context.Context, sess session.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (token, user_id, csrf_token, created_at, expires_at, last_activity)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (token)
		 DO UPDATE SET user_id = $2, csrf_token = $3, expires_at = $5, last_activity = $6`,
		sess.Token, sess.UserID, sess.CSRFToken, sess.CreatedAt, sess.ExpiresAt, sess.LastActivity)
	return err
}

func (s *Store) Get(ctx context.Context, token string) (session.Session, error) {
	sess := session.Session{Token: token}
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, csrf_token, created_at, expires_at, last_activity
		 FROM sessions WHERE token = $1`,
		token).Scan(&sess.UserID, &sess.CSRFToken, &sess.CreatedAt, &sess.ExpiresAt, &sess.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *Store) Touch(ctx context.Context, token string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET last_activity = $2 WHERE token = $1`, token, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) SetCSRFToken(ctx context.Context, token, csrfToken string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET csrf_token = $2 WHERE token = $1`, token, csrfToken)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, token string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
