// Package memory provides an in-process session.Store. Sessions are lost on
// restart and are not visible to other processes, so it only suits tests and
// the single-process serve mode.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/funagig/gigrelay/session"
)

// Store is a thread-safe in-memory session.Store.
type Store struct {
	mu   sync.RWMutex
	data map[string]session.Session
}

var _ session.Store = (*Store)(nil)

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{data: make(map[string]session.Session)}
}

func (s *Store) Put(_ context.Context, sess session.Session) error {
	s.mu.Lock()
	s.data[sess.Token] = sess
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(_ context.Context, token string) (session.Session, error) {
	s.mu.RLock()
	sess, ok := s.data[token]
	s.mu.RUnlock()
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return sess, nil
}

func (s *Store) Touch(_ context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.data[token]
	if !ok {
		return session.ErrNotFound
	}
	sess.LastActivity = at
	s.data[token] = sess
	return nil
}

func (s *Store) SetCSRFToken(_ context.Context, token, csrfToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.data[token]
	if !ok {
		return session.ErrNotFound
	}
	sess.CSRFToken = csrfToken
	s.data[token] = sess
	return nil
}

func (s *Store) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[token]; !ok {
		return session.ErrNotFound
	}
	delete(s.data, token)
	return nil
}

func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, sess := range s.data {
		if sess.Expired(now) {
			delete(s.data, token)
			n++
		}
	}
	return n, nil
}
