// Package bbolt provides a BBolt-backed session.Store. BBolt takes an
// exclusive file lock, so one database file serves one process; the serve
// command runs both tiers in that process.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/funagig/gigrelay/session"
)

var sessionsBucket = []byte("sessions")

// DefaultLockTimeout bounds the wait for the file lock when NewStoreFromFile
// is given no options, so a second process fails instead of hanging.
const DefaultLockTimeout = 2 * time.Second

// Store implements session.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ session.Store = (*Store)(nil)

// NewStore returns a Store over db, creating the sessions bucket if needed.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating sessions bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at path and returns a Store. Nil
// options wait at most DefaultLockTimeout for the file lock.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	if options == nil {
		options = &bbolt.Options{Timeout: DefaultLockTimeout}
	}
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(_ context.Context, sess session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(sess.Token), data)
	})
}

func (s *Store) Get(_ context.Context, token string) (session.Session, error) {
	var sess session.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get([]byte(token))
		if data == nil {
			return session.ErrNotFound
		}
		return json.Unmarshal(data, &sess)
	})
	if err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *Store) Touch(_ context.Context, token string, at time.Time) error {
	return s.update(token, func(sess *session.Session) {
		sess.LastActivity = at
	})
}

func (s *Store) SetCSRFToken(_ context.Context, token, csrfToken string) error {
	return s.update(token, func(sess *session.Session) {
		sess.CSRFToken = csrfToken
	})
}

// update applies fn to an existing record inside one write transaction.
func (s *Store) update(token string, fn func(*session.Session)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		data := b.Get([]byte(token))
		if data == nil {
			return session.ErrNotFound
		}
		var sess session.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
		}
		fn(&sess)
		updated, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return b.Put([]byte(token), updated)
	})
}

func (s *Store) Delete(_ context.Context, token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get([]byte(token)) == nil {
			return session.ErrNotFound
		}
		return b.Delete([]byte(token))
	})
}

func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		var expired [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sess session.Session
			if err := json.Unmarshal(v, &sess); err != nil || sess.Expired(now) {
				// Corrupt entries go too.
				expired = append(expired, append([]byte(nil), k...))
			}
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	return n, err
}
