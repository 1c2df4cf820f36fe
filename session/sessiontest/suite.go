// Package sessiontest holds the behavioral suite every session.Store backend
// must pass.
package sessiontest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/funagig/gigrelay/session"
)

// Run exercises store. Tokens used by the suite are prefixed with "suite-";
// the store should be empty of those on entry.
func Run(t *testing.T, store session.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	newSession := func(token string, userID int64, ttl time.Duration) session.Session {
		return session.Session{
			Token:        token,
			UserID:       userID,
			CreatedAt:    base,
			ExpiresAt:    base.Add(ttl),
			LastActivity: base,
		}
	}

	t.Run("PutAndGet", func(t *testing.T) {
		s := newSession("suite-put", 7, time.Hour)
		s.CSRFToken = "csrf-1"
		if err := store.Put(ctx, s); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := store.Get(ctx, "suite-put")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.UserID != 7 {
			t.Fatalf("got UserID %d, want 7", got.UserID)
		}
		if got.CSRFToken != "csrf-1" {
			t.Fatalf("got CSRFToken %q, want %q", got.CSRFToken, "csrf-1")
		}
		if !got.ExpiresAt.Equal(s.ExpiresAt) {
			t.Fatalf("got ExpiresAt %v, want %v", got.ExpiresAt, s.ExpiresAt)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.Get(ctx, "suite-no-such-token")
		if !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		s := newSession("suite-ow", 1, time.Hour)
		if err := store.Put(ctx, s); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		s.CSRFToken = "rotated"
		if err := store.Put(ctx, s); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := store.Get(ctx, "suite-ow")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.CSRFToken != "rotated" {
			t.Fatalf("got CSRFToken %q, want %q", got.CSRFToken, "rotated")
		}
	})

	t.Run("TouchKeepsExpiry", func(t *testing.T) {
		s := newSession("suite-touch", 3, time.Hour)
		if err := store.Put(ctx, s); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		at := base.Add(30 * time.Minute)
		if err := store.Touch(ctx, "suite-touch", at); err != nil {
			t.Fatalf("Touch failed: %v", err)
		}
		got, err := store.Get(ctx, "suite-touch")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !got.LastActivity.Equal(at) {
			t.Fatalf("got LastActivity %v, want %v", got.LastActivity, at)
		}
		if !got.ExpiresAt.Equal(s.ExpiresAt) {
			t.Fatalf("Touch moved ExpiresAt to %v", got.ExpiresAt)
		}
	})

	t.Run("TouchMissing", func(t *testing.T) {
		err := store.Touch(ctx, "suite-never-existed", base)
		if !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SetCSRFToken", func(t *testing.T) {
		s := newSession("suite-csrf", 4, time.Hour)
		if err := store.Put(ctx, s); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := store.SetCSRFToken(ctx, "suite-csrf", "csrf-2"); err != nil {
			t.Fatalf("SetCSRFToken failed: %v", err)
		}
		got, err := store.Get(ctx, "suite-csrf")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.CSRFToken != "csrf-2" {
			t.Fatalf("got CSRFToken %q, want %q", got.CSRFToken, "csrf-2")
		}
		if got.UserID != 4 || !got.ExpiresAt.Equal(s.ExpiresAt) {
			t.Fatalf("SetCSRFToken changed other fields: %+v", got)
		}
	})

	t.Run("SetCSRFTokenAfterDelete", func(t *testing.T) {
		if err := store.Put(ctx, newSession("suite-csrf-gone", 4, time.Hour)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := store.Delete(ctx, "suite-csrf-gone"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := store.SetCSRFToken(ctx, "suite-csrf-gone", "csrf-3"); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := store.Get(ctx, "suite-csrf-gone"); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("deleted session came back: %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := store.Put(ctx, newSession("suite-del", 1, time.Hour)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := store.Delete(ctx, "suite-del"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := store.Get(ctx, "suite-del"); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("expected session to be deleted, got %v", err)
		}
		if err := store.Delete(ctx, "suite-del"); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("expected ErrNotFound on second delete, got %v", err)
		}
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		live := newSession("suite-live", 1, time.Hour)
		dead := newSession("suite-dead", 1, -time.Minute)
		for _, s := range []session.Session{live, dead} {
			if err := store.Put(ctx, s); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
		n, err := store.DeleteExpired(ctx, base)
		if err != nil {
			t.Fatalf("DeleteExpired failed: %v", err)
		}
		if n < 1 {
			t.Fatalf("expected at least one expired session removed, got %d", n)
		}
		if _, err := store.Get(ctx, "suite-dead"); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("expired session still present: %v", err)
		}
		if _, err := store.Get(ctx, "suite-live"); err != nil {
			t.Fatalf("live session removed: %v", err)
		}
	})
}
