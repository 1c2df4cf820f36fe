package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funagig/gigrelay/repository"
)

func TestRepository(t *testing.T) {
	ctx := context.Background()
	r := New()
	r.AddAccount(repository.Account{ID: 1, Name: "Alice", Email: "alice@example.com"})
	r.AddAccount(repository.Account{ID: 2, Name: "Bob", Email: "bob@example.com"})
	r.AddConversation(repository.Conversation{ID: 7, User1ID: 1, User2ID: 2})

	t.Run("Accounts", func(t *testing.T) {
		ok, err := r.AccountExists(ctx, 1)
		require.NoError(t, err)
		assert.True(t, ok)

		a, err := r.AccountByEmail(ctx, "BOB@example.com")
		require.NoError(t, err)
		assert.Equal(t, int64(2), a.ID)

		_, err = r.AccountByID(ctx, 3)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("Participants", func(t *testing.T) {
		ok, _ := r.IsParticipant(ctx, 7, 2)
		assert.True(t, ok)
		ok, _ = r.IsParticipant(ctx, 7, 3)
		assert.False(t, ok)
		ok, _ = r.IsParticipant(ctx, 8, 1)
		assert.False(t, ok)

		c, err := r.Conversation(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(2), c.Recipient(1))
		assert.Equal(t, int64(1), c.Recipient(2))
	})

	t.Run("MarkRead", func(t *testing.T) {
		_, err := r.CreateMessage(ctx, 7, 1, "hi")
		require.NoError(t, err)
		_, err = r.CreateMessage(ctx, 7, 1, "still there?")
		require.NoError(t, err)

		n, _ := r.MarkMessagesRead(ctx, 7, 1)
		assert.Zero(t, n)
		n, _ = r.MarkMessagesRead(ctx, 7, 2)
		assert.Equal(t, int64(2), n)
		n, _ = r.MarkMessagesRead(ctx, 7, 2)
		assert.Zero(t, n)
	})

	t.Run("Notifications", func(t *testing.T) {
		first, _ := r.CreateNotification(ctx, repository.Notification{UserID: 2, Title: "a"})
		r.CreateNotification(ctx, repository.Notification{UserID: 2, Title: "b"})
		r.CreateNotification(ctx, repository.Notification{UserID: 1, Title: "c"})

		n, _ := r.MarkNotificationsRead(ctx, 2, first.ID, false)
		assert.Equal(t, int64(1), n)
		n, _ = r.MarkNotificationsRead(ctx, 2, 0, true)
		assert.Equal(t, int64(1), n)
		assert.Len(t, r.Notifications(2), 2)
		assert.False(t, r.Notifications(1)[0].IsRead)
	})
}
