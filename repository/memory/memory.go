// Package memory provides an in-process repository.Repository for tests and
// local development.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/funagig/gigrelay/repository"
)

type storedMessage struct {
	repository.Message
	read bool
}

// Repository is a thread-safe in-memory repository.Repository.
type Repository struct {
	mu            sync.RWMutex
	accounts      map[int64]repository.Account
	conversations map[int64]repository.Conversation
	messages      []storedMessage
	notifications []repository.Notification
	nextID        int64
}

var _ repository.Repository = (*Repository)(nil)

func New() *Repository {
	return &Repository{
		accounts:      make(map[int64]repository.Account),
		conversations: make(map[int64]repository.Conversation),
	}
}

// AddAccount seeds an account.
func (r *Repository) AddAccount(a repository.Account) {
	r.mu.Lock()
	r.accounts[a.ID] = a
	r.mu.Unlock()
}

// AddConversation seeds a conversation.
func (r *Repository) AddConversation(c repository.Conversation) {
	r.mu.Lock()
	r.conversations[c.ID] = c
	r.mu.Unlock()
}

// Notifications returns a copy of the stored notifications for userID.
func (r *Repository) Notifications(userID int64) []repository.Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []repository.Notification
	for _, n := range r.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

func (r *Repository) AccountExists(_ context.Context, userID int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.accounts[userID]
	return ok, nil
}

func (r *Repository) AccountByID(_ context.Context, userID int64) (repository.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[userID]
	if !ok {
		return repository.Account{}, repository.ErrNotFound
	}
	return a, nil
}

func (r *Repository) AccountByEmail(_ context.Context, email string) (repository.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.accounts {
		if strings.EqualFold(a.Email, email) {
			return a, nil
		}
	}
	return repository.Account{}, repository.ErrNotFound
}

func (r *Repository) Conversation(_ context.Context, conversationID int64) (repository.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[conversationID]
	if !ok {
		return repository.Conversation{}, repository.ErrNotFound
	}
	return c, nil
}

func (r *Repository) IsParticipant(_ context.Context, conversationID, userID int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[conversationID]
	return ok && c.HasParticipant(userID), nil
}

func (r *Repository) CreateMessage(_ context.Context, conversationID, senderID int64, content string) (repository.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	m := repository.Message{
		ID:             r.nextID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	r.messages = append(r.messages, storedMessage{Message: m})
	return m, nil
}

func (r *Repository) MarkMessagesRead(_ context.Context, conversationID, readerID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for i := range r.messages {
		m := &r.messages[i]
		if m.ConversationID == conversationID && m.SenderID != readerID && !m.read {
			m.read = true
			n++
		}
	}
	return n, nil
}

func (r *Repository) CreateNotification(_ context.Context, n repository.Notification) (repository.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	n.ID = r.nextID
	n.CreatedAt = time.Now().UTC()
	r.notifications = append(r.notifications, n)
	return n, nil
}

func (r *Repository) MarkNotificationsRead(_ context.Context, userID, notificationID int64, all bool) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for i := range r.notifications {
		nt := &r.notifications[i]
		if nt.UserID != userID || nt.IsRead {
			continue
		}
		if all || nt.ID == notificationID {
			nt.IsRead = true
			n++
		}
	}
	return n, nil
}
