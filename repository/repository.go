// Package repository defines the marketplace records the gateway and the
// relay read or minimally mutate: accounts, two-party conversations,
// messages and notifications.
package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("record not found")

type Account struct {
	ID           int64  `db:"id" json:"id"`
	Name         string `db:"name" json:"name"`
	Email        string `db:"email" json:"email"`
	PasswordHash string `db:"password_hash" json:"-"`
}

// Conversation is always between exactly two users.
type Conversation struct {
	ID      int64 `db:"id"`
	User1ID int64 `db:"user1_id"`
	User2ID int64 `db:"user2_id"`
}

// HasParticipant reports whether userID is one of the two parties.
func (c Conversation) HasParticipant(userID int64) bool {
	return userID > 0 && (c.User1ID == userID || c.User2ID == userID)
}

// Recipient returns the party that is not senderID.
func (c Conversation) Recipient(senderID int64) int64 {
	if c.User1ID == senderID {
		return c.User2ID
	}
	return c.User1ID
}

type Message struct {
	ID             int64     `db:"id" json:"id"`
	ConversationID int64     `db:"conversation_id" json:"conversation_id"`
	SenderID       int64     `db:"sender_id" json:"sender_id"`
	Content        string    `db:"content" json:"content"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

type Notification struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"-"`
	Title     string    `db:"title" json:"title"`
	Message   string    `db:"message" json:"message"`
	Type      string    `db:"type" json:"type"`
	IsRead    bool      `db:"is_read" json:"is_read"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type Accounts interface {
	AccountExists(ctx context.Context, userID int64) (bool, error)
	AccountByID(ctx context.Context, userID int64) (Account, error)
	AccountByEmail(ctx context.Context, email string) (Account, error)
}

type Conversations interface {
	Conversation(ctx context.Context, conversationID int64) (Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
}

type Messages interface {
	CreateMessage(ctx context.Context, conversationID, senderID int64, content string) (Message, error)
	// MarkMessagesRead marks messages sent to readerID as read and returns
	// how many changed.
	MarkMessagesRead(ctx context.Context, conversationID, readerID int64) (int64, error)
}

type Notifications interface {
	CreateNotification(ctx context.Context, n Notification) (Notification, error)
	// MarkNotificationsRead marks one notification, or all of them when all
	// is set, and returns how many changed.
	MarkNotificationsRead(ctx context.Context, userID, notificationID int64, all bool) (int64, error)
}

// Repository is the full set of record operations.
type Repository interface {
	Accounts
	Conversations
	Messages
	Notifications
}
