//go:generate mockgen -destination=mock_contract_test.go -package=${GOPACKAGE} -source=contract.go
package api

import (
	"context"

	"github.com/funagig/gigrelay/repository"
	"github.com/funagig/gigrelay/session"
)

type SessionService interface {
	Create(ctx context.Context, userID int64) (session.Session, error)
	Lookup(ctx context.Context, token string) (session.Session, error)
	Touch(ctx context.Context, token string) error
	Invalidate(ctx context.Context, token string) error
	CSRFToken(ctx context.Context, token string) (string, error)
	SetCSRFToken(ctx context.Context, token, csrfToken string) error
}

type Store interface {
	AccountByID(ctx context.Context, userID int64) (repository.Account, error)
	AccountByEmail(ctx context.Context, email string) (repository.Account, error)
	Conversation(ctx context.Context, conversationID int64) (repository.Conversation, error)
	CreateMessage(ctx context.Context, conversationID, senderID int64, content string) (repository.Message, error)
	MarkMessagesRead(ctx context.Context, conversationID, readerID int64) (int64, error)
	CreateNotification(ctx context.Context, n repository.Notification) (repository.Notification, error)
	MarkNotificationsRead(ctx context.Context, userID, notificationID int64, all bool) (int64, error)
}
