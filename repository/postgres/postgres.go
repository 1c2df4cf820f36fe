// Package postgres implements repository.Repository with sqlx and squirrel
// over the pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/funagig/gigrelay/repository"
)

type Repository struct {
	connection *sqlx.DB
}

var _ repository.Repository = (*Repository)(nil)

func New(conn *sqlx.DB) *Repository {
	return &Repository{connection: conn}
}

func (r *Repository) Close() {
	_ = r.connection.Close()
}

func (r *Repository) AccountExists(ctx context.Context, userID int64) (bool, error) {
	query, args, err := sq.
		Select("COUNT(*) > 0").
		From("users").
		Where(sq.Eq{"id": userID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build sql query: %w", err)
	}

	var exists bool
	if err := r.connection.GetContext(ctx, &exists, query, args...); err != nil {
		return false, fmt.Errorf("failed to check account: %w", err)
	}
	return exists, nil
}

func (r *Repository) AccountByID(ctx context.Context, userID int64) (repository.Account, error) {
	return r.account(ctx, sq.Eq{"id": userID})
}

func (r *Repository) AccountByEmail(ctx context.Context, email string) (repository.Account, error) {
	return r.account(ctx, sq.Eq{"email": email})
}

func (r *Repository) account(ctx context.Context, where sq.Eq) (repository.Account, error) {
	query, args, err := sq.
		Select("id", "name", "email", "password_hash").
		From("users").
		Where(where).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return repository.Account{}, fmt.Errorf("failed to build sql query: %w", err)
	}

	var a repository.Account
	err = r.connection.GetContext(ctx, &a, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return repository.Account{}, repository.ErrNotFound
	}
	if err != nil {
		return repository.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

func (r *Repository) Conversation(ctx context.Context, conversationID int64) (repository.Conversation, error) {
	query, args, err := sq.
		Select("id", "user1_id", "user2_id").
		From("conversations").
		Where(sq.Eq{"id": conversationID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return repository.Conversation{}, fmt.Errorf("failed to build sql query: %w", err)
	}

	var c repository.Conversation
	err = r.connection.GetContext(ctx, &c, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return repository.Conversation{}, repository.ErrNotFound
	}
	if err != nil {
		return repository.Conversation{}, fmt.Errorf("failed to get conversation: %w", err)
	}
	return c, nil
}

func (r *Repository) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	query, args, err := sq.
		Select("COUNT(*) > 0").
		From("conversations").
		Where(sq.And{
			sq.Eq{"id": conversationID},
			sq.Or{
				sq.Eq{"user1_id": userID},
				sq.Eq{"user2_id": userID},
			},
		}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build sql query: %w", err)
	}

	var isParticipant bool
	if err := r.connection.GetContext(ctx, &isParticipant, query, args...); err != nil {
		return false, fmt.Errorf("failed to check conversation membership: %w", err)
	}
	return isParticipant, nil
}

func (r *Repository) CreateMessage(ctx context.Context, conversationID, senderID int64, content string) (repository.Message, error) {
	query, args, err := sq.
		Insert("messages").
		Columns("conversation_id", "sender_id", "content").
		Values(conversationID, senderID, content).
		Suffix("RETURNING id, conversation_id, sender_id, content, created_at").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return repository.Message{}, fmt.Errorf("failed to build sql query: %w", err)
	}

	var m repository.Message
	if err := r.connection.GetContext(ctx, &m, query, args...); err != nil {
		return repository.Message{}, fmt.Errorf("failed to save message: %w", err)
	}
	return m, nil
}

func (r *Repository) MarkMessagesRead(ctx context.Context, conversationID, readerID int64) (int64, error) {
	query, args, err := sq.
		Update("messages").
		Set("is_read", true).
		Where(sq.And{
			sq.Eq{"conversation_id": conversationID},
			sq.NotEq{"sender_id": readerID},
			sq.Eq{"is_read": false},
		}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build sql query: %w", err)
	}

	res, err := r.connection.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repository) CreateNotification(ctx context.Context, n repository.Notification) (repository.Notification, error) {
	query, args, err := sq.
		Insert("notifications").
		Columns("user_id", "title", "message", "type").
		Values(n.UserID, n.Title, n.Message, n.Type).
		Suffix("RETURNING id, user_id, title, message, type, is_read, created_at").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return repository.Notification{}, fmt.Errorf("failed to build sql query: %w", err)
	}

	var created repository.Notification
	if err := r.connection.GetContext(ctx, &created, query, args...); err != nil {
		return repository.Notification{}, fmt.Errorf("failed to save notification: %w", err)
	}
	return created, nil
}

func (r *Repository) MarkNotificationsRead(ctx context.Context, userID, notificationID int64, all bool) (int64, error) {
	where := sq.And{
		sq.Eq{"user_id": userID},
		sq.Eq{"is_read": false},
	}
	if !all {
		where = append(where, sq.Eq{"id": notificationID})
	}
	query, args, err := sq.
		Update("notifications").
		Set("is_read", true).
		Where(where).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build sql query: %w", err)
	}

	res, err := r.connection.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return res.RowsAffected()
}
