package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/funagig/gigrelay/bridge"
	"github.com/funagig/gigrelay/internal/apperr"
	"github.com/funagig/gigrelay/repository"
)

// notificationTypeInfo matches the type the web client renders for message
// alerts.
const notificationTypeInfo = "info"

// SendMessage stores a message from the caller and pushes it to the
// conversation through the relay.
func (a *API) SendMessage(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	var req SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.mapError(w, r, err)
		return
	}
	if req.ConversationID <= 0 {
		writeError(w, http.StatusBadRequest, "conversationId must be a positive integer")
		return
	}
	if err := bridge.ValidateContent(req.Content); err != nil {
		a.mapError(w, r, err)
		return
	}

	conv, ok := a.participantConversation(w, r, req.ConversationID, id.UserID)
	if !ok {
		return
	}

	msg, err := a.store.CreateMessage(r.Context(), conv.ID, id.UserID, req.Content)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.publisher.Publish(r.Context(), bridge.EventNewMessage, bridge.NewMessage{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		SenderID:       id.UserID,
		Content:        msg.Content,
	})
	a.notifyRecipient(r.Context(), conv.Recipient(id.UserID), id.UserID)

	writeJSON(w, http.StatusCreated, SendMessageResponse{Message: msg})
}

// notifyRecipient records the "new message" notification and pushes it.
// Failures are logged; the message itself was already delivered.
func (a *API) notifyRecipient(ctx context.Context, recipientID, senderID int64) {
	senderName := "Someone"
	if sender, err := a.store.AccountByID(ctx, senderID); err == nil && sender.Name != "" {
		senderName = sender.Name
	}
	n, err := a.store.CreateNotification(ctx, repository.Notification{
		UserID:  recipientID,
		Title:   "New Message",
		Message: fmt.Sprintf("%s sent you a message", senderName),
		Type:    notificationTypeInfo,
	})
	if err != nil {
		a.logger.Error("creating message notification failed", "recipient", recipientID, "error", err)
		return
	}
	body, err := json.Marshal(n)
	if err != nil {
		a.logger.Error("encoding notification failed", "error", err)
		return
	}
	a.publisher.Publish(ctx, bridge.EventNewNotification, bridge.NewNotification{
		UserID:       recipientID,
		Notification: body,
	})
}

// MarkConversationRead marks the caller's incoming messages as read. The
// relay is only told when something changed.
func (a *API) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	convID, ok := conversationIDParam(w, r)
	if !ok {
		return
	}
	if _, ok := a.participantConversation(w, r, convID, id.UserID); !ok {
		return
	}

	affected, err := a.store.MarkMessagesRead(r.Context(), convID, id.UserID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if affected > 0 {
		a.publisher.Publish(r.Context(), bridge.EventMessagesRead, bridge.MessagesRead{
			ConversationID: convID,
			UserID:         id.UserID,
		})
	}
	writeJSON(w, http.StatusOK, MarkReadResponse{Updated: affected})
}

// Typing relays the caller's typing indicator under their account name.
func (a *API) Typing(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	convID, ok := conversationIDParam(w, r)
	if !ok {
		return
	}
	var req TypingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.mapError(w, r, err)
		return
	}
	if _, ok := a.participantConversation(w, r, convID, id.UserID); !ok {
		return
	}

	account, err := a.store.AccountByID(r.Context(), id.UserID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	name := account.Name
	if bridge.ValidateUserName(name) != nil {
		name = ""
	}
	a.publisher.Publish(r.Context(), bridge.EventTyping, bridge.Typing{
		ConversationID: convID,
		UserID:         id.UserID,
		IsTyping:       req.IsTyping,
		UserName:       name,
	})
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// MarkNotificationsRead marks one or all of the caller's notifications read.
func (a *API) MarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	var req MarkNotificationsReadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.mapError(w, r, err)
		return
	}
	if req.NotificationID < 0 || (!req.MarkAll && req.NotificationID == 0) {
		writeError(w, http.StatusBadRequest, "notificationId or markAll is required")
		return
	}

	affected, err := a.store.MarkNotificationsRead(r.Context(), id.UserID, req.NotificationID, req.MarkAll)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.publisher.Publish(r.Context(), bridge.EventNotificationsRead, bridge.NotificationsRead{
		UserID:         id.UserID,
		NotificationID: req.NotificationID,
		MarkAll:        req.MarkAll,
	})
	writeJSON(w, http.StatusOK, MarkReadResponse{Updated: affected})
}

// participantConversation loads a conversation and checks the caller is one
// of its two parties. It writes the error response itself.
func (a *API) participantConversation(w http.ResponseWriter, r *http.Request, convID, userID int64) (repository.Conversation, bool) {
	conv, err := a.store.Conversation(r.Context(), convID)
	if err != nil {
		a.mapError(w, r, err)
		return repository.Conversation{}, false
	}
	if !conv.HasParticipant(userID) {
		a.audit.logFailure(AuditAccessDenied, r, "not a participant",
			slog.Int64("user_id", userID),
			slog.Int64("conversation_id", convID),
		)
		a.mapError(w, r, fmt.Errorf("conversation %d: %w", convID, apperr.ErrAuthorization))
		return repository.Conversation{}, false
	}
	return conv, true
}

func conversationIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "conversationID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return 0, false
	}
	return id, true
}
