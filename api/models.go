package api

import (
	"time"

	"github.com/funagig/gigrelay/repository"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// LoginRequest is the JSON body for POST /login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserResponse describes the authenticated account.
type UserResponse struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// LoginResponse is returned from POST /login.
type LoginResponse struct {
	User         UserResponse `json:"user"`
	SessionToken string       `json:"session_token"`
	CSRFToken    string       `json:"csrf_token"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

// CSRFTokenResponse is returned from GET /csrf-token.
type CSRFTokenResponse struct {
	CSRFToken string `json:"csrf_token"`
}

// SendMessageRequest is the JSON body for POST /messages.
type SendMessageRequest struct {
	ConversationID int64  `json:"conversationId"`
	Content        string `json:"content"`
}

// SendMessageResponse is returned from POST /messages.
type SendMessageResponse struct {
	Message repository.Message `json:"message"`
}

// TypingRequest is the JSON body for POST /conversations/{id}/typing.
type TypingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// MarkNotificationsReadRequest is the JSON body for POST /notifications/read.
// Either NotificationID or MarkAll must be set.
type MarkNotificationsReadRequest struct {
	NotificationID int64 `json:"notificationId,omitempty"`
	MarkAll        bool  `json:"markAll"`
}

// MarkReadResponse reports how many records changed.
type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}

// SuccessResponse acknowledges calls with nothing else to return.
type SuccessResponse struct {
	Success bool `json:"success"`
}
