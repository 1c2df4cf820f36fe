package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/funagig/gigrelay/bridge"
	"github.com/funagig/gigrelay/internal/apperr"
)

// Inbound message types.
const (
	TypeAuthenticate      = "authenticate"
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypeNewMessage        = "new_message"
	TypeTyping            = "typing"
	TypeMarkRead          = "mark_read"
	TypeNewNotification   = "new_notification"
	TypePing              = "ping"
)

// Outbound message types.
const (
	TypeAuthenticated          = "authenticated"
	TypeAuthenticationError    = "authentication_error"
	TypeError                  = "error"
	TypeMessageReceived        = "message_received"
	TypeNewMessageNotification = "new_message_notification"
	TypeUserTyping             = "user_typing"
	TypeNotificationReceived   = "notification_received"
	TypeUserOnline             = "user_online"
	TypeUserOffline            = "user_offline"
	TypeMessagesRead           = "messages_read"
	TypeNotificationsRead      = "notifications_read"
	TypePong                   = "pong"
)

// Client-facing error messages. They never carry internal detail.
const (
	MsgAuthenticationFailed = "Authentication failed"
	MsgJoinFailed           = "Unable to join conversation"
	MsgUnknownEvent         = "Unknown event"
	MsgInvalidMessage       = "Invalid message"
	MsgNotAuthenticated     = "Not authenticated"
	MsgTooManyConnections   = "Too many connections"
)

const (
	minSessionTokenLength = 10
	maxSessionTokenLength = 128
)

// Message is the frame exchanged in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func userRoom(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

func conversationRoom(conversationID int64) string {
	return fmt.Sprintf("conversation:%d", conversationID)
}

// encode renders an outbound frame. Payloads are relay-owned structs so a
// marshal failure is a programming error.
func encode(msgType string, data any) []byte {
	if data == nil {
		data = struct{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		panic(fmt.Sprintf("relay: encoding %s: %v", msgType, err))
	}
	out, err := json.Marshal(Message{Type: msgType, Data: raw})
	if err != nil {
		panic(fmt.Sprintf("relay: encoding %s envelope: %v", msgType, err))
	}
	return out
}

func errorFrame(msgType, message string) []byte {
	return encode(msgType, messageBody{Message: message})
}

// decodeData strictly decodes an inbound body. Absent data decodes as {}.
func decodeData(data json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("malformed data: %v", err)
	}
	if dec.More() {
		return apperr.Validation("trailing data")
	}
	return nil
}

func positive(field string, v int64) error {
	if v <= 0 {
		return apperr.Validation("%s must be a positive integer", field)
	}
	return nil
}

// Inbound bodies.

type authenticateIn struct {
	UserID       int64  `json:"userId"`
	SessionToken string `json:"sessionToken"`
}

func (p authenticateIn) validate() error {
	if err := positive("userId", p.UserID); err != nil {
		return err
	}
	n := utf8.RuneCountInString(p.SessionToken)
	if n < minSessionTokenLength || n > maxSessionTokenLength {
		return apperr.Validation("sessionToken length out of range")
	}
	return nil
}

type conversationIn struct {
	ConversationID int64 `json:"conversationId"`
}

func (p conversationIn) validate() error {
	return positive("conversationId", p.ConversationID)
}

type newMessageIn struct {
	ConversationID int64  `json:"conversationId"`
	MessageID      int64  `json:"messageId"`
	SenderID       int64  `json:"senderId"`
	Content        string `json:"content"`
}

func (p newMessageIn) validate() error {
	return bridge.NewMessage(p).Validate()
}

type typingIn struct {
	ConversationID int64  `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
	UserName       string `json:"userName"`
}

func (p typingIn) validate() error {
	if err := positive("conversationId", p.ConversationID); err != nil {
		return err
	}
	return bridge.ValidateUserName(p.UserName)
}

type newNotificationIn struct {
	UserID       int64           `json:"userId"`
	Notification json.RawMessage `json:"notification"`
}

func (p newNotificationIn) validate() error {
	return bridge.NewNotification(p).Validate()
}

// Outbound bodies.

type messageBody struct {
	Message string `json:"message"`
}

type userBody struct {
	UserID int64 `json:"userId"`
}

type messageReceived struct {
	ConversationID int64     `json:"conversationId"`
	MessageID      int64     `json:"messageId"`
	SenderID       int64     `json:"senderId"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

type messageNotification struct {
	ConversationID int64  `json:"conversationId"`
	MessageID      int64  `json:"messageId"`
	SenderID       int64  `json:"senderId"`
	Content        string `json:"content"`
}

type userTyping struct {
	ConversationID int64  `json:"conversationId"`
	UserID         int64  `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
	UserName       string `json:"userName"`
}

type notificationReceived struct {
	Notification json.RawMessage `json:"notification"`
}

type messagesRead struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
}

type notificationsRead struct {
	UserID         int64 `json:"userId"`
	NotificationID int64 `json:"notificationId"`
	MarkAll        bool  `json:"markAll"`
}
