// Package bridge carries events one way from the stateless gateway into the
// relay. Delivery is best effort: publishers never block or fail their
// caller, and the receiving side validates everything before fan-out.
package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/funagig/gigrelay/internal/apperr"
)

// EventType names a bridge event. Only the constants below are accepted.
type EventType string

const (
	EventNewMessage        EventType = "new_message"
	EventTyping            EventType = "typing"
	EventNewNotification   EventType = "new_notification"
	EventMessagesRead      EventType = "messages_read"
	EventNotificationsRead EventType = "notifications_read"
)

// Valid reports whether t is on the allow-list.
func (t EventType) Valid() bool {
	switch t {
	case EventNewMessage, EventTyping, EventNewNotification, EventMessagesRead, EventNotificationsRead:
		return true
	}
	return false
}

const (
	MaxContentLength     = 10000
	MaxUserNameLength    = 100
	MaxNotificationBytes = 8 << 10
)

// Payload is implemented by every event body.
type Payload interface {
	Validate() error
}

type NewMessage struct {
	ConversationID int64  `json:"conversationId"`
	MessageID      int64  `json:"messageId"`
	SenderID       int64  `json:"senderId"`
	Content        string `json:"content"`
}

func (p NewMessage) Validate() error {
	if err := positive("conversationId", p.ConversationID); err != nil {
		return err
	}
	if err := positive("messageId", p.MessageID); err != nil {
		return err
	}
	if err := positive("senderId", p.SenderID); err != nil {
		return err
	}
	return ValidateContent(p.Content)
}

type Typing struct {
	ConversationID int64  `json:"conversationId"`
	UserID         int64  `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
	UserName       string `json:"userName"`
}

func (p Typing) Validate() error {
	if err := positive("conversationId", p.ConversationID); err != nil {
		return err
	}
	if err := positive("userId", p.UserID); err != nil {
		return err
	}
	return ValidateUserName(p.UserName)
}

type NewNotification struct {
	UserID       int64           `json:"userId"`
	Notification json.RawMessage `json:"notification"`
}

func (p NewNotification) Validate() error {
	if err := positive("userId", p.UserID); err != nil {
		return err
	}
	return ValidateNotification(p.Notification)
}

type MessagesRead struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
}

func (p MessagesRead) Validate() error {
	if err := positive("conversationId", p.ConversationID); err != nil {
		return err
	}
	return positive("userId", p.UserID)
}

type NotificationsRead struct {
	UserID         int64 `json:"userId"`
	NotificationID int64 `json:"notificationId,omitempty"`
	MarkAll        bool  `json:"markAll"`
}

func (p NotificationsRead) Validate() error {
	if err := positive("userId", p.UserID); err != nil {
		return err
	}
	if !p.MarkAll {
		return positive("notificationId", p.NotificationID)
	}
	if p.NotificationID < 0 {
		return apperr.Validation("notificationId must not be negative")
	}
	return nil
}

// Event is a validated, typed bridge event.
type Event struct {
	Type    EventType
	Payload Payload
}

// Envelope is the wire form posted to the relay.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEvent pairs t with payload after checking that payload is the body t
// expects and that it is valid.
func NewEvent(t EventType, payload any) (Event, error) {
	p, ok := payload.(Payload)
	if !ok {
		return Event{}, apperr.Validation("payload %T is not an event body", payload)
	}
	switch t {
	case EventNewMessage:
		_, ok = p.(NewMessage)
	case EventTyping:
		_, ok = p.(Typing)
	case EventNewNotification:
		_, ok = p.(NewNotification)
	case EventMessagesRead:
		_, ok = p.(MessagesRead)
	case EventNotificationsRead:
		_, ok = p.(NotificationsRead)
	default:
		return Event{}, apperr.Validation("unknown event type %q", t)
	}
	if !ok {
		return Event{}, apperr.Validation("payload %T does not match event %q", p, t)
	}
	if err := p.Validate(); err != nil {
		return Event{}, err
	}
	return Event{Type: t, Payload: p}, nil
}

// Encode renders ev as an Envelope.
func (ev Event) Encode() (Envelope, error) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", ev.Type, err)
	}
	return Envelope{Event: ev.Type, Data: data}, nil
}

// Decode parses and validates the body of a t event. Unknown event types,
// unknown fields and out-of-range values are rejected.
func Decode(t EventType, data []byte) (Event, error) {
	var p Payload
	var err error
	switch t {
	case EventNewMessage:
		p, err = decodeStrict[NewMessage](data)
	case EventTyping:
		p, err = decodeStrict[Typing](data)
	case EventNewNotification:
		p, err = decodeStrict[NewNotification](data)
	case EventMessagesRead:
		p, err = decodeStrict[MessagesRead](data)
	case EventNotificationsRead:
		p, err = decodeStrict[NotificationsRead](data)
	default:
		return Event{}, apperr.Validation("unknown event type %q", t)
	}
	if err != nil {
		return Event{}, err
	}
	if err := p.Validate(); err != nil {
		return Event{}, err
	}
	return Event{Type: t, Payload: p}, nil
}

func decodeStrict[T any](data []byte) (T, error) {
	var v T
	if len(bytes.TrimSpace(data)) == 0 {
		return v, apperr.Validation("missing data")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, apperr.Validation("malformed data: %v", err)
	}
	if dec.More() {
		return v, apperr.Validation("trailing data")
	}
	return v, nil
}

// ValidateContent checks a chat message body.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return apperr.Validation("content must not be empty")
	}
	if !utf8.ValidString(content) {
		return apperr.Validation("content must be valid UTF-8")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return apperr.Validation("content exceeds %d characters", MaxContentLength)
	}
	return nil
}

// ValidateUserName checks the display name carried by typing events.
func ValidateUserName(name string) error {
	if !utf8.ValidString(name) {
		return apperr.Validation("userName must be valid UTF-8")
	}
	if utf8.RuneCountInString(name) > MaxUserNameLength {
		return apperr.Validation("userName exceeds %d characters", MaxUserNameLength)
	}
	return nil
}

// ValidateNotification requires a JSON object no larger than
// MaxNotificationBytes.
func ValidateNotification(raw json.RawMessage) error {
	if len(raw) > MaxNotificationBytes {
		return apperr.Validation("notification exceeds %d bytes", MaxNotificationBytes)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return apperr.Validation("notification must be a JSON object")
	}
	return nil
}

func positive(field string, v int64) error {
	if v <= 0 {
		return apperr.Validation("%s must be a positive integer", field)
	}
	return nil
}
