package relay

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/funagig/gigrelay/internal/apperr"
)

func (r *Relay) handleAuthenticate(ctx context.Context, c *Conn, data json.RawMessage) {
	c.mu.Lock()
	switch c.state {
	case StateAuthenticated:
		c.mu.Unlock()
		r.logger.Warn("relay: repeated authenticate ignored", "conn", c.ID)
		r.reply(c, errorFrame(TypeAuthenticationError, MsgAuthenticationFailed))
		return
	case StateRejected:
		c.mu.Unlock()
		return
	}
	c.state = StateAuthenticating
	c.mu.Unlock()

	var p authenticateIn
	err := decodeData(data, &p)
	if err == nil {
		err = p.validate()
	}
	if err == nil {
		err = r.verify(ctx, p)
	}
	if err != nil {
		r.authFailed(c, p.UserID, err)
		return
	}

	c.mu.Lock()
	if c.state != StateAuthenticating {
		c.mu.Unlock()
		return
	}
	c.state = StateAuthenticated
	c.userID = p.UserID
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.mu.Unlock()

	if !r.registry.bindUser(c, p.UserID) {
		return
	}
	r.metrics.authSuccess.Add(ctx, 1)
	r.logger.Info("relay: authenticated", "conn", c.ID, "user_id", p.UserID)
	r.reply(c, encode(TypeAuthenticated, userBody{UserID: p.UserID}))
	r.broadcastAll(encode(TypeUserOnline, userBody{UserID: p.UserID}), c)
}

// verify runs the authentication procedure against the stores.
func (r *Relay) verify(ctx context.Context, p authenticateIn) error {
	ctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()

	if _, err := r.sessions.Validate(ctx, p.SessionToken, p.UserID); err != nil {
		return err
	}
	if err := r.sessions.Touch(ctx, p.SessionToken); err != nil {
		return err
	}
	ok, err := r.accounts.AccountExists(ctx, p.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return errAccountMissing
	}
	return nil
}

func (r *Relay) authFailed(c *Conn, userID int64, err error) {
	r.metrics.authFailure.Add(context.Background(), 1)

	switch {
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrAuthentication), errors.Is(err, errAccountMissing):
		r.logger.Info("relay: authentication rejected", "conn", c.ID, "user_id", userID, "error", err)
	default:
		r.logger.Error("relay: authentication lookup failed", "conn", c.ID, "user_id", userID, "error", err)
	}

	c.mu.Lock()
	if c.state != StateAuthenticating {
		c.mu.Unlock()
		return
	}
	c.attempts++
	exhausted := c.attempts >= r.maxAuthAttempts
	if exhausted {
		c.state = StateRejected
	}
	c.mu.Unlock()

	r.reply(c, errorFrame(TypeAuthenticationError, MsgAuthenticationFailed))
	if exhausted {
		r.logger.Warn("relay: authentication attempts exhausted", "conn", c.ID, "addr", c.Addr)
		r.forceClose(c, ClosePolicyViolation, "authentication attempts exhausted")
	}
}

// requireUser returns the connection's user or answers Not authenticated.
func (r *Relay) requireUser(c *Conn) (int64, bool) {
	uid := c.UserID()
	if uid == 0 {
		r.reply(c, errorFrame(TypeError, MsgNotAuthenticated))
		return 0, false
	}
	return uid, true
}

// decodeInbound decodes and validates an inbound body, answering Invalid
// message on failure.
func (r *Relay) decodeInbound(c *Conn, data json.RawMessage, v interface{ validate() error }) bool {
	if err := decodeData(data, v); err != nil {
		r.reply(c, errorFrame(TypeError, MsgInvalidMessage))
		return false
	}
	if err := v.validate(); err != nil {
		r.reply(c, errorFrame(TypeError, MsgInvalidMessage))
		return false
	}
	return true
}

func (r *Relay) handleJoin(ctx context.Context, c *Conn, data json.RawMessage) {
	uid, ok := r.requireUser(c)
	if !ok {
		return
	}
	var p conversationIn
	if !r.decodeInbound(c, data, &p) {
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()
	member, err := r.conversations.IsParticipant(lookupCtx, p.ConversationID, uid)
	if err != nil {
		r.logLookupError("relay: participant lookup failed", err, "conn", c.ID, "conversation_id", p.ConversationID)
	}
	if err != nil || !member {
		if err == nil {
			r.logger.Info("relay: join refused", "conn", c.ID, "user_id", uid, "conversation_id", p.ConversationID)
		}
		r.reply(c, errorFrame(TypeError, MsgJoinFailed))
		return
	}
	r.registry.join(conversationRoom(p.ConversationID), c)
}

func (r *Relay) handleLeave(c *Conn, data json.RawMessage) {
	var p conversationIn
	if !r.decodeInbound(c, data, &p) {
		return
	}
	r.registry.leave(conversationRoom(p.ConversationID), c)
}

func (r *Relay) handleNewMessage(ctx context.Context, c *Conn, data json.RawMessage) {
	uid, ok := r.requireUser(c)
	if !ok {
		return
	}
	var p newMessageIn
	if !r.decodeInbound(c, data, &p) {
		return
	}
	if p.SenderID != uid {
		r.logger.Warn("relay: sender mismatch", "conn", c.ID, "user_id", uid, "sender_id", p.SenderID)
		return
	}
	conv, err := r.conversation(ctx, p.ConversationID)
	if err != nil {
		r.logLookupError("relay: conversation lookup failed", err, "conn", c.ID, "conversation_id", p.ConversationID)
		return
	}
	if !conv.HasParticipant(uid) {
		r.logger.Warn("relay: message to foreign conversation", "conn", c.ID, "user_id", uid, "conversation_id", p.ConversationID)
		return
	}
	r.deliverMessage(ctx, messageNotification(p), conv.Recipient(uid))
}

// subscribed reports whether c may speak in the conversation room; refusals
// are logged and otherwise silent.
func (r *Relay) subscribed(c *Conn, uid, conversationID int64) bool {
	if r.registry.InRoom(conversationRoom(conversationID), c.ID) {
		return true
	}
	r.logger.Warn("relay: event for unsubscribed conversation", "conn", c.ID, "user_id", uid, "conversation_id", conversationID)
	return false
}

func (r *Relay) handleTyping(c *Conn, data json.RawMessage) {
	uid, ok := r.requireUser(c)
	if !ok {
		return
	}
	var p typingIn
	if !r.decodeInbound(c, data, &p) {
		return
	}
	if !r.subscribed(c, uid, p.ConversationID) {
		return
	}
	out := userTyping{ConversationID: p.ConversationID, UserID: uid, IsTyping: p.IsTyping, UserName: p.UserName}
	r.broadcast(conversationRoom(p.ConversationID), encode(TypeUserTyping, out), excludeUser(uid))
}

func (r *Relay) handleMarkRead(c *Conn, data json.RawMessage) {
	uid, ok := r.requireUser(c)
	if !ok {
		return
	}
	var p conversationIn
	if !r.decodeInbound(c, data, &p) {
		return
	}
	if !r.subscribed(c, uid, p.ConversationID) {
		return
	}
	out := messagesRead{ConversationID: p.ConversationID, UserID: uid}
	r.broadcast(conversationRoom(p.ConversationID), encode(TypeMessagesRead, out), excludeUser(uid))
}

func (r *Relay) handleNewNotification(c *Conn, data json.RawMessage) {
	if _, ok := r.requireUser(c); !ok {
		return
	}
	var p newNotificationIn
	if !r.decodeInbound(c, data, &p) {
		return
	}
	r.broadcast(userRoom(p.UserID), encode(TypeNotificationReceived, notificationReceived{Notification: p.Notification}), nil)
}
