// Package relay is the real-time half of gigrelay. It authenticates
// long-lived client connections against the shared session store, keeps
// room subscriptions and fans out transient events from clients and from the
// bridge.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/funagig/gigrelay/bridge"
	"github.com/funagig/gigrelay/internal/apperr"
	"github.com/funagig/gigrelay/internal/telemetry"
	"github.com/funagig/gigrelay/repository"
	"github.com/funagig/gigrelay/session"
)

const (
	DefaultAuthTimeout     = 30 * time.Second
	DefaultMaxAuthAttempts = 3
	DefaultMaxConnsPerAddr = 10
	DefaultSweepInterval   = 60 * time.Second
	DefaultLookupTimeout   = 5 * time.Second
)

// Sessions is the part of the session manager the relay authenticates
// against.
type Sessions interface {
	Validate(ctx context.Context, token string, expectedUserID int64) (session.Session, error)
	Touch(ctx context.Context, token string) error
}

// Accounts confirms that an authenticated user still exists.
type Accounts interface {
	AccountExists(ctx context.Context, userID int64) (bool, error)
}

// Conversations answers participation questions.
type Conversations interface {
	Conversation(ctx context.Context, conversationID int64) (repository.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
}

var errAccountMissing = errors.New("account does not exist")

// Relay owns the connection registry and every message handler.
type Relay struct {
	registry      *Registry
	sessions      Sessions
	accounts      Accounts
	conversations Conversations

	authTimeout     time.Duration
	maxAuthAttempts int
	maxConnsPerAddr int
	sweepInterval   time.Duration
	lookupTimeout   time.Duration

	now     func() time.Time
	logger  *slog.Logger
	metrics relayMetrics
}

// Option configures a Relay.
type Option func(*Relay)

// WithAuthTimeout sets how long a connection may stay unauthenticated.
func WithAuthTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.authTimeout = d
		}
	}
}

// WithMaxAuthAttempts sets the failed authentications allowed per connection.
func WithMaxAuthAttempts(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.maxAuthAttempts = n
		}
	}
}

// WithMaxConnectionsPerAddr caps concurrent connections per source address.
func WithMaxConnectionsPerAddr(n int) Option {
	return func(r *Relay) { r.maxConnsPerAddr = n }
}

// WithSweepInterval sets the period of the unauthenticated-connection sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithLookupTimeout bounds each store lookup made while handling a message.
func WithLookupTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.lookupTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// New returns a Relay with no connections.
func New(sessions Sessions, accounts Accounts, conversations Conversations, opts ...Option) *Relay {
	r := &Relay{
		sessions:        sessions,
		accounts:        accounts,
		conversations:   conversations,
		authTimeout:     DefaultAuthTimeout,
		maxAuthAttempts: DefaultMaxAuthAttempts,
		maxConnsPerAddr: DefaultMaxConnsPerAddr,
		sweepInterval:   DefaultSweepInterval,
		lookupTimeout:   DefaultLookupTimeout,
		now:             time.Now,
		logger:          slog.New(slog.NewJSONHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "relay")
	r.registry = NewRegistry(r.maxConnsPerAddr)
	r.metrics = newRelayMetrics()
	return r
}

// Registry exposes the connection registry for inspection.
func (r *Relay) Registry() *Registry { return r.registry }

// Attach registers a new connection from addr and arms its authentication
// timer. When addr is at its cap the returned connection already carries the
// error frame and is closed, and ErrTooManyConnections is returned.
func (r *Relay) Attach(addr string) (*Conn, error) {
	c := newConn(addr, r.now())
	if err := r.registry.add(c); err != nil {
		r.metrics.rejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", "connection_cap")))
		r.logger.Warn("relay: connection cap reached", "addr", addr, "limit", r.maxConnsPerAddr)
		c.mu.Lock()
		c.state = StateRejected
		c.mu.Unlock()
		c.enqueue(errorFrame(TypeError, MsgTooManyConnections))
		c.close(CloseTryAgainLater, "too many connections")
		return c, err
	}

	c.mu.Lock()
	c.authTimer = time.AfterFunc(r.authTimeout, func() { r.authExpired(c) })
	c.mu.Unlock()

	r.metrics.connections.Add(context.Background(), 1)
	r.logger.Debug("relay: connection attached", "conn", c.ID, "addr", addr)
	return c, nil
}

// Detach removes c from the registry. If c still held its user's mapping the
// user is announced offline to everyone else. Detach is idempotent.
func (r *Relay) Detach(c *Conn) {
	c.close(CloseNormal, "")
	rm := r.registry.remove(c)
	if !rm.registered {
		return
	}
	r.metrics.connections.Add(context.Background(), -1)
	r.logger.Debug("relay: connection detached", "conn", c.ID, "user_id", rm.userID)
	if rm.mapped {
		r.broadcastAll(encode(TypeUserOffline, userBody{UserID: rm.userID}), c)
	}
}

// forceClose ends c on the relay's initiative.
func (r *Relay) forceClose(c *Conn, code int, reason string) {
	r.metrics.rejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	c.close(code, reason)
	r.Detach(c)
}

func (r *Relay) authExpired(c *Conn) {
	if !c.reject() {
		return
	}
	r.logger.Info("relay: authentication timeout", "conn", c.ID, "addr", c.Addr)
	c.enqueue(errorFrame(TypeAuthenticationError, MsgAuthenticationFailed))
	r.forceClose(c, ClosePolicyViolation, "authentication timeout")
}

// Sweep force-closes every connection that has not authenticated and
// returns how many were closed.
func (r *Relay) Sweep() int {
	n := 0
	for _, c := range r.registry.all() {
		if !c.reject() {
			continue
		}
		c.enqueue(errorFrame(TypeAuthenticationError, MsgAuthenticationFailed))
		r.forceClose(c, ClosePolicyViolation, "unauthenticated sweep")
		n++
	}
	if n > 0 {
		r.logger.Info("relay: swept unauthenticated connections", "count", n)
	}
	return n
}

// Run sweeps on the configured interval until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Shutdown closes every connection.
func (r *Relay) Shutdown() {
	for _, c := range r.registry.all() {
		c.close(CloseGoingAway, "server shutting down")
		r.Detach(c)
	}
}

// HandleMessage processes one inbound frame from c. Frames from the same
// connection must be handled sequentially; the transport's read loop does
// that.
func (r *Relay) HandleMessage(ctx context.Context, c *Conn, raw []byte) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("relay: handler panic", "conn", c.ID, "panic", p, "stack", string(debug.Stack()))
			r.reply(c, errorFrame(TypeError, MsgInvalidMessage))
		}
	}()
	if c.closed() {
		return
	}

	var msg Message
	if err := decodeData(raw, &msg); err != nil || msg.Type == "" {
		r.reply(c, errorFrame(TypeError, MsgInvalidMessage))
		return
	}
	r.metrics.inbound.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msg.Type)))

	switch msg.Type {
	case TypeAuthenticate:
		r.handleAuthenticate(ctx, c, msg.Data)
	case TypeJoinConversation:
		r.handleJoin(ctx, c, msg.Data)
	case TypeLeaveConversation:
		r.handleLeave(c, msg.Data)
	case TypeNewMessage:
		r.handleNewMessage(ctx, c, msg.Data)
	case TypeTyping:
		r.handleTyping(c, msg.Data)
	case TypeMarkRead:
		r.handleMarkRead(c, msg.Data)
	case TypeNewNotification:
		r.handleNewNotification(c, msg.Data)
	case TypePing:
		r.reply(c, encode(TypePong, nil))
	default:
		r.reply(c, errorFrame(TypeError, MsgUnknownEvent))
	}
}

// Publish fans out an event received over the bridge. It implements
// bridge.Sink.
func (r *Relay) Publish(ctx context.Context, ev bridge.Event) error {
	switch p := ev.Payload.(type) {
	case bridge.NewMessage:
		r.deliverMessage(ctx, messageNotification(p), 0)
	case bridge.Typing:
		r.broadcast(conversationRoom(p.ConversationID), encode(TypeUserTyping, userTyping(p)), excludeUser(p.UserID))
	case bridge.NewNotification:
		r.broadcast(userRoom(p.UserID), encode(TypeNotificationReceived, notificationReceived{Notification: p.Notification}), nil)
	case bridge.MessagesRead:
		r.broadcast(conversationRoom(p.ConversationID), encode(TypeMessagesRead, messagesRead(p)), excludeUser(p.UserID))
	case bridge.NotificationsRead:
		r.broadcast(userRoom(p.UserID), encode(TypeNotificationsRead, notificationsRead(p)), nil)
	default:
		return apperr.Validation("unsupported bridge payload %T", ev.Payload)
	}
	return nil
}

// deliverMessage sends message_received to the conversation room, minus the
// sender's connections, and new_message_notification to the other
// participant. recipient is looked up when zero.
func (r *Relay) deliverMessage(ctx context.Context, m messageNotification, recipient int64) {
	received := messageReceived{
		ConversationID: m.ConversationID,
		MessageID:      m.MessageID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Timestamp:      r.now().UTC(),
	}
	r.broadcast(conversationRoom(m.ConversationID), encode(TypeMessageReceived, received), excludeUser(m.SenderID))

	if recipient == 0 {
		conv, err := r.conversation(ctx, m.ConversationID)
		if err != nil {
			r.logLookupError("relay: recipient lookup failed", err, "conversation_id", m.ConversationID)
			return
		}
		if !conv.HasParticipant(m.SenderID) {
			r.logger.Warn("relay: sender is not a participant", "conversation_id", m.ConversationID, "sender_id", m.SenderID)
			return
		}
		recipient = conv.Recipient(m.SenderID)
	}
	r.broadcast(userRoom(recipient), encode(TypeNewMessageNotification, m), nil)
}

func (r *Relay) conversation(ctx context.Context, id int64) (repository.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()
	return r.conversations.Conversation(ctx, id)
}

// broadcast enqueues frame on every member of room that exclude does not
// match. It returns the number of connections the frame was queued on.
func (r *Relay) broadcast(room string, frame []byte, exclude func(*Conn) bool) int {
	sent := 0
	for _, c := range r.registry.members(room) {
		if exclude != nil && exclude(c) {
			continue
		}
		if r.reply(c, frame) {
			sent++
		}
	}
	return sent
}

// broadcastAll enqueues frame on every connection except skip.
func (r *Relay) broadcastAll(frame []byte, skip *Conn) {
	for _, c := range r.registry.all() {
		if c == skip {
			continue
		}
		r.reply(c, frame)
	}
}

func (r *Relay) reply(c *Conn, frame []byte) bool {
	if c.enqueue(frame) {
		r.metrics.delivered.Add(context.Background(), 1)
		return true
	}
	if !c.closed() {
		r.metrics.dropped.Add(context.Background(), 1)
		r.logger.Warn("relay: send buffer full, dropping frame", "conn", c.ID)
	}
	return false
}

func excludeUser(userID int64) func(*Conn) bool {
	return func(c *Conn) bool { return c.UserID() == userID }
}

func (r *Relay) logLookupError(msg string, err error, args ...any) {
	args = append(args, "error", err)
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, apperr.ErrAuthentication) {
		r.logger.Info(msg, args...)
		return
	}
	r.logger.Error(msg, args...)
}

type relayMetrics struct {
	connections metric.Int64UpDownCounter
	inbound     metric.Int64Counter
	delivered   metric.Int64Counter
	dropped     metric.Int64Counter
	rejected    metric.Int64Counter
	authSuccess metric.Int64Counter
	authFailure metric.Int64Counter
}

func newRelayMetrics() relayMetrics {
	m := telemetry.Meter("relay")
	return relayMetrics{
		connections: telemetry.UpDownCounter(m, "gigrelay.relay.connections", "Live connections"),
		inbound:     telemetry.Counter(m, "gigrelay.relay.inbound", "Inbound frames by type"),
		delivered:   telemetry.Counter(m, "gigrelay.relay.delivered", "Frames queued for clients"),
		dropped:     telemetry.Counter(m, "gigrelay.relay.dropped", "Frames dropped on full send buffers"),
		rejected:    telemetry.Counter(m, "gigrelay.relay.rejected", "Connections closed by policy"),
		authSuccess: telemetry.Counter(m, "gigrelay.relay.auth.success", "Successful authentications"),
		authFailure: telemetry.Counter(m, "gigrelay.relay.auth.failure", "Failed authentications"),
	}
}
