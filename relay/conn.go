package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a connection's position in the authentication state machine.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	}
	return "unknown"
}

// sendBufferSize bounds each connection's outbound queue.
const sendBufferSize = 256

// Close codes carried on the websocket close frame.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseTryAgainLater   = 1013
)

// Conn is one client connection as the relay sees it. The transport drains
// Outbox and tears the socket down once Done is closed.
type Conn struct {
	ID        string
	Addr      string
	CreatedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	state       State
	userID      int64
	attempts    int
	authTimer   *time.Timer
	closeCode   int
	closeReason string
}

func newConn(addr string, now time.Time) *Conn {
	return &Conn{
		ID:        uuid.NewString(),
		Addr:      addr,
		CreatedAt: now,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		state:     StateConnecting,
	}
}

// Outbox yields encoded frames queued for the client.
func (c *Conn) Outbox() <-chan []byte { return c.send }

// Done is closed when the relay has finished with the connection.
func (c *Conn) Done() <-chan struct{} { return c.done }

// State returns the current authentication state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the authenticated user, or zero.
func (c *Conn) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthenticated {
		return 0
	}
	return c.userID
}

// CloseStatus returns the close code and reason recorded when the relay
// closed the connection.
func (c *Conn) CloseStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// enqueue queues a frame without blocking. A full buffer or a closed
// connection drops the frame.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close marks the connection finished. Frames already queued are still
// flushed by the transport before the close frame.
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		if c.authTimer != nil {
			c.authTimer.Stop()
		}
		c.mu.Unlock()
		close(c.done)
	})
}

// reject moves the connection to Rejected unless it is already
// authenticated. It reports whether the transition happened.
func (c *Conn) reject() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateAuthenticated || c.state == StateRejected {
		return false
	}
	c.state = StateRejected
	return true
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
