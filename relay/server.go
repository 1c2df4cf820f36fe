package relay

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/funagig/gigrelay/bridge"
	"github.com/funagig/gigrelay/ratelimit"
)

const (
	defaultPingInterval = 25 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 64 << 10
)

// Server is the relay's HTTP surface: the websocket endpoint, the bridge
// receiver, health and stats.
type Server struct {
	relay          *Relay
	receiver       http.Handler
	upgrader       websocket.Upgrader
	allowedOrigins map[string]struct{}
	trustedProxies []netip.Prefix
	statsPeers     []netip.Prefix
	pingInterval   time.Duration
	pongWait       time.Duration
	writeTimeout   time.Duration
	readLimit      int64
	logger         *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAllowedOrigins restricts browser origins allowed to open a socket. An
// empty list allows every origin.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		for _, o := range origins {
			o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
			if o != "" {
				s.allowedOrigins[o] = struct{}{}
			}
		}
	}
}

// WithTrustedProxies makes the per-address cap key on the forwarded client
// address when the peer is one of prefixes. Without it the TCP peer is used.
func WithTrustedProxies(prefixes []netip.Prefix) ServerOption {
	return func(s *Server) { s.trustedProxies = prefixes }
}

// WithStatsPeers sets who may read /stats. Loopback by default.
func WithStatsPeers(prefixes []netip.Prefix) ServerOption {
	return func(s *Server) {
		if len(prefixes) > 0 {
			s.statsPeers = prefixes
		}
	}
}

// WithKeepalive overrides the ping interval and pong wait.
func WithKeepalive(pingInterval, pongWait time.Duration) ServerOption {
	return func(s *Server) {
		if pingInterval > 0 {
			s.pingInterval = pingInterval
		}
		if pongWait > 0 {
			s.pongWait = pongWait
		}
	}
}

// WithServerLogger sets the structured logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer wires the relay and the bridge receiver behind one router.
func NewServer(relay *Relay, receiver http.Handler, opts ...ServerOption) *Server {
	s := &Server{
		relay:          relay,
		receiver:       receiver,
		allowedOrigins: make(map[string]struct{}),
		statsPeers:     bridge.DefaultAllowedPeers,
		pingInterval:   defaultPingInterval,
		pongWait:       defaultPongWait,
		writeTimeout:   defaultWriteTimeout,
		readLimit:      defaultReadLimit,
		logger:         slog.New(slog.NewJSONHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "relay")
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router returns the HTTP handler for the relay.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/stats", s.handleStats)
	if s.receiver != nil {
		r.Method(http.MethodPost, "/emit", s.receiver)
	}
	r.Get("/ws", s.ServeWS)
	return r
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !bridge.PeerAllowed(r.RemoteAddr, s.statsPeers) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.relay.Registry().Stats(r.URL.Query().Get("detail") == "1"))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	_, ok := s.allowedOrigins[strings.ToLower(u.Scheme+"://"+u.Host)]
	return ok
}

// clientAddr is the key for the per-address connection cap.
func (s *Server) clientAddr(r *http.Request) string {
	if len(s.trustedProxies) > 0 {
		return ratelimit.ClientIP(r, s.trustedProxies)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ServeWS upgrades the request and runs the connection until either side
// closes it.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("relay: upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c, err := s.relay.Attach(s.clientAddr(r))
	if err != nil {
		s.writePump(ws, c)
		return
	}
	go s.writePump(ws, c)
	s.readPump(r, ws, c)
}

// readPump feeds inbound frames to the relay one at a time.
func (s *Server) readPump(r *http.Request, ws *websocket.Conn, c *Conn) {
	defer s.relay.Detach(c)

	ws.SetReadLimit(s.readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(s.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("relay: read failed", "conn", c.ID, "error", err)
			}
			return
		}
		s.relay.HandleMessage(r.Context(), c, frame)
	}
}

// writePump is the only writer on ws. Once the relay closes c it flushes
// what is queued and sends the close frame.
func (s *Server) writePump(ws *websocket.Conn, c *Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case frame := <-c.Outbox():
			if !s.write(ws, c, websocket.TextMessage, frame) {
				return
			}
		case <-c.Done():
			s.flush(ws, c)
			return
		case <-ticker.C:
			if !s.write(ws, c, websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// flush writes whatever is still queued on c, then the close frame.
func (s *Server) flush(ws *websocket.Conn, c *Conn) {
	for {
		select {
		case frame := <-c.Outbox():
			if !s.write(ws, c, websocket.TextMessage, frame) {
				return
			}
		default:
			code, reason := c.CloseStatus()
			if code == 0 {
				code = CloseNormal
			}
			s.write(ws, c, websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			return
		}
	}
}

func (s *Server) write(ws *websocket.Conn, c *Conn, messageType int, data []byte) bool {
	_ = ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := ws.WriteMessage(messageType, data); err != nil {
		s.logger.Debug("relay: write failed", "conn", c.ID, "error", err)
		return false
	}
	return true
}
