package bridge

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"

	"github.com/funagig/gigrelay/internal/apperr"
)

const maxEnvelopeBytes = 64 << 10

// DefaultAllowedPeers admits loopback callers only.
var DefaultAllowedPeers = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
}

// Receiver is the relay-side HTTP endpoint for bridge events.
type Receiver struct {
	sink    Sink
	allowed []netip.Prefix
	signer  *Signer
	logger  *slog.Logger
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithAllowedPeers restricts callers to the given networks. The peer address
// is always taken from the TCP connection, never from forwarding headers.
func WithAllowedPeers(prefixes []netip.Prefix) ReceiverOption {
	return func(r *Receiver) {
		if len(prefixes) > 0 {
			r.allowed = prefixes
		}
	}
}

// WithVerifier requires a valid bearer token on every call.
func WithVerifier(s *Signer) ReceiverOption {
	return func(r *Receiver) { r.signer = s }
}

// WithReceiverLogger sets the structured logger.
func WithReceiverLogger(l *slog.Logger) ReceiverOption {
	return func(r *Receiver) { r.logger = l }
}

// NewReceiver returns a handler that decodes envelopes and hands them to sink.
func NewReceiver(sink Sink, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		sink:    sink,
		allowed: DefaultAllowedPeers,
		logger:  slog.New(slog.NewJSONHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "bridge")
	return r
}

type receiverResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		respond(w, http.StatusMethodNotAllowed, receiverResponse{Error: "method not allowed"})
		return
	}
	if !PeerAllowed(req.RemoteAddr, r.allowed) {
		r.logger.Warn("bridge: rejected peer", "remote_addr", req.RemoteAddr)
		respond(w, http.StatusForbidden, receiverResponse{Error: "forbidden"})
		return
	}
	if r.signer != nil {
		token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
		if !ok || r.signer.Verify(token) != nil {
			r.logger.Warn("bridge: rejected token", "remote_addr", req.RemoteAddr)
			respond(w, http.StatusForbidden, receiverResponse{Error: "forbidden"})
			return
		}
	}

	var env Envelope
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxEnvelopeBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		respond(w, http.StatusBadRequest, receiverResponse{Error: "invalid request body"})
		return
	}
	ev, err := Decode(env.Event, env.Data)
	if err != nil {
		r.logger.Warn("bridge: rejected event", "event", env.Event, "error", err)
		respond(w, http.StatusBadRequest, receiverResponse{Error: "invalid event"})
		return
	}
	if err := r.sink.Publish(req.Context(), ev); err != nil {
		r.logger.Error("bridge: sink failed", "event", ev.Type, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, apperr.ErrValidation) {
			status = http.StatusBadRequest
		}
		respond(w, status, receiverResponse{Error: "event not accepted"})
		return
	}
	respond(w, http.StatusOK, receiverResponse{Success: true})
}

// PeerAllowed reports whether the host part of remoteAddr falls inside one
// of allowed.
func PeerAllowed(remoteAddr string, allowed []netip.Prefix) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range allowed {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func respond(w http.ResponseWriter, status int, v receiverResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
