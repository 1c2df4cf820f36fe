package cmd

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/funagig/gigrelay/api"
	"github.com/funagig/gigrelay/bridge"
	"github.com/funagig/gigrelay/ratelimit"
	"github.com/funagig/gigrelay/relay"
)

func (rt *runtime) newRelay() *relay.Relay {
	return relay.New(rt.sessions, rt.repo, rt.repo,
		relay.WithAuthTimeout(rt.cfg.AuthTimeout),
		relay.WithMaxAuthAttempts(rt.cfg.MaxAuthAttempts),
		relay.WithMaxConnectionsPerAddr(rt.cfg.MaxConnectionsPerAddr),
		relay.WithSweepInterval(rt.cfg.SweepInterval),
		relay.WithLogger(rt.logger),
	)
}

// newRelayServer wires the websocket endpoint and the /emit receiver.
func (rt *runtime) newRelayServer(rl *relay.Relay) (*relay.Server, error) {
	peers, err := rt.cfg.BridgeAllowedPrefixes()
	if err != nil {
		return nil, err
	}
	proxies, err := rt.cfg.TrustedProxyPrefixes()
	if err != nil {
		return nil, err
	}

	recvOpts := []bridge.ReceiverOption{
		bridge.WithAllowedPeers(peers),
		bridge.WithReceiverLogger(rt.logger),
	}
	if rt.cfg.BridgeSecret != "" {
		recvOpts = append(recvOpts, bridge.WithVerifier(bridge.NewSigner(rt.cfg.BridgeSecret)))
	} else {
		rt.logger.Warn("BRIDGE_SECRET is not set; /emit is protected by the peer allow-list only")
	}
	receiver := bridge.NewReceiver(rl, recvOpts...)

	opts := []relay.ServerOption{
		relay.WithAllowedOrigins(rt.cfg.AllowedOriginList()),
		relay.WithServerLogger(rt.logger),
	}
	if len(proxies) > 0 {
		opts = append(opts, relay.WithTrustedProxies(proxies))
	}
	return relay.NewServer(rl, receiver, opts...), nil
}

// newHTTPPublisher returns the bridge client the standalone gateway uses.
func (rt *runtime) newHTTPPublisher() *bridge.HTTPPublisher {
	opts := []bridge.HTTPOption{
		bridge.WithTimeout(rt.cfg.BridgeTimeout),
		bridge.WithLogger(rt.logger),
	}
	if rt.cfg.BridgeSecret != "" {
		opts = append(opts, bridge.WithSigner(bridge.NewSigner(rt.cfg.BridgeSecret)))
	}
	return bridge.NewHTTPPublisher(rt.cfg.BridgeURL, opts...)
}

func (rt *runtime) newGateway(pub bridge.Publisher, limiter *ratelimit.Limiter) (*api.API, error) {
	proxies, err := rt.cfg.TrustedProxyPrefixes()
	if err != nil {
		return nil, err
	}
	opts := []api.Option{
		api.WithLogger(rt.logger),
		api.WithPublisher(pub),
		api.WithLimiter(limiter),
		api.WithTrustedProxies(proxies),
	}
	if rt.cfg.AuditWebhookURL != "" {
		opts = append(opts, api.WithAuditWebhook(rt.cfg.AuditWebhookURL, rt.cfg.AuditWebhookAuthHeader))
	}
	return api.New(rt.sessions, rt.repo, opts...), nil
}

func gatewayRouter(a *api.API) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Mount("/api/v1", a.Router())
	return r
}
