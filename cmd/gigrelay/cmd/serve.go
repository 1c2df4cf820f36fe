package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/funagig/gigrelay/bridge"
	"github.com/funagig/gigrelay/ratelimit"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay and the gateway in one process",
	Long: `Runs both tiers in one process. The gateway hands events straight to
the relay instead of posting them to /emit, and the in-memory session backend
becomes usable because both tiers share it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, false)
		if err != nil {
			return err
		}
		defer rt.close()

		rl := rt.newRelay()
		relaySrv, err := rt.newRelayServer(rl)
		if err != nil {
			return err
		}

		pub := bridge.NewLocalPublisher(rl,
			bridge.WithTimeout(rt.cfg.BridgeTimeout),
			bridge.WithLogger(rt.logger),
		)
		defer pub.Close()

		limiter := ratelimit.New()
		a, err := rt.newGateway(pub, limiter)
		if err != nil {
			return err
		}
		defer a.Close()

		printBanner(cmd.OutOrStdout(), "relay+gateway")

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			rl.Run(ctx)
			return nil
		})
		g.Go(func() error {
			limiter.Run(ctx)
			return nil
		})
		g.Go(func() error {
			rt.sessions.Run(ctx, 0)
			return nil
		})
		g.Go(func() error {
			return serveUntilDone(ctx, rt.logger, newHTTPServer(rt.cfg.RelayAddr, relaySrv.Router()), rl.Shutdown)
		})
		g.Go(func() error {
			return serveUntilDone(ctx, rt.logger, newHTTPServer(rt.cfg.GatewayAddr, gatewayRouter(a)), nil)
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
