package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/funagig/gigrelay/ratelimit"
)

var gatewayAddr string

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the REST gateway, publishing events to a remote relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, true)
		if err != nil {
			return err
		}
		defer rt.close()
		if gatewayAddr != "" {
			rt.cfg.GatewayAddr = gatewayAddr
		}

		pub := rt.newHTTPPublisher()
		defer pub.Close()

		limiter := ratelimit.New()
		a, err := rt.newGateway(pub, limiter)
		if err != nil {
			return err
		}
		defer a.Close()

		printBanner(cmd.OutOrStdout(), "gateway")

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			limiter.Run(ctx)
			return nil
		})
		g.Go(func() error {
			rt.sessions.Run(ctx, 0)
			return nil
		})
		g.Go(func() error {
			return serveUntilDone(ctx, rt.logger, newHTTPServer(rt.cfg.GatewayAddr, gatewayRouter(a)), nil)
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
	gatewayCmd.Flags().StringVar(&gatewayAddr, "addr", "", "Listen address (overrides GATEWAY_ADDR)")
}
