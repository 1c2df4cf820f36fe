package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var relayAddr string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the websocket relay and its /emit bridge endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, true)
		if err != nil {
			return err
		}
		defer rt.close()
		if relayAddr != "" {
			rt.cfg.RelayAddr = relayAddr
		}

		rl := rt.newRelay()
		srv, err := rt.newRelayServer(rl)
		if err != nil {
			return err
		}

		printBanner(cmd.OutOrStdout(), "relay")

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			rl.Run(ctx)
			return nil
		})
		g.Go(func() error {
			rt.sessions.Run(ctx, 0)
			return nil
		})
		g.Go(func() error {
			return serveUntilDone(ctx, rt.logger, newHTTPServer(rt.cfg.RelayAddr, srv.Router()), rl.Shutdown)
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.Flags().StringVar(&relayAddr, "addr", "", "Listen address (overrides RELAY_ADDR)")
}
