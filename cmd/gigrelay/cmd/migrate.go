package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/funagig/gigrelay/config"
	"github.com/funagig/gigrelay/internal/db/migrate"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back the database schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		if err := migrate.Run(cfg.DatabaseURL, args[0]); err != nil {
			return fmt.Errorf("migrate %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrations %s: done\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
