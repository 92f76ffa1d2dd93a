package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"autotrader/internal/config"
)

const Version = "0.2.0"

// NewRootCmd builds the root command with all subcommands attached.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := newApp(cfg, logger)

	rootCmd := &cobra.Command{
		Use:   "autotrader",
		Short: "Unattended equity trading automaton for Zerodha Kite",
		Long: `autotrader backfills daily bar history, streams live ticks, and trades a
configured watchlist unattended: multiple strategies vote per tick, sells
execute before buys, and a persistent trailing stop-loss guards every
position.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newBackfillCmd(app))
	rootCmd.AddCommand(newAuthCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"version": Version})
				return
			}
			output.Printf("autotrader v%s\n", Version)
		},
	}
}
