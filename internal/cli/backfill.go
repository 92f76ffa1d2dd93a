package cli

import (
	"github.com/spf13/cobra"

	"autotrader/internal/backfill"
	"autotrader/internal/models"
	"autotrader/internal/snapshot"
)

func newBackfillCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Bring the daily bar caches up to date",
		Long: `Fetches missing daily bars for every watchlist symbol, in parallel
batches. Symbols already fetched today are skipped; run it again after a
failure and only the failed symbols are retried.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			output := NewOutput(cmd)

			if err := app.Broker.Login(ctx); err != nil {
				return err
			}

			snap := snapshot.New(app.Broker, models.Exchange(app.Config.Trading.DefaultExchange), app.Logger)
			if err := snap.LoadInstruments(ctx, app.Config.Trading.Watchlist); err != nil {
				return err
			}

			bars, err := app.barStore()
			if err != nil {
				return err
			}

			orch := backfill.New(app.Broker, bars, app.fetchTracker(), app.Config.Backfill, app.Logger)
			res, err := orch.Run(ctx, snap.Instruments())
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(res)
			}
			output.Success("Backfill complete: %d fetched, %d skipped, %d failed",
				res.Fetched, res.Skipped, res.Failed)
			if res.Failed > 0 {
				output.Warning("Some symbols failed; rerun to retry them")
			}
			return nil
		},
	}
}
