package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"autotrader/internal/journal"
	"autotrader/pkg/utils"
)

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show holdings, stop levels and recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			output := NewOutput(cmd)

			risk, err := app.riskStore()
			if err != nil {
				return err
			}
			stops, err := risk.Snapshot(ctx)
			if err != nil {
				return err
			}

			var decisions []journal.DecisionRow
			var orders []journal.OrderRow
			if jrnl, err := journal.Open(app.Config.JournalPath(), app.Logger); err == nil {
				defer jrnl.Close()
				decisions, _ = jrnl.RecentDecisions(ctx, 10)
				orders, _ = jrnl.RecentOrders(ctx, 10)
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"market_open":      utils.IsMarketOpen(),
					"authenticated":    app.Broker.IsAuthenticated(),
					"stop_levels":      stops,
					"recent_decisions": decisions,
					"recent_orders":    orders,
				})
			}

			if utils.IsMarketOpen() {
				output.Success("Market: OPEN")
			} else {
				output.Dim("Market: CLOSED")
			}
			if app.Broker.IsAuthenticated() {
				output.Success("Session: active")
			} else {
				output.Warning("Session: not authenticated")
			}
			output.Println()

			output.Header("Trailing stops")
			if len(stops) == 0 {
				output.Dim("  none")
			} else {
				symbols := make([]string, 0, len(stops))
				for s := range stops {
					symbols = append(symbols, s)
				}
				sort.Strings(symbols)
				table := NewTable(output, "SYMBOL", "STOP LEVEL")
				for _, s := range symbols {
					table.AddRow(s, fmt.Sprintf("%.2f", stops[s]))
				}
				table.Render()
			}
			output.Println()

			output.Header("Recent orders")
			if len(orders) == 0 {
				output.Dim("  none")
			} else {
				table := NewTable(output, "TIME", "SYMBOL", "SIDE", "QTY", "STATUS")
				for _, o := range orders {
					table.AddRow(
						o.Timestamp.Format("2006-01-02 15:04"),
						o.Symbol,
						o.Side,
						fmt.Sprintf("%d", o.Quantity),
						o.Status,
					)
				}
				table.Render()
			}
			output.Println()

			output.Header("Recent decisions")
			if len(decisions) == 0 {
				output.Dim("  none")
			} else {
				table := NewTable(output, "TIME", "SYMBOL", "ACTION", "PRICE")
				for _, d := range decisions {
					table.AddRow(
						d.Timestamp.Format("2006-01-02 15:04"),
						d.Symbol,
						d.Action,
						fmt.Sprintf("%.2f", d.Price),
					)
				}
				table.Render()
			}
			return nil
		},
	}
}
