package cli

import (
	"github.com/spf13/cobra"
)

func newAuthCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Broker session management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "login",
		Short: "Authenticate with the broker",
		Long: `Runs the unattended Kite login flow using the configured user ID,
password and TOTP secret, then persists the session for the rest of
the trading day.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Broker.Login(cmd.Context()); err != nil {
				output.Error("Login failed: %v", err)
				return err
			}
			output.Success("Logged in as %s", app.Config.Credentials.Kite.UserID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "Invalidate the broker session",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Broker.Logout(cmd.Context()); err != nil {
				return err
			}
			output.Success("Session invalidated")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show session state",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			authenticated := app.Broker.IsAuthenticated()
			if output.IsJSON() {
				output.JSON(map[string]bool{"authenticated": authenticated})
				return
			}
			if authenticated {
				output.Success("Session active")
			} else {
				output.Warning("Not authenticated; run 'autotrader auth login'")
			}
		},
	})

	return cmd
}
