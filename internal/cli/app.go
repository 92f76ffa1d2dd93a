// Package cli provides the command-line interface for the trading automaton.
package cli

import (
	"github.com/rs/zerolog"

	"autotrader/internal/backfill"
	"autotrader/internal/barcache"
	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/riskstate"
)

// App holds dependencies shared across commands. Heavier components (the
// pipeline, the journal) are built by the commands that need them.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Broker *broker.Zerodha
}

// newApp wires the always-needed dependencies.
func newApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger,
		Broker: broker.NewZerodha(cfg.Credentials.Kite, cfg.SessionPath(), logger),
	}
}

// barStore opens the per-symbol bar cache.
func (a *App) barStore() (*barcache.Store, error) {
	return barcache.NewStore(a.Config.HistDataDir())
}

// riskStore opens the trailing stop-loss store.
func (a *App) riskStore() (*riskstate.Store, error) {
	return riskstate.NewStore(a.Config.StopLossPath(), a.Config.Risk.LockTimeout, a.Logger)
}

// fetchTracker opens the daily fetch-completion marker.
func (a *App) fetchTracker() *backfill.Tracker {
	return backfill.NewTracker(a.Config.FetchMarkerPath(), a.Config.Risk.LockTimeout, a.Logger)
}
