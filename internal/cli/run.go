package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"autotrader/internal/backfill"
	"autotrader/internal/broker"
	"autotrader/internal/journal"
	"autotrader/internal/models"
	"autotrader/internal/notify"
	"autotrader/internal/pipeline"
	"autotrader/internal/sequencer"
	"autotrader/internal/snapshot"
	"autotrader/internal/strategy"
	"autotrader/pkg/utils"
)

func newRunCmd(app *App) *cobra.Command {
	var skipBackfill bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading automaton",
		Long: `Authenticates, backfills bar history, connects the tick stream and
trades the watchlist unattended until the market closes or the process
receives an interrupt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAutomaton(cmd.Context(), app, skipBackfill)
		},
	}
	cmd.Flags().BoolVar(&skipBackfill, "skip-backfill", false, "skip the pre-open history backfill")
	return cmd
}

func runAutomaton(parent context.Context, app *App, skipBackfill bool) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	logger := app.Logger
	cfg := app.Config

	if err := app.Broker.Login(ctx); err != nil {
		return err
	}

	// A watchlist that cannot be resolved is fatal: nothing to trade.
	snap := snapshot.New(app.Broker, models.Exchange(cfg.Trading.DefaultExchange), logger)
	if err := snap.LoadInstruments(ctx, cfg.Trading.Watchlist); err != nil {
		return err
	}
	if err := snap.RefreshAccount(ctx); err != nil {
		return err
	}

	bars, err := app.barStore()
	if err != nil {
		return err
	}
	risk, err := app.riskStore()
	if err != nil {
		return err
	}

	if !skipBackfill {
		orch := backfill.New(app.Broker, bars, app.fetchTracker(), cfg.Backfill, logger)
		res, err := orch.Run(ctx, snap.Instruments())
		if err != nil {
			return err
		}
		if res.Failed > 0 {
			logger.Warn().Int("failed", res.Failed).Msg("Some symbols missing fresh history; they will trade on stale bars")
		}
	}

	jrnl, err := journal.Open(cfg.JournalPath(), logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Journal unavailable, continuing without audit trail")
		jrnl = nil
	} else {
		defer jrnl.Close()
	}

	notifier := notify.NewTelegram(cfg.Telegram, logger)

	strategies, err := strategy.Build(cfg.Trading.Strategies, strategy.Deps{
		Risk:       risk,
		RiskConfig: cfg.Risk,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	agg := strategy.NewAggregator(strategies, logger)
	seq := sequencer.New(app.Broker, snap, risk, jrnl, notifier, cfg.Trading, logger)

	pipe := pipeline.New(snap, bars, agg, seq, jrnl, cfg.Pipeline, logger)
	pipe.Start(ctx)

	ticker := broker.NewKiteTicker(cfg.Credentials.Kite.APIKey, app.Broker.AccessToken(), logger)
	ticker.RegisterSymbols(snap.Tokens())
	ticker.OnTick(pipe.Enqueue)
	ticker.OnError(func(err error) {
		logger.Error().Err(err).Msg("Ticker error")
	})
	ticker.OnConnect(func() {
		tokens := make([]uint32, 0)
		for token := range snap.Tokens() {
			tokens = append(tokens, token)
		}
		if err := ticker.Subscribe(tokens); err != nil {
			logger.Error().Err(err).Msg("Tick subscription failed")
		}
	})
	if err := ticker.Connect(ctx); err != nil {
		pipe.Stop()
		return err
	}

	snap.StartRefresher(ctx, cfg.Pipeline.RefreshInterval)

	notifier.SendMessage(ctx, "🤖 Automaton started")
	logger.Info().
		Int("symbols", len(snap.Instruments())).
		Strs("strategies", cfg.Trading.Strategies).
		Msg("Automaton running")

	waitForShutdown(ctx, app)

	logger.Info().Msg("Shutting down")
	ticker.Close()
	pipe.Stop()
	notifier.SendMessage(context.WithoutCancel(ctx), "🛑 Automaton stopped")
	return nil
}

// waitForShutdown blocks until an interrupt arrives or, when the session is
// live, the market closes.
func waitForShutdown(ctx context.Context, app *App) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var closeCh <-chan time.Time
	if utils.IsMarketOpen() {
		now := time.Now().In(utils.IndiaLocation)
		// A few minutes past the bell so closing ticks still process.
		closeAt := time.Date(now.Year(), now.Month(), now.Day(), 15, 35, 0, 0, utils.IndiaLocation)
		closeCh = time.After(time.Until(closeAt))
	}

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		app.Logger.Info().Str("signal", sig.String()).Msg("Interrupt received")
	case <-closeCh:
		app.Logger.Info().Msg("Market closed")
	}
}
