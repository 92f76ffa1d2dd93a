// Package backfill brings the per-symbol daily bar caches up to date before
// trading starts. Symbols are fetched in parallel batches; each symbol's
// missing range is split into bounded chunks so one request never exceeds
// the provider's window limit.
package backfill

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"autotrader/internal/barcache"
	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/errors"
	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

// Orchestrator runs the parallel historical backfill.
type Orchestrator struct {
	broker  broker.Broker
	store   *barcache.Store
	tracker *Tracker
	cfg     config.BackfillConfig
	logger  zerolog.Logger
}

// New builds a backfill orchestrator.
func New(b broker.Broker, store *barcache.Store, tracker *Tracker, cfg config.BackfillConfig, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		broker:  b,
		store:   store,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger.With().Str("component", "backfill").Logger(),
	}
}

// Result summarizes one backfill run.
type Result struct {
	Fetched int
	Skipped int
	Failed  int
}

// Run backfills every instrument not already fetched today. Per-symbol
// failures are logged and counted; the run continues so one bad symbol
// cannot starve the rest.
func (o *Orchestrator) Run(ctx context.Context, instruments []models.Instrument) (Result, error) {
	symbols := make([]string, len(instruments))
	bySymbol := make(map[string]models.Instrument, len(instruments))
	for i, inst := range instruments {
		symbols[i] = inst.Symbol
		bySymbol[inst.Symbol] = inst
	}

	pending, err := o.tracker.Pending(ctx, symbols)
	if err != nil {
		return Result{}, err
	}

	var res Result
	res.Skipped = len(symbols) - len(pending)
	if len(pending) == 0 {
		o.logger.Info().Int("symbols", len(symbols)).Msg("All symbols already fetched today")
		return res, nil
	}

	o.logger.Info().
		Int("pending", len(pending)).
		Int("batch_size", o.cfg.BatchSize).
		Msg("Starting historical backfill")

	var failed, fetched int
	for start := 0; start < len(pending); start += o.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := start + o.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		p := pool.New().WithMaxGoroutines(len(batch))
		results := make([]error, len(batch))
		for i, symbol := range batch {
			i, symbol := i, symbol
			p.Go(func() {
				results[i] = o.fetchSymbol(ctx, bySymbol[symbol])
			})
		}
		p.Wait()

		for i, err := range results {
			if err != nil {
				failed++
				o.logger.Error().Err(err).Str("symbol", batch[i]).Msg("Backfill failed for symbol")
				continue
			}
			fetched++
		}

		if end < len(pending) {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(o.cfg.BatchPause):
			}
		}
	}

	res.Fetched = fetched
	res.Failed = failed
	o.logger.Info().
		Int("fetched", fetched).
		Int("skipped", res.Skipped).
		Int("failed", failed).
		Msg("Backfill complete")
	return res, nil
}

// fetchSymbol fills the gap between the cached history and today, then
// records the symbol as done for the day.
func (o *Orchestrator) fetchSymbol(ctx context.Context, inst models.Instrument) error {
	from, err := o.fetchStart(inst.Symbol)
	if err != nil {
		return err
	}
	to := utils.Today()

	if from.After(to) {
		return o.tracker.MarkDone(ctx, inst.Symbol)
	}

	var all []models.Bar
	for chunkFrom := from; !chunkFrom.After(to); {
		chunkTo := chunkFrom.AddDate(0, 0, o.cfg.ChunkMaxDays-1)
		if chunkTo.After(to) {
			chunkTo = to
		}

		bars, err := o.fetchChunk(ctx, inst, chunkFrom, chunkTo)
		if err != nil {
			return err
		}
		all = append(all, bars...)

		chunkFrom = chunkTo.AddDate(0, 0, 1)
		if !chunkFrom.After(to) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.ChunkPause):
			}
		}
	}

	all = dropFormingBar(all)
	if len(all) > 0 {
		if err := o.store.Append(inst.Symbol, all); err != nil {
			return err
		}
	}

	o.logger.Debug().
		Str("symbol", inst.Symbol).
		Int("bars", len(all)).
		Time("from", from).
		Time("to", to).
		Msg("Symbol backfilled")
	return o.tracker.MarkDone(ctx, inst.Symbol)
}

// fetchStart returns the day after the last cached bar, or the start of the
// lookback window for a cold cache.
func (o *Orchestrator) fetchStart(symbol string) (time.Time, error) {
	last, ok, err := o.store.LastDate(symbol)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return last.AddDate(0, 0, 1), nil
	}
	return utils.Today().AddDate(-o.cfg.LookbackYears, 0, 0), nil
}

// fetchChunk requests one date window, retrying on rate limits only. Any
// other error aborts the symbol.
func (o *Orchestrator) fetchChunk(ctx context.Context, inst models.Instrument, from, to time.Time) ([]models.Bar, error) {
	policy := utils.FixedRetryPolicy(o.cfg.RateLimitRetries, o.cfg.RateLimitDelay)

	var bars []models.Bar
	err := utils.RetryIf(ctx, policy,
		func(err error) bool { return errors.Is(err, errors.ErrRateLimited) },
		func() error {
			var err error
			bars, err = o.broker.GetHistorical(ctx, broker.HistoricalRequest{
				Symbol: inst.Symbol,
				Token:  inst.Token,
				From:   from,
				To:     to,
			})
			return err
		})
	return bars, err
}

// dropFormingBar removes today's bar while the market or pre-open session is
// live; the bar is still forming and would poison indicator history.
func dropFormingBar(bars []models.Bar) []models.Bar {
	if (!utils.IsMarketOpen() && !utils.IsPreMarket()) || len(bars) == 0 {
		return bars
	}
	today := utils.Today()
	out := bars[:0]
	for _, b := range bars {
		if b.Day().Equal(today) {
			continue
		}
		out = append(out, b)
	}
	return out
}
