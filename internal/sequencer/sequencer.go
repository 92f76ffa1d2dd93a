// Package sequencer turns aggregated decisions into broker orders. Sells
// run first, in parallel, and all must settle before any buy is attempted
// so freed funds are available to entries. Buys run serially with the
// available funds re-checked before each one.
package sequencer

import (
	"context"
	"math"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/errors"
	"autotrader/internal/journal"
	"autotrader/internal/models"
	"autotrader/internal/notify"
	"autotrader/internal/riskstate"
	"autotrader/internal/snapshot"
	"autotrader/pkg/utils"
)

// Sequencer executes one batch of decisions at a time.
type Sequencer struct {
	broker   broker.Broker
	snap     *snapshot.Snapshot
	risk     *riskstate.Store
	journal  *journal.Journal
	notifier notify.Notifier
	cfg      config.TradingConfig
	retry    utils.RetryPolicy
	logger   zerolog.Logger
}

// New builds a sequencer.
func New(b broker.Broker, snap *snapshot.Snapshot, risk *riskstate.Store, j *journal.Journal, n notify.Notifier, cfg config.TradingConfig, logger zerolog.Logger) *Sequencer {
	if n == nil {
		n = notify.Noop{}
	}
	return &Sequencer{
		broker:   b,
		snap:     snap,
		risk:     risk,
		journal:  j,
		notifier: n,
		cfg:      cfg,
		retry:    utils.DefaultRetryPolicy(),
		logger:   logger.With().Str("component", "sequencer").Logger(),
	}
}

// Result summarizes one executed batch.
type Result struct {
	SellsPlaced int
	BuysPlaced  int
	Skipped     int
	Failed      int
}

// Execute runs sells then buys for the batch. HOLD decisions are ignored.
// Order failures are recorded and do not abort the batch; exhausted funds
// stop the remaining buys.
func (s *Sequencer) Execute(ctx context.Context, decisions []models.Decision) Result {
	sells, buys := Partition(decisions)
	var res Result

	if len(sells) == 0 && len(buys) == 0 {
		return res
	}
	s.logger.Info().Int("sells", len(sells)).Int("buys", len(buys)).Msg("Executing decision batch")

	if len(sells) > 0 {
		workers := s.cfg.OrderWorkers
		if workers <= 0 || workers > len(sells) {
			workers = len(sells)
		}
		outcomes := make([]error, len(sells))
		p := pool.New().WithMaxGoroutines(workers)
		for i, d := range sells {
			i, d := i, d
			p.Go(func() {
				outcomes[i] = s.executeSell(ctx, d)
			})
		}
		// Barrier: every sell settles before the first buy.
		p.Wait()

		for i, err := range outcomes {
			switch {
			case err == nil:
				res.SellsPlaced++
			case errors.Is(err, errSkipped):
				res.Skipped++
			default:
				res.Failed++
				s.logger.Error().Err(err).Str("symbol", sells[i].Symbol).Msg("Sell failed")
			}
		}
	}

	// Freed funds from the sells should be visible to the fund checks.
	if len(buys) > 0 {
		if err := s.snap.RefreshAccount(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Account refresh before buys failed")
		}
	}

	for _, d := range buys {
		err := s.executeBuy(ctx, d)
		switch {
		case err == nil:
			res.BuysPlaced++
		case errors.Is(err, errSkipped):
			res.Skipped++
		case errors.Is(err, errors.ErrInsufficientFunds):
			res.Skipped++
			s.logger.Info().Str("symbol", d.Symbol).Msg("Funds exhausted, stopping remaining buys")
			return res
		default:
			res.Failed++
			s.logger.Error().Err(err).Str("symbol", d.Symbol).Msg("Buy failed")
		}
	}
	return res
}

// errSkipped marks a decision dropped by a pre-submit check.
var errSkipped = errors.New("decision skipped")

// executeSell verifies the holding still exists and exits it completely.
func (s *Sequencer) executeSell(ctx context.Context, d models.Decision) error {
	holding := s.snap.Holding(d.Symbol)
	if holding == nil || holding.Quantity <= 0 {
		s.logger.Debug().Str("symbol", d.Symbol).Msg("Sell skipped, no holding")
		return errSkipped
	}
	if s.snap.HasPendingOrder(d.Symbol) {
		s.logger.Debug().Str("symbol", d.Symbol).Msg("Sell skipped, pending order in book")
		return errSkipped
	}

	order := models.Order{
		Symbol:   d.Symbol,
		Exchange: d.Exchange,
		Side:     models.OrderSideSell,
		Quantity: holding.Quantity,
		Price:    d.Price,
	}
	result, err := s.broker.PlaceOrder(ctx, &order)
	if err != nil {
		s.record(ctx, order, d.Strategies, err)
		return err
	}
	order.OrderID = result.OrderID

	// The position is gone; its stop-loss record must go with it.
	if err := s.risk.Clear(ctx, d.Symbol); err != nil {
		s.logger.Warn().Err(err).Str("symbol", d.Symbol).Msg("Failed to clear stop-loss after sell")
	}

	s.record(ctx, order, d.Strategies, nil)
	return nil
}

// executeBuy runs the pre-submit checks, sizes the position from the fund
// allocation, and places the order.
func (s *Sequencer) executeBuy(ctx context.Context, d models.Decision) error {
	if h := s.snap.Holding(d.Symbol); h != nil && h.Quantity > 0 {
		s.logger.Debug().Str("symbol", d.Symbol).Msg("Buy skipped, already held")
		return errSkipped
	}
	if s.snap.HasPendingOrder(d.Symbol) {
		s.logger.Debug().Str("symbol", d.Symbol).Msg("Buy skipped, pending order in book")
		return errSkipped
	}
	if s.snap.HasPosition(d.Symbol) {
		s.logger.Debug().Str("symbol", d.Symbol).Msg("Buy skipped, open position today")
		return errSkipped
	}

	// A margin read is idempotent, unlike order placement, so transient
	// broker errors are retried before the buy is given up on.
	margins, err := utils.RetryWithResult(ctx, s.retry, func() (*models.Margins, error) {
		return s.broker.GetMargins(ctx)
	})
	if err != nil {
		return errors.Wrap(err, "checking funds")
	}
	if margins.AvailableCash <= s.cfg.FundAllocation {
		return errors.Wrapf(errors.ErrInsufficientFunds,
			"available %.2f, allocation %.2f", margins.AvailableCash, s.cfg.FundAllocation)
	}

	if d.Price <= 0 {
		return errors.NewValidationError("price", d.Price, "buy decision without a positive price")
	}
	qty := int(math.Floor(s.cfg.FundAllocation / d.Price))
	if qty < 1 {
		s.logger.Debug().Str("symbol", d.Symbol).Float64("price", d.Price).Msg("Buy skipped, allocation below one share")
		return errSkipped
	}

	order := models.Order{
		Symbol:   d.Symbol,
		Exchange: d.Exchange,
		Side:     models.OrderSideBuy,
		Quantity: qty,
		Price:    d.Price,
	}
	result, err := s.broker.PlaceOrder(ctx, &order)
	if err != nil {
		s.record(ctx, order, d.Strategies, err)
		return err
	}
	order.OrderID = result.OrderID

	s.record(ctx, order, d.Strategies, nil)
	return nil
}

func (s *Sequencer) record(ctx context.Context, order models.Order, strategies []string, orderErr error) {
	if orderErr == nil {
		s.logger.Info().
			Str("order_id", order.OrderID).
			Str("symbol", order.Symbol).
			Str("side", string(order.Side)).
			Int("quantity", order.Quantity).
			Float64("price", order.Price).
			Msg("Order placed")
	}
	if s.journal != nil {
		s.journal.RecordOrder(ctx, order, orderErr)
	}
	s.notifier.SendOrder(ctx, order, strategies, orderErr)
}

// Partition splits decisions into sells and buys, dropping holds. Order
// within each side is preserved.
func Partition(decisions []models.Decision) (sells, buys []models.Decision) {
	for _, d := range decisions {
		switch d.Action {
		case models.Sell:
			sells = append(sells, d)
		case models.Buy:
			buys = append(buys, d)
		}
	}
	return sells, buys
}
