package strategy

import (
	"context"

	"github.com/rs/zerolog"

	"autotrader/internal/config"
	"autotrader/internal/errors"
	"autotrader/internal/models"
	"autotrader/internal/riskstate"
)

// trailingStop is the designated risk-management strategy and the only
// mutator of the stop-loss store.
//
// State machine per symbol: Unset -> Active(level) -> Unset. A new record
// starts at last_price - k*ATR. While held, each evaluation proposes a
// candidate level from the ATR trail, the profit-tier lock-in schedule, and
// momentum weakening; the store ratchets to max(current, candidate) so the
// level never moves against the trade. A candidate at or above the last
// price is clamped and forces an immediate exit instead of being persisted.
type trailingStop struct {
	risk   *riskstate.Store
	cfg    config.RiskConfig
	logger zerolog.Logger
}

func newTrailingStop(d Deps) Strategy {
	return &trailingStop{
		risk:   d.Risk,
		cfg:    d.RiskConfig,
		logger: d.Logger,
	}
}

func (t *trailingStop) Name() string { return "trailing-stop" }

func (t *trailingStop) Evaluate(ctx context.Context, tc *Context) (models.Action, error) {
	if t.risk == nil {
		return models.Hold, nil
	}
	symbol := tc.Tick.Symbol
	last := tc.Tick.LastPrice

	if !tc.Held() {
		// A record for a symbol no longer held is stale (e.g. sold
		// manually); drop it so a future buy starts fresh.
		if err := t.risk.Clear(ctx, symbol); err != nil && !errors.Is(err, errors.ErrLockTimeout) {
			return models.Hold, errors.NewStrategyError(t.Name(), symbol, err)
		}
		return models.Hold, nil
	}

	level, active, err := t.risk.Get(ctx, symbol)
	if err != nil {
		// Lock contention degrades to HOLD rather than guessing;
		// the next tick retries.
		if errors.Is(err, errors.ErrLockTimeout) {
			t.logger.Warn().Str("symbol", symbol).Msg("Stop-loss lock timeout, holding")
			return models.Hold, nil
		}
		return models.Hold, errors.NewStrategyError(t.Name(), symbol, err)
	}

	if active && last <= level {
		t.logger.Info().
			Str("symbol", symbol).
			Float64("level", level).
			Float64("last_price", last).
			Msg("Trailing stop hit")
		return models.Sell, nil
	}

	candidate := t.candidate(tc, active, level)
	if candidate >= last {
		// Clamp: a floor at or above the market price means the
		// position no longer has room; exit now rather than persist
		// an always-triggered level.
		t.logger.Info().
			Str("symbol", symbol).
			Float64("candidate", candidate).
			Float64("last_price", last).
			Msg("Stop candidate clamped at market, exiting")
		return models.Sell, nil
	}

	committed, err := t.risk.Ratchet(ctx, symbol, candidate)
	if err != nil {
		if errors.Is(err, errors.ErrLockTimeout) {
			t.logger.Warn().Str("symbol", symbol).Msg("Stop-loss lock timeout, holding")
			return models.Hold, nil
		}
		return models.Hold, errors.NewStrategyError(t.Name(), symbol, err)
	}

	if last <= committed {
		return models.Sell, nil
	}
	return models.Hold, nil
}

// candidate computes the proposed stop level for this evaluation. The
// numeric schedule (ATR multiplier, profit tiers) is configuration.
func (t *trailingStop) candidate(tc *Context, active bool, current float64) float64 {
	f := tc.Features
	last := tc.Tick.LastPrice
	avg := tc.Holding.AveragePrice

	trail := last - t.cfg.ATRMultiplier*f.ATR
	if f.ATR <= 0 {
		trail = last * (1 - t.cfg.MaxLossPercent/100)
	}

	if !active {
		return trail
	}

	candidate := trail

	// Profit-tier lock-in: once a position is sufficiently in profit,
	// the floor rises to protect a portion of it.
	if avg > 0 {
		profitPct := (last - avg) / avg * 100
		for _, tier := range t.cfg.ProfitTiers {
			if profitPct >= tier.ProfitPercent {
				lockIn := avg * (1 + tier.LockInPercent/100)
				if lockIn > candidate {
					candidate = lockIn
				}
			}
		}
	}

	// Momentum weakening tightens the trail to one ATR.
	if f.RSI < f.PrevRSI && f.MACDHist < 0 {
		tight := last - f.ATR
		if tight > candidate {
			candidate = tight
		}
	}

	if candidate < current {
		candidate = current
	}
	return candidate
}
