package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"autotrader/internal/models"
)

// Aggregator runs the active strategies for one symbol-tick and merges their
// verdicts into a single action.
type Aggregator struct {
	strategies []Strategy
	maxWorkers int
	logger     zerolog.Logger
}

// NewAggregator creates an aggregator over the given strategies.
func NewAggregator(strategies []Strategy, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		strategies: strategies,
		maxWorkers: len(strategies),
		logger:     logger,
	}
}

type vote struct {
	strategy string
	action   models.Action
}

// Decide evaluates all strategies concurrently and merges their votes.
//
// SELL has strict priority over BUY, which has strict priority over HOLD:
// protect capital first. A strategy that errors counts as a HOLD vote; the
// error is logged and never crashes the aggregator. The returned decision
// names the strategies that contributed the winning action; a nil decision
// means HOLD.
func (a *Aggregator) Decide(ctx context.Context, tc *Context) *models.Decision {
	votes := make([]vote, 0, len(a.strategies))
	var mu sync.Mutex

	p := pool.New().WithMaxGoroutines(a.maxWorkers)
	for _, s := range a.strategies {
		s := s
		p.Go(func() {
			action, err := s.Evaluate(ctx, tc)
			if err != nil {
				a.logger.Warn().
					Err(err).
					Str("strategy", s.Name()).
					Str("symbol", tc.Tick.Symbol).
					Msg("Strategy failed, counting as HOLD")
				action = models.Hold
			}

			mu.Lock()
			votes = append(votes, vote{strategy: s.Name(), action: action})
			mu.Unlock()
		})
	}
	p.Wait()

	final := models.Hold
	for _, v := range votes {
		switch v.action {
		case models.Sell:
			final = models.Sell
		case models.Buy:
			if final != models.Sell {
				final = models.Buy
			}
		}
	}

	if final == models.Hold {
		return nil
	}

	var contributors []string
	for _, v := range votes {
		if v.action == final {
			contributors = append(contributors, v.strategy)
		}
	}

	return &models.Decision{
		Symbol:     tc.Tick.Symbol,
		Action:     final,
		Price:      tc.Tick.LastPrice,
		Strategies: contributors,
		Timestamp:  time.Now(),
	}
}

// MergeActions merges raw votes by priority. Exposed for testing the
// aggregation rule in isolation.
func MergeActions(actions []models.Action) models.Action {
	final := models.Hold
	for _, a := range actions {
		switch a {
		case models.Sell:
			return models.Sell
		case models.Buy:
			final = models.Buy
		}
	}
	return final
}
