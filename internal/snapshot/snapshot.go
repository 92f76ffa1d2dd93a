// Package snapshot maintains an in-memory view of broker account state:
// the instrument master, delivery holdings, net positions and the day's
// order book. The pipeline and sequencer read this view instead of calling
// the broker on every tick.
package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"autotrader/internal/broker"
	"autotrader/internal/errors"
	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

// Snapshot is safe for concurrent use.
type Snapshot struct {
	broker   broker.Broker
	exchange models.Exchange
	retry    utils.RetryPolicy
	logger   zerolog.Logger

	mu          sync.RWMutex
	instruments map[string]models.Instrument // symbol -> instrument
	holdings    map[string]models.Holding    // symbol -> holding
	positions   map[string]models.Position   // symbol -> net position
	orders      []models.Order
	refreshedAt time.Time
}

// New builds an empty snapshot over the given broker.
func New(b broker.Broker, exchange models.Exchange, logger zerolog.Logger) *Snapshot {
	return &Snapshot{
		broker:      b,
		exchange:    exchange,
		retry:       utils.DefaultRetryPolicy(),
		logger:      logger.With().Str("component", "snapshot").Logger(),
		instruments: make(map[string]models.Instrument),
		holdings:    make(map[string]models.Holding),
		positions:   make(map[string]models.Position),
	}
}

// LoadInstruments fetches the instrument master and resolves the watchlist.
// Symbols missing from the master are reported; an empty resolution is an
// error because nothing could be traded.
func (s *Snapshot) LoadInstruments(ctx context.Context, watchlist []string) error {
	instruments, err := utils.RetryWithResult(ctx, s.retry, func() ([]models.Instrument, error) {
		return s.broker.GetInstruments(ctx, s.exchange)
	})
	if err != nil {
		return errors.Wrap(err, "loading instrument master")
	}

	bySymbol := make(map[string]models.Instrument, len(instruments))
	for _, inst := range instruments {
		bySymbol[inst.Symbol] = inst
	}

	resolved := make(map[string]models.Instrument, len(watchlist))
	for _, symbol := range watchlist {
		inst, ok := bySymbol[symbol]
		if !ok {
			s.logger.Warn().Str("symbol", symbol).Msg("Symbol absent from instrument master, skipping")
			continue
		}
		resolved[symbol] = inst
	}
	if len(resolved) == 0 {
		return errors.Wrap(errors.ErrSymbolNotFound, "no watchlist symbol resolved against instrument master")
	}

	s.mu.Lock()
	s.instruments = resolved
	s.mu.Unlock()

	s.logger.Info().
		Int("requested", len(watchlist)).
		Int("resolved", len(resolved)).
		Msg("Instrument master loaded")
	return nil
}

// RefreshAccount re-reads holdings, positions and the order book. The reads
// are idempotent, so transient broker errors are retried under the policy.
func (s *Snapshot) RefreshAccount(ctx context.Context) error {
	holdings, err := utils.RetryWithResult(ctx, s.retry, func() ([]models.Holding, error) {
		return s.broker.GetHoldings(ctx)
	})
	if err != nil {
		return errors.Wrap(err, "refreshing holdings")
	}
	positions, err := utils.RetryWithResult(ctx, s.retry, func() ([]models.Position, error) {
		return s.broker.GetPositions(ctx)
	})
	if err != nil {
		return errors.Wrap(err, "refreshing positions")
	}
	orders, err := utils.RetryWithResult(ctx, s.retry, func() ([]models.Order, error) {
		return s.broker.GetOrders(ctx)
	})
	if err != nil {
		return errors.Wrap(err, "refreshing order book")
	}

	holdingMap := make(map[string]models.Holding, len(holdings))
	for _, h := range holdings {
		holdingMap[h.Symbol] = h
	}
	positionMap := make(map[string]models.Position, len(positions))
	for _, p := range positions {
		positionMap[p.Symbol] = p
	}

	s.mu.Lock()
	s.holdings = holdingMap
	s.positions = positionMap
	s.orders = orders
	s.refreshedAt = time.Now()
	s.mu.Unlock()

	s.logger.Debug().
		Int("holdings", len(holdingMap)).
		Int("positions", len(positionMap)).
		Int("orders", len(orders)).
		Msg("Account snapshot refreshed")
	return nil
}

// StartRefresher refreshes the account view on an interval until the context
// is cancelled. Refresh failures are logged and retried next interval.
func (s *Snapshot) StartRefresher(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.RefreshAccount(ctx); err != nil {
					s.logger.Warn().Err(err).Msg("Account refresh failed")
				}
			}
		}
	}()
}

// Instrument returns the resolved instrument for a watchlist symbol.
func (s *Snapshot) Instrument(symbol string) (models.Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instruments[symbol]
	return inst, ok
}

// Instruments returns all resolved watchlist instruments.
func (s *Snapshot) Instruments() []models.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, inst)
	}
	return out
}

// Tokens returns the token-to-symbol mapping for ticker registration.
func (s *Snapshot) Tokens() map[uint32]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint32]string, len(s.instruments))
	for symbol, inst := range s.instruments {
		out[inst.Token] = symbol
	}
	return out
}

// Holding returns the current holding for a symbol, nil when not held.
func (s *Snapshot) Holding(symbol string) *models.Holding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.holdings[symbol]; ok {
		return &h
	}
	return nil
}

// Holdings returns all current holdings.
func (s *Snapshot) Holdings() []models.Holding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Holding, 0, len(s.holdings))
	for _, h := range s.holdings {
		out = append(out, h)
	}
	return out
}

// HasPosition reports whether the symbol has a nonzero net position today.
func (s *Snapshot) HasPosition(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.positions[symbol]
	return ok
}

// HasPendingOrder reports whether the day's order book holds a pending order
// for the symbol.
func (s *Snapshot) HasPendingOrder(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.orders {
		if o.Symbol == symbol && o.IsPending() {
			return true
		}
	}
	return false
}

// RefreshedAt returns when the account view was last refreshed.
func (s *Snapshot) RefreshedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshedAt
}
