package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"autotrader/internal/models"
)

// KiteTicker streams live ticks over the Kite websocket. Token-to-symbol
// mapping is registered up front from the instrument snapshot; ticks for
// unregistered tokens are dropped.
type KiteTicker struct {
	ticker *kiteticker.Ticker
	logger zerolog.Logger

	onTick    func(models.Tick)
	onError   func(error)
	onConnect func()

	mu           sync.RWMutex
	connected    bool
	subscribed   []uint32
	tokenSymbols map[uint32]string

	writeMu sync.Mutex // serializes websocket writes
}

// NewKiteTicker builds a ticker for an authenticated session.
func NewKiteTicker(apiKey, accessToken string, logger zerolog.Logger) *KiteTicker {
	t := &KiteTicker{
		ticker:       kiteticker.New(apiKey, accessToken),
		logger:       logger.With().Str("component", "ticker").Logger(),
		tokenSymbols: make(map[uint32]string),
	}
	t.ticker.SetAutoReconnect(true)
	t.ticker.SetReconnectMaxRetries(10)
	return t
}

// RegisterSymbols records the token-to-symbol mapping used to label ticks.
func (t *KiteTicker) RegisterSymbols(tokens map[uint32]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for token, symbol := range tokens {
		t.tokenSymbols[token] = symbol
	}
}

// OnTick sets the tick handler. Must be called before Connect.
func (t *KiteTicker) OnTick(handler func(models.Tick)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTick = handler
}

// OnError sets the error handler.
func (t *KiteTicker) OnError(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = handler
}

// OnConnect sets the connect handler. It also fires on reconnection, after
// previously subscribed tokens are resubscribed.
func (t *KiteTicker) OnConnect(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = handler
}

// Connect starts the websocket and blocks until the first connection or the
// context expires.
func (t *KiteTicker) Connect(ctx context.Context) error {
	connectedCh := make(chan struct{}, 1)

	t.ticker.OnConnect(func() {
		t.mu.Lock()
		wasConnected := t.connected
		t.connected = true
		resubscribe := append([]uint32(nil), t.subscribed...)
		handler := t.onConnect
		t.mu.Unlock()

		select {
		case connectedCh <- struct{}{}:
		default:
		}

		if wasConnected || len(resubscribe) > 0 {
			t.logger.Info().Int("tokens", len(resubscribe)).Msg("Ticker reconnected, resubscribing")
			if err := t.subscribeTokens(resubscribe); err != nil {
				t.logger.Error().Err(err).Msg("Resubscribe failed")
			}
		}
		if handler != nil {
			go handler()
		}
	})

	t.ticker.OnClose(func(code int, reason string) {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		t.logger.Warn().Int("code", code).Str("reason", reason).Msg("Ticker connection closed")
	})

	t.ticker.OnError(func(err error) {
		t.mu.RLock()
		handler := t.onError
		t.mu.RUnlock()
		if handler != nil {
			handler(err)
		}
	})

	t.ticker.OnReconnect(func(attempt int, delay time.Duration) {
		t.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Ticker reconnecting")
	})

	t.ticker.OnNoReconnect(func(attempt int) {
		t.mu.RLock()
		handler := t.onError
		t.mu.RUnlock()
		if handler != nil {
			handler(fmt.Errorf("ticker gave up reconnecting after %d attempts", attempt))
		}
	})

	t.ticker.OnTick(func(tick kitemodels.Tick) {
		t.mu.RLock()
		symbol, ok := t.tokenSymbols[tick.InstrumentToken]
		handler := t.onTick
		t.mu.RUnlock()
		if !ok || handler == nil {
			return
		}
		handler(models.Tick{
			Symbol:          symbol,
			InstrumentToken: tick.InstrumentToken,
			LastPrice:       tick.LastPrice,
			VolumeTraded:    int64(tick.VolumeTraded),
			DayHigh:         tick.OHLC.High,
			DayLow:          tick.OHLC.Low,
			Timestamp:       tick.Timestamp.Time,
		})
	})

	go t.ticker.Serve()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-connectedCh:
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("ticker connection timeout")
	}
}

// Subscribe subscribes to instrument tokens in quote mode.
func (t *KiteTicker) Subscribe(tokens []uint32) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return fmt.Errorf("ticker not connected")
	}
	t.subscribed = mergeTokens(t.subscribed, tokens)
	t.mu.Unlock()

	return t.subscribeTokens(tokens)
}

func (t *KiteTicker) subscribeTokens(tokens []uint32) error {
	if len(tokens) == 0 {
		return nil
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.ticker.Subscribe(tokens); err != nil {
		return fmt.Errorf("subscribing %d tokens: %w", len(tokens), err)
	}
	if err := t.ticker.SetMode(kiteticker.ModeQuote, tokens); err != nil {
		return fmt.Errorf("setting quote mode: %w", err)
	}
	return nil
}

// Close shuts the websocket down.
func (t *KiteTicker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ticker.Close()
	t.connected = false
	return nil
}

func mergeTokens(existing, add []uint32) []uint32 {
	seen := make(map[uint32]bool, len(existing))
	for _, tok := range existing {
		seen[tok] = true
	}
	for _, tok := range add {
		if !seen[tok] {
			existing = append(existing, tok)
			seen[tok] = true
		}
	}
	return existing
}

var _ Ticker = (*KiteTicker)(nil)
