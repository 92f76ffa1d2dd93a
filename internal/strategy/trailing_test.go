package strategy

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"autotrader/internal/config"
	"autotrader/internal/indicators"
	"autotrader/internal/models"
	"autotrader/internal/riskstate"
)

func newTrailingUnderTest(t *testing.T) (Strategy, *riskstate.Store) {
	t.Helper()
	store, err := riskstate.NewStore(filepath.Join(t.TempDir(), "stoploss.json"), time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	strat := newTrailingStop(Deps{
		Risk: store,
		RiskConfig: config.RiskConfig{
			ATRMultiplier:  2.0,
			MaxLossPercent: 5.0,
			ProfitTiers:    config.DefaultProfitTiers,
		},
		Logger: zerolog.Nop(),
	})
	return strat, store
}

func heldContext(avg, last, atr float64) *Context {
	return &Context{
		Features: &indicators.FeatureRow{Symbol: "TCS", ATR: atr, RSI: 60, PrevRSI: 58},
		Tick:     models.Tick{Symbol: "TCS", LastPrice: last, Timestamp: time.Now()},
		Holding:  &models.Holding{Symbol: "TCS", AveragePrice: avg, Quantity: 10},
	}
}

func mustLevel(t *testing.T, store *riskstate.Store, symbol string) float64 {
	t.Helper()
	level, ok, err := store.Get(context.Background(), symbol)
	if err != nil {
		t.Fatalf("Get(%q): %v", symbol, err)
	}
	if !ok {
		t.Fatalf("no stop level for %q", symbol)
	}
	return level
}

func TestTrailingStopSeedsAndTriggers(t *testing.T) {
	strat, store := newTrailingUnderTest(t)
	ctx := context.Background()

	// First evaluation on a fresh position seeds the level at
	// last - multiplier*ATR and holds.
	action, err := strat.Evaluate(ctx, heldContext(100, 94, 2))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action != models.Hold {
		t.Fatalf("action = %v, want HOLD on seed", action)
	}
	if level := mustLevel(t, store, "TCS"); math.Abs(level-90) > 1e-9 {
		t.Fatalf("seeded level = %v, want 90", level)
	}

	// Price at or below the committed level triggers the exit.
	action, err = strat.Evaluate(ctx, heldContext(100, 89, 2))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action != models.Sell {
		t.Fatalf("action = %v, want SELL at 89 against stop 90", action)
	}
}

func TestTrailingStopRatchetsUpOnly(t *testing.T) {
	strat, store := newTrailingUnderTest(t)
	ctx := context.Background()

	if _, err := strat.Evaluate(ctx, heldContext(100, 94, 2)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	// Price rises, trail follows: 98 - 2*2 = 94.
	if _, err := strat.Evaluate(ctx, heldContext(100, 98, 2)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if level := mustLevel(t, store, "TCS"); math.Abs(level-94) > 1e-9 {
		t.Fatalf("level after rise = %v, want 94", level)
	}

	// Price pulls back but stays above the stop; the level must not drop.
	action, err := strat.Evaluate(ctx, heldContext(100, 95, 2))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action != models.Hold {
		t.Fatalf("action = %v, want HOLD at 95 against stop 94", action)
	}
	if level := mustLevel(t, store, "TCS"); math.Abs(level-94) > 1e-9 {
		t.Fatalf("level after pullback = %v, want 94 (monotonic)", level)
	}
}

func TestTrailingStopProfitTierLockIn(t *testing.T) {
	strat, store := newTrailingUnderTest(t)
	ctx := context.Background()

	if _, err := strat.Evaluate(ctx, heldContext(100, 101, 2)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	// 13% in profit reaches the 12% tier (lock in 8%): floor 108. The ATR
	// trail at 113 - 4 = 109 is higher still and wins.
	if _, err := strat.Evaluate(ctx, heldContext(100, 113, 2)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if level := mustLevel(t, store, "TCS"); math.Abs(level-109) > 1e-9 {
		t.Fatalf("level = %v, want 109", level)
	}

	// Wide ATR makes the trail loose (113 - 16 = 97); the 12% tier lock-in
	// at 108 must hold the floor instead, and the prior 109 still wins.
	if _, err := strat.Evaluate(ctx, heldContext(100, 113, 8)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if level := mustLevel(t, store, "TCS"); math.Abs(level-109) > 1e-9 {
		t.Fatalf("level = %v, want 109 retained over looser trail", level)
	}
}

func TestTrailingStopMomentumTightening(t *testing.T) {
	strat, store := newTrailingUnderTest(t)
	ctx := context.Background()

	if _, err := strat.Evaluate(ctx, heldContext(100, 110, 2)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	// Falling RSI with a negative MACD histogram tightens the trail to
	// one ATR: 110 - 2 = 108 instead of 110 - 4 = 106.
	tc := heldContext(100, 110, 2)
	tc.Features.RSI = 55
	tc.Features.PrevRSI = 62
	tc.Features.MACDHist = -0.4
	if _, err := strat.Evaluate(ctx, tc); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if level := mustLevel(t, store, "TCS"); math.Abs(level-108) > 1e-9 {
		t.Fatalf("level = %v, want 108 from tightened trail", level)
	}
}

func TestTrailingStopFallsBackToMaxLossWithoutATR(t *testing.T) {
	strat, store := newTrailingUnderTest(t)

	action, err := strat.Evaluate(context.Background(), heldContext(100, 100, 0))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action != models.Hold {
		t.Fatalf("action = %v, want HOLD", action)
	}
	if level := mustLevel(t, store, "TCS"); math.Abs(level-95) > 1e-9 {
		t.Fatalf("level = %v, want 95 (5%% max loss fallback)", level)
	}
}

func TestTrailingStopClampForcesExit(t *testing.T) {
	store, err := riskstate.NewStore(filepath.Join(t.TempDir(), "stoploss.json"), time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	// A lock-in above its profit threshold pushes the candidate at or
	// beyond the market price.
	strat := newTrailingStop(Deps{
		Risk: store,
		RiskConfig: config.RiskConfig{
			ATRMultiplier:  2.0,
			MaxLossPercent: 5.0,
			ProfitTiers:    []config.ProfitTier{{ProfitPercent: 3, LockInPercent: 10}},
		},
		Logger: zerolog.Nop(),
	})
	ctx := context.Background()

	if _, err := strat.Evaluate(ctx, heldContext(100, 104, 2)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	seeded := mustLevel(t, store, "TCS")

	// Profit 4% trips the tier, lock-in 110 >= last 104: clamped exit,
	// and the stored level must not have been raised to the clamp.
	action, err := strat.Evaluate(ctx, heldContext(100, 104, 2))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action != models.Sell {
		t.Fatalf("action = %v, want SELL on clamp", action)
	}
	if level := mustLevel(t, store, "TCS"); level != seeded {
		t.Fatalf("level = %v, want %v untouched by clamp", level, seeded)
	}
}

func TestTrailingStopClearsDanglingRecord(t *testing.T) {
	strat, store := newTrailingUnderTest(t)
	ctx := context.Background()

	if _, err := store.Ratchet(ctx, "TCS", 90); err != nil {
		t.Fatalf("Ratchet: %v", err)
	}

	tc := heldContext(100, 94, 2)
	tc.Holding = nil
	action, err := strat.Evaluate(ctx, tc)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action != models.Hold {
		t.Fatalf("action = %v, want HOLD when not held", action)
	}
	if _, ok, err := store.Get(ctx, "TCS"); err != nil {
		t.Fatalf("Get: %v", err)
	} else if ok {
		t.Fatal("dangling stop record survived an unheld evaluation")
	}
}
