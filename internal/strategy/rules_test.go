package strategy

import (
	"context"
	"testing"
	"time"

	"autotrader/internal/indicators"
	"autotrader/internal/models"
)

func ruleContext(f indicators.FeatureRow, holding *models.Holding) *Context {
	f.Symbol = "TCS"
	return &Context{
		Features: &f,
		Tick:     models.Tick{Symbol: "TCS", LastPrice: f.Close, Timestamp: time.Now()},
		Holding:  holding,
	}
}

func TestEMAMomentum(t *testing.T) {
	tests := []struct {
		name     string
		features indicators.FeatureRow
		want     models.Action
	}{
		{
			"crossover in the buy band",
			indicators.FeatureRow{Close: 100, EMA10: 101, EMA20: 100, RSI: 62, MACDHist: 0.8},
			models.Buy,
		},
		{
			"RSI too hot",
			indicators.FeatureRow{Close: 100, EMA10: 101, EMA20: 100, RSI: 66, MACDHist: 0.8},
			models.Hold,
		},
		{
			"histogram too weak",
			indicators.FeatureRow{Close: 100, EMA10: 101, EMA20: 100, RSI: 62, MACDHist: 0.3},
			models.Hold,
		},
		{
			"mirrored breakdown",
			indicators.FeatureRow{Close: 100, EMA10: 99, EMA20: 100, RSI: 50, MACDHist: -1.5},
			models.Sell,
		},
		{
			"breakdown without momentum confirmation",
			indicators.FeatureRow{Close: 100, EMA10: 99, EMA20: 100, RSI: 50, MACDHist: -0.5},
			models.Hold,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := emaMomentum{}.Evaluate(context.Background(), ruleContext(tt.features, nil))
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMACDTrend(t *testing.T) {
	buySetup := indicators.FeatureRow{
		Close: 110, EMA20: 108, EMA50: 106, EMA100: 104, EMA200: 100,
		MACD: 1.2, MACDSignal: 1.0, MACDHist: 0.2,
		PrevMACD: 0.9, PrevMACDSignal: 1.0,
		RSI: 62,
	}

	got, err := macdTrend{}.Evaluate(context.Background(), ruleContext(buySetup, nil))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != models.Buy {
		t.Errorf("fresh cross above the stack: got %v, want BUY", got)
	}

	// The same setup a bar later is no longer a fresh cross.
	stale := buySetup
	stale.PrevMACD = 1.1
	got, err = macdTrend{}.Evaluate(context.Background(), ruleContext(stale, nil))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != models.Hold {
		t.Errorf("stale cross: got %v, want HOLD", got)
	}

	sellSetup := indicators.FeatureRow{
		Close: 90, EMA20: 92, EMA50: 94, EMA100: 96, EMA200: 100,
		MACD: -0.5, MACDSignal: -0.2, MACDHist: -0.3,
		RSI: 45, PrevRSI: 48, RSI2Ago: 52, RSI3Ago: 55,
	}
	got, err = macdTrend{}.Evaluate(context.Background(), ruleContext(sellSetup, nil))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != models.Sell {
		t.Errorf("fading trend below the stack: got %v, want SELL", got)
	}
}

func TestRSIExhaustion(t *testing.T) {
	held := &models.Holding{Symbol: "TCS", AveragePrice: 100, Quantity: 5}

	got, err := rsiExhaustion{}.Evaluate(context.Background(), ruleContext(indicators.FeatureRow{Close: 120, RSI: 80}, held))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != models.Sell {
		t.Errorf("RSI 80 on a held position: got %v, want SELL", got)
	}

	got, _ = rsiExhaustion{}.Evaluate(context.Background(), ruleContext(indicators.FeatureRow{Close: 120, RSI: 80}, nil))
	if got != models.Hold {
		t.Errorf("RSI 80 with no position: got %v, want HOLD", got)
	}

	got, _ = rsiExhaustion{}.Evaluate(context.Background(), ruleContext(indicators.FeatureRow{Close: 120, RSI: 72}, held))
	if got != models.Hold {
		t.Errorf("RSI 72 on a held position: got %v, want HOLD", got)
	}
}

func TestHardStop(t *testing.T) {
	strat := hardStop{maxLossPct: 5}
	held := &models.Holding{Symbol: "TCS", AveragePrice: 100, Quantity: 5}

	tests := []struct {
		name string
		last float64
		want models.Action
	}{
		{"small loss", 96, models.Hold},
		{"at the limit", 95, models.Sell},
		{"beyond the limit", 90, models.Sell},
		{"in profit", 105, models.Hold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := strat.Evaluate(context.Background(), ruleContext(indicators.FeatureRow{Close: tt.last}, held))
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got != tt.want {
				t.Errorf("last %v: got %v, want %v", tt.last, got, tt.want)
			}
		})
	}

	if got, _ := strat.Evaluate(context.Background(), ruleContext(indicators.FeatureRow{Close: 50}, nil)); got != models.Hold {
		t.Errorf("not held: got %v, want HOLD", got)
	}
}
