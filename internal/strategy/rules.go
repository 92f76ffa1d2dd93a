package strategy

import (
	"context"

	"autotrader/internal/models"
)

// Threshold constants carried over from the production rule sets. The exact
// values are policy, reviewed and revised far more often than the code
// around them.
const (
	momentumRSIFloor   = 60
	momentumRSICeil    = 65
	momentumHistFloor  = 0.5
	momentumHistSell   = -1.0
	momentumRSISell    = 55
	trendRSIFloor      = 60
	trendRSIOverbought = 75
	exhaustionRSI      = 78
)

func init() {
	register("ema-momentum", func(Deps) Strategy { return emaMomentum{} })
	register("macd-trend", func(Deps) Strategy { return macdTrend{} })
	register("rsi-exhaustion", func(Deps) Strategy { return rsiExhaustion{} })
	register("hard-stop", func(d Deps) Strategy { return hardStop{maxLossPct: d.RiskConfig.MaxLossPercent} })
	register("trailing-stop", newTrailingStop)
}

// emaMomentum buys short-term EMA crossovers backed by a rising-but-not-hot
// RSI band and positive MACD histogram; it exits on the mirrored breakdown.
type emaMomentum struct{}

func (emaMomentum) Name() string { return "ema-momentum" }

func (emaMomentum) Evaluate(_ context.Context, tc *Context) (models.Action, error) {
	f := tc.Features

	if f.EMA10 > f.EMA20 &&
		f.RSI > momentumRSIFloor && f.RSI < momentumRSICeil &&
		f.MACDHist > momentumHistFloor {
		return models.Buy, nil
	}

	if f.EMA10 < f.EMA20 &&
		f.RSI < momentumRSISell &&
		f.MACDHist < momentumHistSell {
		return models.Sell, nil
	}

	return models.Hold, nil
}

// macdTrend buys a fresh MACD cross above a positive signal line when price
// sits above the full EMA stack, and sells when momentum has rolled over
// with price below the stack.
type macdTrend struct{}

func (macdTrend) Name() string { return "macd-trend" }

func (macdTrend) Evaluate(_ context.Context, tc *Context) (models.Action, error) {
	f := tc.Features

	crossedUp := f.MACD > f.MACDSignal && f.PrevMACD <= f.PrevMACDSignal
	aboveStack := f.Close >= f.EMA20 && f.Close >= f.EMA50 &&
		f.Close >= f.EMA100 && f.Close >= f.EMA200

	if crossedUp &&
		f.MACDHist > 0 && f.MACD > 0 && f.MACDSignal > 0 &&
		f.RSI >= trendRSIFloor &&
		aboveStack {
		return models.Buy, nil
	}

	rsiFading := f.RSI <= f.PrevRSI && f.PrevRSI <= f.RSI2Ago && f.RSI2Ago <= f.RSI3Ago
	belowStack := f.Close <= f.EMA20 && f.Close <= f.EMA50 &&
		f.Close <= f.EMA100 && f.Close <= f.EMA200

	if (f.RSI < trendRSIFloor || f.RSI > trendRSIOverbought) &&
		rsiFading &&
		f.MACD <= f.MACDSignal && f.MACDHist < 0 &&
		belowStack {
		return models.Sell, nil
	}

	return models.Hold, nil
}

// rsiExhaustion exits a held position when RSI reaches exhaustion territory.
type rsiExhaustion struct{}

func (rsiExhaustion) Name() string { return "rsi-exhaustion" }

func (rsiExhaustion) Evaluate(_ context.Context, tc *Context) (models.Action, error) {
	if !tc.Held() {
		return models.Hold, nil
	}
	if tc.Features.RSI >= exhaustionRSI {
		return models.Sell, nil
	}
	return models.Hold, nil
}

// hardStop exits a held position once the loss from the purchase price
// exceeds the configured maximum.
type hardStop struct {
	maxLossPct float64
}

func (hardStop) Name() string { return "hard-stop" }

func (h hardStop) Evaluate(_ context.Context, tc *Context) (models.Action, error) {
	if !tc.Held() {
		return models.Hold, nil
	}

	avg := tc.Holding.AveragePrice
	if avg == 0 {
		return models.Hold, nil
	}

	profitPct := (tc.Tick.LastPrice - avg) / avg * 100
	if profitPct <= -h.maxLossPct {
		return models.Sell, nil
	}
	return models.Hold, nil
}
