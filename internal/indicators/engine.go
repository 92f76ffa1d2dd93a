// Package indicators turns a bar series into the feature snapshot consumed
// by the strategy layer.
package indicators

import (
	"time"

	"autotrader/internal/errors"
	"autotrader/internal/models"
)

// MinBars is the history required for a full feature row. The longest
// dependency is the 200-day EMA plus the lookback the strategies use for
// prior values.
const MinBars = 210

// FibLevels are Fibonacci retracement levels over the series high/low range.
type FibLevels struct {
	High  float64
	Low   float64
	L236  float64
	L382  float64
	L500  float64
	L618  float64
}

// FeatureRow is a read-only indicator snapshot for one symbol at a point in
// time, owned by the pipeline invocation that created it.
type FeatureRow struct {
	Symbol string
	Date   time.Time

	Close     float64
	PrevClose float64
	Volume    int64

	RSI     float64
	PrevRSI float64
	RSI2Ago float64
	RSI3Ago float64

	MACD           float64
	MACDSignal     float64
	MACDHist       float64
	PrevMACD       float64
	PrevMACDSignal float64
	PrevMACDHist   float64

	EMA10  float64
	EMA20  float64
	EMA50  float64
	EMA100 float64
	EMA200 float64

	SMA10 float64
	SMA20 float64

	VolumeSMA20 float64

	ATR float64
	ADX float64

	BollUpper  float64
	BollMiddle float64
	BollLower  float64

	Fib FibLevels
}

// Engine computes feature rows from bar series.
type Engine struct {
	minBars int
}

// NewEngine creates a feature engine with the default history requirement.
func NewEngine() *Engine {
	return &Engine{minBars: MinBars}
}

// Compute builds the feature row for the final bar of the series.
// Returns ErrInsufficientData when the series is too short; the caller
// skips the symbol for this cycle.
func (e *Engine) Compute(symbol string, bars []models.Bar) (*FeatureRow, error) {
	n := len(bars)
	if n < e.minBars {
		return nil, errors.ErrInsufficientData
	}

	closes := closePrices(bars)
	volumes := make([]float64, n)
	for i, b := range bars {
		volumes[i] = float64(b.Volume)
	}

	rsi := rsiSeries(closes, 14)
	macd, signal, hist := macdSeries(closes, 12, 26, 9)
	atr := atrSeries(bars, 14)
	adx := adxSeries(bars, 14)
	volSMA := smaSeries(volumes, 20)

	last := n - 1
	row := &FeatureRow{
		Symbol:    symbol,
		Date:      bars[last].Date,
		Close:     closes[last],
		PrevClose: closes[last-1],
		Volume:    bars[last].Volume,

		RSI:     rsi[last],
		PrevRSI: rsi[last-1],
		RSI2Ago: rsi[last-2],
		RSI3Ago: rsi[last-3],

		MACD:           macd[last],
		MACDSignal:     signal[last],
		MACDHist:       hist[last],
		PrevMACD:       macd[last-1],
		PrevMACDSignal: signal[last-1],
		PrevMACDHist:   hist[last-1],

		ATR:         atr[last],
		ADX:         adx[last],
		VolumeSMA20: volSMA[last],
	}

	for _, p := range []struct {
		period int
		dst    *float64
	}{
		{10, &row.EMA10},
		{20, &row.EMA20},
		{50, &row.EMA50},
		{100, &row.EMA100},
		{200, &row.EMA200},
	} {
		ema := emaSeries(closes, p.period)
		*p.dst = ema[last]
	}

	sma10 := smaSeries(closes, 10)
	sma20 := smaSeries(closes, 20)
	row.SMA10 = sma10[last]
	row.SMA20 = sma20[last]

	row.BollUpper, row.BollMiddle, row.BollLower = bollingerAt(closes, 20, 2)
	row.Fib = fibLevels(bars)

	return row, nil
}

// fibLevels derives retracement levels from the series high/low range.
func fibLevels(bars []models.Bar) FibLevels {
	high := bars[0].High
	low := bars[0].Low
	for _, b := range bars[1:] {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}

	diff := high - low
	return FibLevels{
		High: high,
		Low:  low,
		L236: high - 0.236*diff,
		L382: high - 0.382*diff,
		L500: high - 0.500*diff,
		L618: high - 0.618*diff,
	}
}
