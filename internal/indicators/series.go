package indicators

import (
	"math"

	"autotrader/internal/models"
)

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return sum(values) / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	var variance float64
	for _, v := range values {
		diff := v - m
		variance += diff * diff
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}

func closePrices(bars []models.Bar) []float64 {
	prices := make([]float64, len(bars))
	for i, b := range bars {
		prices[i] = b.Close
	}
	return prices
}

func trueRange(current, previous models.Bar) float64 {
	highLow := current.High - current.Low
	highClose := math.Abs(current.High - previous.Close)
	lowClose := math.Abs(current.Low - previous.Close)
	return math.Max(highLow, math.Max(highClose, lowClose))
}

// wilderSmooth applies Wilder's smoothing (used in RSI, ATR, ADX).
func wilderSmooth(values []float64, period int) []float64 {
	if len(values) < period {
		return nil
	}
	result := make([]float64, len(values))

	result[period-1] = mean(values[:period])

	multiplier := 1.0 / float64(period)
	for i := period; i < len(values); i++ {
		result[i] = result[i-1] + multiplier*(values[i]-result[i-1])
	}

	return result
}

// smaSeries calculates a simple moving average over raw values.
func smaSeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	result := make([]float64, len(values))
	for i := period - 1; i < len(values); i++ {
		result[i] = mean(values[i-period+1 : i+1])
	}
	return result
}

// emaSeries calculates an exponential moving average over raw values.
// The first EMA value is seeded with the SMA of the initial window.
func emaSeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	result := make([]float64, len(values))
	multiplier := 2.0 / float64(period+1)

	result[period-1] = mean(values[:period])

	for i := period; i < len(values); i++ {
		result[i] = (values[i]-result[i-1])*multiplier + result[i-1]
	}

	return result
}

// rsiSeries calculates the Relative Strength Index with Wilder smoothing.
func rsiSeries(closes []float64, period int) []float64 {
	n := len(closes)
	if period <= 0 || n < period+1 {
		return nil
	}

	result := make([]float64, n)
	gains := make([]float64, n)
	losses := make([]float64, n)

	for i := 1; i < n; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains[i] = change
		} else {
			losses[i] = -change
		}
	}

	avgGain := mean(gains[1 : period+1])
	avgLoss := mean(losses[1 : period+1])

	rsiAt := func(g, l float64) float64 {
		if l == 0 {
			return 100
		}
		rs := g / l
		return 100 - (100 / (1 + rs))
	}

	result[period] = rsiAt(avgGain, avgLoss)

	for i := period + 1; i < n; i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
		result[i] = rsiAt(avgGain, avgLoss)
	}

	return result
}

// macdSeries calculates the MACD line, signal line, and histogram.
func macdSeries(closes []float64, fast, slow, signal int) (macd, sig, hist []float64) {
	n := len(closes)
	minBars := slow + signal - 1
	if n < minBars {
		return nil, nil, nil
	}

	fastEMA := emaSeries(closes, fast)
	slowEMA := emaSeries(closes, slow)

	macd = make([]float64, n)
	for i := slow - 1; i < n; i++ {
		macd[i] = fastEMA[i] - slowEMA[i]
	}

	sig = make([]float64, n)
	startIdx := slow - 1
	signalEMA := emaSeries(macd[startIdx:], signal)
	for i := range signalEMA {
		sig[startIdx+i] = signalEMA[i]
	}

	hist = make([]float64, n)
	for i := minBars - 1; i < n; i++ {
		hist[i] = macd[i] - sig[i]
	}

	return macd, sig, hist
}

// atrSeries calculates the Average True Range.
func atrSeries(bars []models.Bar, period int) []float64 {
	n := len(bars)
	if period <= 0 || n < period+1 {
		return nil
	}

	tr := make([]float64, n)
	tr[0] = bars[0].High - bars[0].Low
	for i := 1; i < n; i++ {
		tr[i] = trueRange(bars[i], bars[i-1])
	}

	result := make([]float64, n)
	result[period-1] = mean(tr[:period])
	for i := period; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + tr[i]) / float64(period)
	}

	return result
}

// adxSeries calculates the Average Directional Index.
func adxSeries(bars []models.Bar, period int) []float64 {
	n := len(bars)
	if period <= 0 || n < period*2 {
		return nil
	}

	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr := make([]float64, n)

	for i := 1; i < n; i++ {
		upMove := bars[i].High - bars[i-1].High
		downMove := bars[i-1].Low - bars[i].Low

		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
		tr[i] = trueRange(bars[i], bars[i-1])
	}

	smoothPlusDM := wilderSmooth(plusDM, period)
	smoothMinusDM := wilderSmooth(minusDM, period)
	smoothTR := wilderSmooth(tr, period)

	dx := make([]float64, n)
	for i := period; i < n; i++ {
		var plusDI, minusDI float64
		if smoothTR[i] != 0 {
			plusDI = 100 * smoothPlusDM[i] / smoothTR[i]
			minusDI = 100 * smoothMinusDM[i] / smoothTR[i]
		}
		if diSum := plusDI + minusDI; diSum != 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / diSum
		}
	}

	adx := wilderSmooth(dx[period:], period)
	result := make([]float64, n)
	for i := range adx {
		result[period+i] = adx[i]
	}

	return result
}

// bollingerAt calculates Bollinger bands at the final bar.
func bollingerAt(closes []float64, period int, mult float64) (upper, middle, lower float64) {
	if len(closes) < period {
		return 0, 0, 0
	}
	window := closes[len(closes)-period:]
	sma := mean(window)
	sd := stdDev(window)
	return sma + mult*sd, sma, sma - mult*sd
}
