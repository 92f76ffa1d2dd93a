package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"autotrader/internal/errors"
	"autotrader/internal/models"
)

func syntheticBars(n int, price func(i int) float64) []models.Bar {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]models.Bar, n)
	for i := range bars {
		c := price(i)
		bars[i] = models.Bar{
			Date:   base.AddDate(0, 0, i),
			Open:   c - 0.5,
			High:   c + 1,
			Low:    c - 1,
			Close:  c,
			Volume: 1000 + int64(i),
		}
	}
	return bars
}

func TestComputeRejectsShortHistory(t *testing.T) {
	e := NewEngine()
	bars := syntheticBars(MinBars-1, func(i int) float64 { return 100 })
	if _, err := e.Compute("TCS", bars); !errors.Is(err, errors.ErrInsufficientData) {
		t.Fatalf("Compute = %v, want ErrInsufficientData", err)
	}
}

func TestComputeFlatSeries(t *testing.T) {
	e := NewEngine()
	bars := syntheticBars(MinBars, func(i int) float64 { return 100 })

	row, err := e.Compute("TCS", bars)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if row.Close != 100 || row.PrevClose != 100 {
		t.Errorf("close = %v/%v, want 100", row.Close, row.PrevClose)
	}
	// A flat series has no trend: every moving average sits on the price
	// and MACD collapses to zero.
	for name, v := range map[string]float64{
		"EMA10": row.EMA10, "EMA200": row.EMA200,
		"SMA10": row.SMA10, "SMA20": row.SMA20,
		"BollMiddle": row.BollMiddle,
	} {
		if math.Abs(v-100) > 1e-6 {
			t.Errorf("%s = %v, want 100", name, v)
		}
	}
	if math.Abs(row.MACD) > 1e-6 || math.Abs(row.MACDHist) > 1e-6 {
		t.Errorf("MACD = %v hist %v, want 0 on a flat series", row.MACD, row.MACDHist)
	}
}

func TestComputeUptrendOrdering(t *testing.T) {
	e := NewEngine()
	bars := syntheticBars(MinBars, func(i int) float64 { return 100 + float64(i) })

	row, err := e.Compute("TCS", bars)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	// In a steady uptrend the shorter averages hug the price and the
	// longer ones lag below.
	if !(row.EMA10 > row.EMA50 && row.EMA50 > row.EMA200) {
		t.Errorf("EMA ordering broken: 10=%v 50=%v 200=%v", row.EMA10, row.EMA50, row.EMA200)
	}
	if row.RSI < 60 {
		t.Errorf("RSI = %v, want elevated in an uptrend", row.RSI)
	}
	if row.MACD <= 0 {
		t.Errorf("MACD = %v, want positive in an uptrend", row.MACD)
	}
	if row.ATR <= 0 {
		t.Errorf("ATR = %v, want positive", row.ATR)
	}
	if row.Fib.High != bars[len(bars)-1].High || row.Fib.Low != bars[0].Low {
		t.Errorf("fib range = [%v, %v], want series extremes", row.Fib.Low, row.Fib.High)
	}
}

// Property: RSI stays within [0, 100] for any positive price path.
func TestProperty_RSIBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	e := NewEngine()

	properties.Property("RSI within [0, 100]", prop.ForAll(
		func(steps []float64) bool {
			price := 100.0
			bars := syntheticBars(MinBars, func(i int) float64 {
				if i < len(steps) {
					price += steps[i]
					if price < 1 {
						price = 1
					}
				}
				return price
			})
			row, err := e.Compute("TCS", bars)
			if err != nil {
				return false
			}
			return row.RSI >= 0 && row.RSI <= 100 && row.PrevRSI >= 0 && row.PrevRSI <= 100
		},
		gen.SliceOfN(MinBars, gen.Float64Range(-5, 5)),
	))

	properties.TestingRun(t)
}
