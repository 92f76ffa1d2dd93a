// Package models provides domain models for the trading automaton.
package models

import (
	"time"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
)

// Action represents the verdict of a strategy or an aggregated decision.
type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
	Hold Action = "HOLD"
)

// OrderSide represents the side of a broker order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// MarketStatus represents the current market session state.
type MarketStatus string

const (
	MarketOpen    MarketStatus = "OPEN"
	MarketPreOpen MarketStatus = "PRE_OPEN"
	MarketClosed  MarketStatus = "CLOSED"
)

// Bar represents one daily OHLCV record for a symbol.
// Bars are immutable once written; only newer dates are appended.
type Bar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// Day returns the bar's date truncated to midnight UTC, the key used for
// dedup-by-date semantics.
func (b Bar) Day() time.Time {
	return time.Date(b.Date.Year(), b.Date.Month(), b.Date.Day(), 0, 0, 0, 0, time.UTC)
}

// Tick represents one streamed price/volume update for an instrument.
type Tick struct {
	Symbol          string
	InstrumentToken uint32
	LastPrice       float64
	VolumeTraded    int64
	DayHigh         float64
	DayLow          float64
	Timestamp       time.Time
}

// Instrument represents a tradeable instrument from the instrument master.
type Instrument struct {
	Token    uint32
	Symbol   string
	Exchange Exchange
}

// Holding represents a currently owned position at the broker.
// Only holdings with Quantity > 0 count as held.
type Holding struct {
	Symbol          string
	InstrumentToken uint32
	Exchange        Exchange
	AveragePrice    float64
	Quantity        int
}

// Decision is the aggregated verdict for one symbol-tick, consumed once by
// the order sequencer.
type Decision struct {
	Symbol     string
	Action     Action
	Price      float64
	Exchange   Exchange
	Strategies []string
	Timestamp  time.Time
}

// Margins represents available trading funds at the broker.
type Margins struct {
	AvailableCash float64
	UsedMargin    float64
}

// Order represents a pending or completed broker order.
type Order struct {
	OrderID  string
	Symbol   string
	Exchange Exchange
	Side     OrderSide
	Quantity int
	Price    float64
	Status   string
}

// PendingStatuses are order-book states that block a fresh buy for the
// same symbol.
var PendingStatuses = map[string]bool{
	"OPEN":             true,
	"TRIGGER PENDING":  true,
	"TRIGGER_PENDING":  true,
	"AMO REQ RECEIVED": true,
}

// IsPending reports whether the order occupies the order book in a state
// that should block a duplicate entry.
func (o Order) IsPending() bool {
	return PendingStatuses[o.Status]
}

// Position represents a net open position for the current day.
type Position struct {
	Symbol   string
	Exchange Exchange
	Quantity int
}
