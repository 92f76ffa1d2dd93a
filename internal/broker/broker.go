// Package broker integrates with the Zerodha Kite Connect API for orders,
// account state, historical bars and live tick streaming.
package broker

import (
	"context"
	"time"

	"autotrader/internal/models"
)

// Broker is the surface the automaton needs from the brokerage.
type Broker interface {
	IsAuthenticated() bool

	// Market data
	GetHistorical(ctx context.Context, req HistoricalRequest) ([]models.Bar, error)
	GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error)

	// Orders
	PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error)
	GetOrders(ctx context.Context) ([]models.Order, error)

	// Account
	GetHoldings(ctx context.Context) ([]models.Holding, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
	GetMargins(ctx context.Context) (*models.Margins, error)
}

// Ticker streams live market ticks over a websocket.
type Ticker interface {
	Connect(ctx context.Context) error
	Close() error
	Subscribe(tokens []uint32) error
	RegisterSymbols(tokens map[uint32]string)
	OnTick(handler func(models.Tick))
	OnError(handler func(error))
	OnConnect(handler func())
}

// HistoricalRequest asks for daily bars over a closed date range.
type HistoricalRequest struct {
	Symbol   string
	Token    uint32
	Interval string // defaults to "day"
	From     time.Time
	To       time.Time
}

// OrderResult is the broker's acknowledgement of a placed order.
type OrderResult struct {
	OrderID string
}
