// Package gateway defines the broker boundary used by the scanner, the
// execution engine and the position protector, plus its implementations.
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"TradeWarden/internal/model"
)

// OrderRequest opens a position with its protective levels attached.
type OrderRequest struct {
	AccountID     string
	StrategyID    string
	Instrument    string
	Direction     model.Direction
	Size          decimal.Decimal
	EntryPrice    float64
	StopPrice     float64
	TargetPrice   float64
	CorrelationID string
}

// Order is the broker's acknowledgement of a placed order.
type Order struct {
	ID          string
	PositionID  string
	FilledPrice float64
	Size        decimal.Decimal
	FilledAt    time.Time
}

// Gateway is the order and market data boundary. All methods are blocking
// and honour ctx. Errors are classified with Transient or Fatal.
type Gateway interface {
	// GetCandles returns up to count closed candles, oldest first.
	GetCandles(ctx context.Context, account, instrument, timeframe string, count int) ([]model.Candle, error)
	GetOpenPositions(ctx context.Context, account string) ([]model.Position, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	ModifyStop(ctx context.Context, account, positionID string, stop float64) error
	// ClosePosition closes fraction (0,1] of the position's current size.
	ClosePosition(ctx context.Context, account, positionID string, fraction float64) error
	GetAccountBalance(ctx context.Context, account string) (decimal.Decimal, error)
}

// InstrumentLister is implemented by gateways that can enumerate tradable
// instruments. An empty list means every instrument is accepted.
type InstrumentLister interface {
	Instruments(ctx context.Context) ([]string, error)
}
