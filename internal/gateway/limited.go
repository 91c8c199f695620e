package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"TradeWarden/internal/model"
)

// Limited routes every call through one shared token bucket and bounds
// each call with a timeout. Both loops share a single Limited.
type Limited struct {
	inner   Gateway
	limiter *rate.Limiter
	timeout time.Duration
}

// NewLimited wraps inner with rps calls per second, burst and a per-call timeout.
func NewLimited(inner Gateway, rps float64, burst int, timeout time.Duration) *Limited {
	return &Limited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		timeout: timeout,
	}
}

func (l *Limited) acquire(ctx context.Context, op, account string) (context.Context, context.CancelFunc, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, nil, Transient(op, account, err)
	}
	if l.timeout <= 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	return ctx, cancel, nil
}

func (l *Limited) GetCandles(ctx context.Context, account, instrument, timeframe string, count int) ([]model.Candle, error) {
	ctx, cancel, err := l.acquire(ctx, "get_candles", account)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return l.inner.GetCandles(ctx, account, instrument, timeframe, count)
}

func (l *Limited) GetOpenPositions(ctx context.Context, account string) ([]model.Position, error) {
	ctx, cancel, err := l.acquire(ctx, "get_positions", account)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return l.inner.GetOpenPositions(ctx, account)
}

func (l *Limited) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	ctx, cancel, err := l.acquire(ctx, "place_order", req.AccountID)
	if err != nil {
		return Order{}, err
	}
	defer cancel()
	return l.inner.PlaceOrder(ctx, req)
}

func (l *Limited) ModifyStop(ctx context.Context, account, positionID string, stop float64) error {
	ctx, cancel, err := l.acquire(ctx, "modify_stop", account)
	if err != nil {
		return err
	}
	defer cancel()
	return l.inner.ModifyStop(ctx, account, positionID, stop)
}

func (l *Limited) ClosePosition(ctx context.Context, account, positionID string, fraction float64) error {
	ctx, cancel, err := l.acquire(ctx, "close_position", account)
	if err != nil {
		return err
	}
	defer cancel()
	return l.inner.ClosePosition(ctx, account, positionID, fraction)
}

func (l *Limited) GetAccountBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	ctx, cancel, err := l.acquire(ctx, "get_balance", account)
	if err != nil {
		return decimal.Zero, err
	}
	defer cancel()
	return l.inner.GetAccountBalance(ctx, account)
}

// Instruments delegates to the wrapped gateway when it can list instruments.
func (l *Limited) Instruments(ctx context.Context) ([]string, error) {
	lister, ok := l.inner.(InstrumentLister)
	if !ok {
		return nil, nil
	}
	ctx, cancel, err := l.acquire(ctx, "instruments", "")
	if err != nil {
		return nil, err
	}
	defer cancel()
	return lister.Instruments(ctx)
}
