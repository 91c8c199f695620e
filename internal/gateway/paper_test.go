package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"TradeWarden/internal/model"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func push(feed *StaticFeed, inst string, at time.Time, price float64) {
	feed.Push(model.Candle{Instrument: inst, Timeframe: "1m", Time: at, Open: price, High: price, Low: price, Close: price, Volume: 1})
}

func openLong(t *testing.T, p *Paper) Order {
	t.Helper()
	order, err := p.PlaceOrder(context.Background(), OrderRequest{
		AccountID:   "acc-1",
		Instrument:  "EURUSD",
		Direction:   model.Long,
		Size:        decimal.NewFromInt(10000),
		EntryPrice:  1.1000,
		StopPrice:   1.0980,
		TargetPrice: 1.1050,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	return order
}

func TestPaper_StopFillBooksLoss(t *testing.T) {
	feed := NewStaticFeed()
	p := NewPaper(feed, 10000)
	openLong(t, p)

	push(feed, "EURUSD", t0, 1.0975)
	positions, err := p.GetOpenPositions(context.Background(), "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 0 {
		t.Fatalf("expected stop to close the position, got %d open", len(positions))
	}
	bal, _ := p.GetAccountBalance(context.Background(), "acc-1")
	// Filled at the stop, not the gap price: 10000 * -0.0020 = -20.
	if got := bal.InexactFloat64(); got < 9979.99 || got > 9980.01 {
		t.Errorf("expected balance 9980, got %s", bal)
	}
}

func TestPaper_PartialCloseAndModifyStop(t *testing.T) {
	feed := NewStaticFeed()
	p := NewPaper(feed, 10000)
	order := openLong(t, p)
	ctx := context.Background()

	push(feed, "EURUSD", t0, 1.1020)
	if _, err := p.GetOpenPositions(ctx, "acc-1"); err != nil {
		t.Fatal(err)
	}
	if err := p.ClosePosition(ctx, "acc-1", order.PositionID, 0.5); err != nil {
		t.Fatalf("partial close: %v", err)
	}
	if err := p.ModifyStop(ctx, "acc-1", order.PositionID, 1.1002); err != nil {
		t.Fatalf("modify stop: %v", err)
	}
	positions, _ := p.GetOpenPositions(ctx, "acc-1")
	if len(positions) != 1 {
		t.Fatalf("expected 1 open position, got %d", len(positions))
	}
	pos := positions[0]
	if pos.Size != 5000 {
		t.Errorf("expected remaining size 5000, got %v", pos.Size)
	}
	if pos.StopPrice != 1.1002 {
		t.Errorf("expected stop 1.1002, got %v", pos.StopPrice)
	}
	if pos.RealizedPnL < 9.99 || pos.RealizedPnL > 10.01 {
		t.Errorf("expected ~10 realized, got %v", pos.RealizedPnL)
	}
}

func TestPaper_FailNextIsOneShot(t *testing.T) {
	p := NewPaper(NewStaticFeed(), 10000)
	p.FailNext("place_order", Fatal("place_order", "acc-1", errors.New("account suspended")))

	_, err := p.PlaceOrder(context.Background(), OrderRequest{AccountID: "acc-1", Size: decimal.NewFromInt(1)})
	if !IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if _, err := p.PlaceOrder(context.Background(), OrderRequest{AccountID: "acc-1", Size: decimal.NewFromInt(1)}); err != nil {
		t.Errorf("fault should be consumed, got %v", err)
	}
}

func TestUnknownPosition(t *testing.T) {
	p := NewPaper(NewStaticFeed(), 10000)
	err := p.ModifyStop(context.Background(), "acc-1", "nope", 1)
	if !errors.Is(err, ErrUnknownPosition) {
		t.Errorf("expected ErrUnknownPosition, got %v", err)
	}
	if !IsTransient(err) {
		t.Errorf("unknown position should be transient, got %v", err)
	}
}
