package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"TradeWarden/internal/model"
)

// ErrUnknownPosition is returned for operations on positions the broker does not hold.
var ErrUnknownPosition = errors.New("unknown position")

// Paper is an in-memory broker. Candles come from a Feed; fills happen at
// the requested entry price and protective levels are simulated whenever
// positions are re-priced.
type Paper struct {
	feed           Feed
	initialBalance decimal.Decimal
	now            func() time.Time

	mu       sync.Mutex
	accounts map[string]*paperAccount
	faults   map[string]error
}

type paperAccount struct {
	balance   decimal.Decimal
	positions map[string]*model.Position
}

// NewPaper creates a paper broker; each account starts with balance.
func NewPaper(feed Feed, balance float64) *Paper {
	return &Paper{
		feed:           feed,
		initialBalance: decimal.NewFromFloat(balance),
		now:            time.Now,
		accounts:       make(map[string]*paperAccount),
		faults:         make(map[string]error),
	}
}

// SetClock overrides the broker's time source.
func (p *Paper) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// FailNext makes the next call of op ("get_candles", "get_positions",
// "place_order", "modify_stop", "close_position", "get_balance") return err.
func (p *Paper) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = err
}

func (p *Paper) fault(op, account string) error {
	err, ok := p.faults[op]
	if !ok {
		return nil
	}
	delete(p.faults, op)
	var ge *Error
	if errors.As(err, &ge) {
		return err
	}
	return Transient(op, account, err)
}

func (p *Paper) account(id string) *paperAccount {
	acc, ok := p.accounts[id]
	if !ok {
		acc = &paperAccount{balance: p.initialBalance, positions: make(map[string]*model.Position)}
		p.accounts[id] = acc
	}
	return acc
}

// Instruments delegates to the feed when it can list instruments.
func (p *Paper) Instruments(ctx context.Context) ([]string, error) {
	if lister, ok := p.feed.(InstrumentLister); ok {
		return lister.Instruments(ctx)
	}
	return nil, nil
}

func (p *Paper) GetCandles(ctx context.Context, account, instrument, timeframe string, count int) ([]model.Candle, error) {
	p.mu.Lock()
	err := p.fault("get_candles", account)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	bars, err := p.feed.FetchCandles(ctx, instrument, timeframe, count)
	if err != nil {
		return nil, Transient("get_candles", account, err)
	}
	return bars, nil
}

// GetOpenPositions re-prices every held instrument from the feed, applies
// stop and target fills, and returns what is still open.
func (p *Paper) GetOpenPositions(ctx context.Context, account string) ([]model.Position, error) {
	p.mu.Lock()
	if err := p.fault("get_positions", account); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	instruments := map[string]string{}
	for _, pos := range p.account(account).positions {
		instruments[pos.Instrument] = ""
	}
	p.mu.Unlock()

	for inst := range instruments {
		bars, err := p.feed.FetchCandles(ctx, inst, "1m", 1)
		if err != nil {
			return nil, Transient("get_positions", account, err)
		}
		if len(bars) > 0 {
			p.Mark(account, inst, bars[len(bars)-1].Close)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	acc := p.account(account)
	out := make([]model.Position, 0, len(acc.positions))
	for _, pos := range acc.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

// Mark re-prices an account's positions on instrument and fills any stop
// or target the price has crossed.
func (p *Paper) Mark(account, instrument string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc := p.account(account)
	for id, pos := range acc.positions {
		if pos.Instrument != instrument {
			continue
		}
		pos.CurrentPrice = price
		pos.UnrealizedPnL = pos.Gain(price) * pos.Size
		switch {
		case pos.StopPrice > 0 && pos.Gain(price) <= pos.Gain(pos.StopPrice):
			p.settle(acc, id, pos.StopPrice, 1)
		case pos.TargetPrice > 0 && pos.Gain(price) >= pos.Gain(pos.TargetPrice):
			p.settle(acc, id, pos.TargetPrice, 1)
		}
	}
}

// settle closes fraction of a position at price and books the P&L.
func (p *Paper) settle(acc *paperAccount, id string, price, fraction float64) {
	pos := acc.positions[id]
	size := decimal.NewFromFloat(pos.Size)
	closed := size.Mul(decimal.NewFromFloat(fraction))
	remaining := size.Sub(closed)
	pnl := decimal.NewFromFloat(pos.Gain(price)).Mul(closed)
	acc.balance = acc.balance.Add(pnl)
	pos.RealizedPnL += pnl.InexactFloat64()
	if fraction >= 1 || !remaining.IsPositive() {
		delete(acc.positions, id)
		return
	}
	pos.Size = remaining.InexactFloat64()
	pos.UnrealizedPnL = pos.Gain(pos.CurrentPrice) * pos.Size
}

func (p *Paper) PlaceOrder(_ context.Context, req OrderRequest) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fault("place_order", req.AccountID); err != nil {
		return Order{}, err
	}
	if !req.Size.IsPositive() {
		return Order{}, Fatal("place_order", req.AccountID, fmt.Errorf("invalid size %s", req.Size))
	}
	now := p.now()
	size := req.Size.InexactFloat64()
	pos := &model.Position{
		ID:             uuid.NewString(),
		AccountID:      req.AccountID,
		StrategyID:     req.StrategyID,
		Instrument:     req.Instrument,
		Direction:      req.Direction,
		EntryPrice:     req.EntryPrice,
		StopPrice:      req.StopPrice,
		TargetPrice:    req.TargetPrice,
		Size:           size,
		InitialSize:    size,
		OpenedAt:       now,
		CurrentPrice:   req.EntryPrice,
		LastProgressAt: now,
	}
	p.account(req.AccountID).positions[pos.ID] = pos
	return Order{
		ID:          uuid.NewString(),
		PositionID:  pos.ID,
		FilledPrice: req.EntryPrice,
		Size:        req.Size,
		FilledAt:    now,
	}, nil
}

func (p *Paper) ModifyStop(_ context.Context, account, positionID string, stop float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fault("modify_stop", account); err != nil {
		return err
	}
	pos, ok := p.account(account).positions[positionID]
	if !ok {
		return Transient("modify_stop", account, fmt.Errorf("%w: %s", ErrUnknownPosition, positionID))
	}
	pos.StopPrice = stop
	return nil
}

func (p *Paper) ClosePosition(_ context.Context, account, positionID string, fraction float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fault("close_position", account); err != nil {
		return err
	}
	acc := p.account(account)
	pos, ok := acc.positions[positionID]
	if !ok {
		return Transient("close_position", account, fmt.Errorf("%w: %s", ErrUnknownPosition, positionID))
	}
	if fraction <= 0 || fraction > 1 {
		return Fatal("close_position", account, fmt.Errorf("invalid close fraction %.4f", fraction))
	}
	p.settle(acc, positionID, pos.CurrentPrice, fraction)
	return nil
}

func (p *Paper) GetAccountBalance(_ context.Context, account string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fault("get_balance", account); err != nil {
		return decimal.Zero, err
	}
	return p.account(account).balance, nil
}
