package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"TradeWarden/internal/model"
	"TradeWarden/internal/registry"
)

const (
	PaperTradingURL = "https://paper-api.alpaca.markets"
	LiveTradingURL  = "https://api.alpaca.markets"
)

// AlpacaCredentials configures one account's Alpaca clients.
type AlpacaCredentials struct {
	APIKey    string
	APISecret string
	BaseURL   string
	DataURL   string
}

type alpacaClients struct {
	trade *alpaca.Client
	data  *marketdata.Client
}

// Alpaca is the live broker adapter. Positions are identified by symbol;
// stops live on the stop-loss leg of the bracket order that opened them.
type Alpaca struct {
	accounts map[string]alpacaClients
	now      func() time.Time
}

// NewAlpaca builds clients for every configured account.
func NewAlpaca(creds map[string]AlpacaCredentials) *Alpaca {
	a := &Alpaca{accounts: make(map[string]alpacaClients, len(creds)), now: time.Now}
	for account, c := range creds {
		baseURL := c.BaseURL
		if baseURL == "" {
			baseURL = PaperTradingURL
		}
		a.accounts[account] = alpacaClients{
			trade: alpaca.NewClient(alpaca.ClientOpts{
				APIKey:    c.APIKey,
				APISecret: c.APISecret,
				BaseURL:   baseURL,
			}),
			data: marketdata.NewClient(marketdata.ClientOpts{
				APIKey:    c.APIKey,
				APISecret: c.APISecret,
				BaseURL:   c.DataURL,
			}),
		}
	}
	return a
}

func (a *Alpaca) clients(op, account string) (alpacaClients, error) {
	c, ok := a.accounts[account]
	if !ok {
		return alpacaClients{}, Fatal(op, account, errors.New("no alpaca credentials for account"))
	}
	return c, nil
}

// classify maps Alpaca API failures onto the gateway taxonomy. Rejected
// credentials and blocked accounts disable the account; Alpaca also answers
// 403 and 422 for ordinary order rejections (buying power, quantity held by
// open legs), and those only fail the call.
func classify(op, account string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized:
			return Fatal(op, account, err)
		case http.StatusForbidden:
			if accountBlocked(apiErr.Message) {
				return Fatal(op, account, err)
			}
		}
	}
	return Transient(op, account, err)
}

// accountBlocked recognises 403 bodies that refer to the account or the
// credentials rather than to a single order.
func accountBlocked(message string) bool {
	m := strings.ToLower(strings.TrimSpace(message))
	if m == "forbidden" || m == "forbidden." {
		return true
	}
	for _, marker := range []string{"account is blocked", "account blocked", "trading is blocked", "account is restricted", "account is not active", "request is not authorized"} {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

func alpacaTimeFrame(tf time.Duration) (marketdata.TimeFrame, error) {
	switch {
	case tf%(7*24*time.Hour) == 0:
		return marketdata.NewTimeFrame(int(tf/(7*24*time.Hour)), marketdata.Week), nil
	case tf%(24*time.Hour) == 0:
		return marketdata.NewTimeFrame(int(tf/(24*time.Hour)), marketdata.Day), nil
	case tf%time.Hour == 0:
		return marketdata.NewTimeFrame(int(tf/time.Hour), marketdata.Hour), nil
	case tf%time.Minute == 0:
		return marketdata.NewTimeFrame(int(tf/time.Minute), marketdata.Min), nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("unsupported timeframe %s", tf)
}

func (a *Alpaca) GetCandles(ctx context.Context, account, instrument, timeframe string, count int) ([]model.Candle, error) {
	const op = "get_candles"
	c, err := a.clients(op, account)
	if err != nil {
		return nil, err
	}
	tf, err := registry.ParseTimeframe(timeframe)
	if err != nil {
		return nil, Fatal(op, account, err)
	}
	atf, err := alpacaTimeFrame(tf)
	if err != nil {
		return nil, Fatal(op, account, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, Transient(op, account, err)
	}
	end := a.now()
	// Sessions close overnight and at weekends; ask for a wider window and trim.
	start := end.Add(-tf * time.Duration(count) * 4)
	bars, err := c.data.GetBars(instrument, marketdata.GetBarsRequest{
		TimeFrame: atf,
		Start:     start,
		End:       end,
	})
	if err != nil {
		return nil, classify(op, account, err)
	}
	out := make([]model.Candle, 0, len(bars))
	for _, b := range bars {
		out = append(out, model.Candle{
			Instrument: instrument,
			Timeframe:  timeframe,
			Time:       b.Timestamp.UTC(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     float64(b.Volume),
		})
	}
	return closedOnly(out, tf, end, count), nil
}

// protectiveLegs returns stop and target prices by symbol from open bracket legs.
func (a *Alpaca) protectiveLegs(c alpacaClients) (stops, targets map[string]float64, stopOrders map[string]string, err error) {
	orders, err := c.trade.GetOrders(alpaca.GetOrdersRequest{
		Status: "open",
		Nested: true,
		Limit:  500,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	stops = map[string]float64{}
	targets = map[string]float64{}
	stopOrders = map[string]string{}
	var visit func(o alpaca.Order)
	visit = func(o alpaca.Order) {
		switch {
		case o.Type == alpaca.Stop && o.StopPrice != nil:
			stops[o.Symbol] = o.StopPrice.InexactFloat64()
			stopOrders[o.Symbol] = o.ID
		case o.Type == alpaca.Limit && o.LimitPrice != nil:
			targets[o.Symbol] = o.LimitPrice.InexactFloat64()
		}
		for _, leg := range o.Legs {
			visit(leg)
		}
	}
	for _, o := range orders {
		visit(o)
	}
	return stops, targets, stopOrders, nil
}

func (a *Alpaca) GetOpenPositions(ctx context.Context, account string) ([]model.Position, error) {
	const op = "get_positions"
	c, err := a.clients(op, account)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, Transient(op, account, err)
	}
	positions, err := c.trade.GetPositions()
	if err != nil {
		return nil, classify(op, account, err)
	}
	stops, targets, _, err := a.protectiveLegs(c)
	if err != nil {
		return nil, classify(op, account, err)
	}
	out := make([]model.Position, 0, len(positions))
	for _, p := range positions {
		dir := model.Long
		if strings.EqualFold(p.Side, "short") {
			dir = model.Short
		}
		size := p.Qty.Abs().InexactFloat64()
		pos := model.Position{
			ID:          p.Symbol,
			AccountID:   account,
			Instrument:  p.Symbol,
			Direction:   dir,
			EntryPrice:  p.AvgEntryPrice.InexactFloat64(),
			StopPrice:   stops[p.Symbol],
			TargetPrice: targets[p.Symbol],
			Size:        size,
			InitialSize: size,
		}
		if p.CurrentPrice != nil {
			pos.CurrentPrice = p.CurrentPrice.InexactFloat64()
		}
		if p.UnrealizedPL != nil {
			pos.UnrealizedPnL = p.UnrealizedPL.InexactFloat64()
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (a *Alpaca) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	const op = "place_order"
	c, err := a.clients(op, req.AccountID)
	if err != nil {
		return Order{}, err
	}
	if err := ctx.Err(); err != nil {
		return Order{}, Transient(op, req.AccountID, err)
	}
	side := alpaca.Buy
	if req.Direction == model.Short {
		side = alpaca.Sell
	}
	qty := req.Size
	stop := decimal.NewFromFloat(req.StopPrice).Round(2)
	target := decimal.NewFromFloat(req.TargetPrice).Round(2)
	order, err := c.trade.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        req.Instrument,
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		OrderClass:    alpaca.Bracket,
		ClientOrderID: req.CorrelationID,
		TakeProfit:    &alpaca.TakeProfit{LimitPrice: &target},
		StopLoss:      &alpaca.StopLoss{StopPrice: &stop},
	})
	if err != nil {
		return Order{}, classify(op, req.AccountID, err)
	}
	filled := req.EntryPrice
	if order.FilledAvgPrice != nil {
		filled = order.FilledAvgPrice.InexactFloat64()
	}
	filledAt := a.now()
	if order.FilledAt != nil {
		filledAt = *order.FilledAt
	}
	return Order{
		ID:          order.ID,
		PositionID:  req.Instrument,
		FilledPrice: filled,
		Size:        req.Size,
		FilledAt:    filledAt,
	}, nil
}

func (a *Alpaca) ModifyStop(ctx context.Context, account, positionID string, stop float64) error {
	const op = "modify_stop"
	c, err := a.clients(op, account)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return Transient(op, account, err)
	}
	_, _, stopOrders, err := a.protectiveLegs(c)
	if err != nil {
		return classify(op, account, err)
	}
	id, ok := stopOrders[positionID]
	if !ok {
		return Transient(op, account, fmt.Errorf("%w: no open stop leg for %s", ErrUnknownPosition, positionID))
	}
	price := decimal.NewFromFloat(stop).Round(2)
	if _, err := c.trade.ReplaceOrder(id, alpaca.ReplaceOrderRequest{StopPrice: &price}); err != nil {
		return classify(op, account, err)
	}
	return nil
}

func (a *Alpaca) ClosePosition(ctx context.Context, account, positionID string, fraction float64) error {
	const op = "close_position"
	c, err := a.clients(op, account)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return Transient(op, account, err)
	}
	if fraction <= 0 || fraction > 1 {
		return Fatal(op, account, fmt.Errorf("invalid close fraction %.4f", fraction))
	}
	pct := decimal.NewFromFloat(fraction * 100).Round(4)
	if _, err := c.trade.ClosePosition(positionID, alpaca.ClosePositionRequest{Percentage: pct}); err != nil {
		return classify(op, account, err)
	}
	return nil
}

func (a *Alpaca) GetAccountBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	const op = "get_balance"
	c, err := a.clients(op, account)
	if err != nil {
		return decimal.Zero, err
	}
	if err := ctx.Err(); err != nil {
		return decimal.Zero, Transient(op, account, err)
	}
	acct, err := c.trade.GetAccount()
	if err != nil {
		return decimal.Zero, classify(op, account, err)
	}
	return acct.Equity, nil
}

// Instruments lists active tradable assets of the first configured account.
func (a *Alpaca) Instruments(ctx context.Context) ([]string, error) {
	accounts := make([]string, 0, len(a.accounts))
	for id := range a.accounts {
		accounts = append(accounts, id)
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	sort.Strings(accounts)
	c := a.accounts[accounts[0]]
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	assets, err := c.trade.GetAssets(alpaca.GetAssetsRequest{Status: "active"})
	if err != nil {
		return nil, classify("instruments", accounts[0], err)
	}
	out := make([]string, 0, len(assets))
	for _, asset := range assets {
		if asset.Tradable {
			out = append(out, asset.Symbol)
		}
	}
	return out, nil
}
