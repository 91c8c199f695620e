package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"TradeWarden/internal/gateway"
	"TradeWarden/internal/ledger"
	"TradeWarden/internal/model"
	"TradeWarden/internal/registry"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

var prices = map[string]float64{"EURUSD": 1.1000, "GBPUSD": 1.2500}

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *recordingSink) Publish(_ context.Context, e model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) ofType(t model.EventType) []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	engine *Engine
	paper  *gateway.Paper
	feed   *gateway.StaticFeed
	ledger *ledger.Manager
	sink   *recordingSink
	cfg    registry.StrategyConfig
	now    time.Time
}

func testStrategy() registry.StrategyConfig {
	return registry.StrategyConfig{
		AccountID:   "acc-1",
		StrategyID:  "ema-cross",
		Instruments: []string{"EURUSD", "GBPUSD"},
		Timeframe:   "5m",
		Active:      true,
		Mode:        registry.ModeQualityGated,
		Risk: registry.RiskSettings{
			RiskPerTrade:      0.01,
			MaxConcurrent:     2,
			MaxTradesPerDay:   3,
			MaxNotional:       1_000_000,
			SlippageTolerance: 0.0005,
		},
		Protection: registry.ProtectionSettings{
			BreakevenTrigger: 0.0015,
			BreakevenBuffer:  0.0002,
			PartialTrigger:   0.0020,
			TrailingTrigger:  0.0025,
			TrailingDistance: 0.0015,
			MaxHold:          8 * time.Hour,
		},
	}
}

func newFixture(t *testing.T, mutate func(*registry.StrategyConfig)) *fixture {
	t.Helper()
	cfg := testStrategy()
	if mutate != nil {
		mutate(&cfg)
	}
	snap, err := registry.NewSnapshot(registry.File{Strategies: []registry.StrategyConfig{cfg}})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	cfg, _ = snap.Lookup("acc-1")

	feed := gateway.NewStaticFeed()
	for inst, price := range prices {
		feed.Push(model.Candle{Instrument: inst, Timeframe: "5m", Time: t0, Open: price, High: price, Low: price, Close: price})
	}
	paper := gateway.NewPaper(feed, 10000)
	led, err := ledger.NewManager("", nil)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{paper: paper, feed: feed, ledger: led, sink: &recordingSink{}, cfg: cfg, now: t0}
	clock := func() time.Time { return f.now }
	paper.SetClock(clock)
	led.SetClock(clock)

	f.engine = New(Deps{
		Gateway:  paper,
		Registry: registry.NewStatic(snap),
		Ledger:   led,
		Sink:     f.sink,
	}, Config{DefaultMode: registry.ModeQualityGated, ApprovalTimeout: 5 * time.Minute})
	f.engine.SetClock(clock)
	return f
}

func scored(instrument string, score float64, action model.Action) model.ScoredSignal {
	return model.ScoredSignal{
		Signal: model.Signal{
			AccountID:      "acc-1",
			StrategyID:     "ema-cross",
			Instrument:     instrument,
			Timeframe:      "5m",
			Direction:      model.Long,
			EntryPrice:     prices[instrument],
			StopDistance:   0.0020,
			TargetDistance: 0.0040,
			CandleTime:     t0,
			Trigger:        "ema_cross",
		},
		Score:  score,
		Action: action,
	}
}

func (f *fixture) openPositions(t *testing.T) []model.Position {
	t.Helper()
	pos, err := f.paper.GetOpenPositions(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	return pos
}

func TestRoute(t *testing.T) {
	tests := []struct {
		mode   registry.ExecutionMode
		action model.Action
		want   model.Action
	}{
		{registry.ModeAuto, model.ActionAutoExecute, model.ActionAutoExecute},
		{registry.ModeAuto, model.ActionNeedsApproval, model.ActionAutoExecute},
		{registry.ModeAuto, model.ActionReject, model.ActionReject},
		{registry.ModeQualityGated, model.ActionAutoExecute, model.ActionAutoExecute},
		{registry.ModeQualityGated, model.ActionNeedsApproval, model.ActionNeedsApproval},
		{registry.ModeQualityGated, model.ActionReject, model.ActionReject},
		{registry.ModeManual, model.ActionAutoExecute, model.ActionNeedsApproval},
		{registry.ModeManual, model.ActionNeedsApproval, model.ActionNeedsApproval},
		{registry.ModeManual, model.ActionReject, model.ActionReject},
	}
	for _, tt := range tests {
		if got := Route(tt.mode, tt.action); got != tt.want {
			t.Errorf("Route(%s, %s) = %s, want %s", tt.mode, tt.action, got, tt.want)
		}
	}
}

func TestDecide_QualityGatedApprovalTimesOut(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.engine.Decide(ctx, f.cfg, scored("EURUSD", 72, model.ActionNeedsApproval))
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if res.Outcome != OutcomeAwaitingApproval || res.Approval == nil {
		t.Fatalf("expected approval request, got %+v", res)
	}
	if len(f.engine.Pending()) != 1 {
		t.Fatalf("expected 1 pending request")
	}
	if got := f.sink.ofType(model.EventApprovalRequested); len(got) != 1 || got[0].CorrelationID != res.Approval.CorrelationID {
		t.Fatalf("expected approval_requested event, got %+v", got)
	}

	f.now = t0.Add(4 * time.Minute)
	if expired := f.engine.ExpireDue(ctx); len(expired) != 0 {
		t.Fatalf("expired too early: %d", len(expired))
	}

	f.now = t0.Add(5*time.Minute + time.Second)
	expired := f.engine.ExpireDue(ctx)
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired request, got %d", len(expired))
	}
	resolved := f.sink.ofType(model.EventApprovalResolved)
	if len(resolved) != 1 || resolved[0].Reason != "expired" {
		t.Errorf("expected approval_resolved with reason expired, got %+v", resolved)
	}
	if _, err := f.engine.Resolve(ctx, model.Command{Kind: model.CommandApprove, CorrelationID: res.Approval.CorrelationID}); !errors.Is(err, ErrApprovalNotFound) {
		t.Errorf("late approve: expected ErrApprovalNotFound, got %v", err)
	}
	if pos := f.openPositions(t); len(pos) != 0 {
		t.Errorf("no order should be placed, got %d positions", len(pos))
	}
}

func TestDecide_Modes(t *testing.T) {
	tests := []struct {
		name   string
		mode   registry.ExecutionMode
		action model.Action
		want   Outcome
	}{
		{"auto executes approval-band score", registry.ModeAuto, model.ActionNeedsApproval, OutcomeExecuted},
		{"quality gated executes high score", registry.ModeQualityGated, model.ActionAutoExecute, OutcomeExecuted},
		{"manual asks even for high score", registry.ModeManual, model.ActionAutoExecute, OutcomeAwaitingApproval},
		{"reject wins in auto", registry.ModeAuto, model.ActionReject, OutcomeRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *registry.StrategyConfig) { c.Mode = tt.mode })
			res, err := f.engine.Decide(context.Background(), f.cfg, scored("EURUSD", 60, tt.action))
			if err != nil {
				t.Fatalf("decide: %v", err)
			}
			if res.Outcome != tt.want {
				t.Errorf("expected %s, got %s", tt.want, res.Outcome)
			}
			wantPositions := 0
			if tt.want == OutcomeExecuted {
				wantPositions = 1
			}
			if got := len(f.openPositions(t)); got != wantPositions {
				t.Errorf("expected %d positions, got %d", wantPositions, got)
			}
		})
	}
}

func TestDecide_DefaultModeApplies(t *testing.T) {
	f := newFixture(t, func(c *registry.StrategyConfig) { c.Mode = "" })
	f.engine.cfg.DefaultMode = registry.ModeManual
	res, err := f.engine.Decide(context.Background(), f.cfg, scored("EURUSD", 90, model.ActionAutoExecute))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeAwaitingApproval {
		t.Errorf("expected default manual mode to request approval, got %s", res.Outcome)
	}
}

func TestDecide_OneLiveApprovalPerPair(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.engine.Decide(ctx, f.cfg, scored("EURUSD", 72, model.ActionNeedsApproval)); err != nil {
		t.Fatal(err)
	}
	res, err := f.engine.Decide(ctx, f.cfg, scored("EURUSD", 75, model.ActionNeedsApproval))
	if !errors.Is(err, ErrApprovalPending) || res.Outcome != OutcomeDropped {
		t.Fatalf("expected dropped with ErrApprovalPending, got %+v %v", res, err)
	}
	if _, err := f.engine.Decide(ctx, f.cfg, scored("GBPUSD", 72, model.ActionNeedsApproval)); err != nil {
		t.Errorf("other instrument should get its own request: %v", err)
	}
	if got := len(f.engine.Pending()); got != 2 {
		t.Errorf("expected 2 pending, got %d", got)
	}
}

func TestResolve_ApproveExecutesOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, _ := f.engine.Decide(ctx, f.cfg, scored("EURUSD", 72, model.ActionNeedsApproval))
	id := res.Approval.CorrelationID

	f.now = t0.Add(time.Minute)
	approved, err := f.engine.Resolve(ctx, model.Command{Kind: model.CommandApprove, CorrelationID: id, Operator: "@ops"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Outcome != OutcomeExecuted || approved.Trade == nil {
		t.Fatalf("expected execution, got %+v", approved)
	}
	if approved.Trade.CorrelationID != id {
		t.Errorf("trade should carry the approval id")
	}
	if approved.Approval.Status != model.ApprovalApproved {
		t.Errorf("expected APPROVED, got %s", approved.Approval.Status)
	}

	_, err = f.engine.Resolve(ctx, model.Command{Kind: model.CommandApprove, CorrelationID: id})
	if !errors.Is(err, ErrApprovalNotFound) {
		t.Errorf("second approve: expected ErrApprovalNotFound, got %v", err)
	}
	_, err = f.engine.Resolve(ctx, model.Command{Kind: model.CommandReject, CorrelationID: id})
	if !errors.Is(err, ErrApprovalNotFound) {
		t.Errorf("reject after approve: expected ErrApprovalNotFound, got %v", err)
	}
	if got := len(f.openPositions(t)); got != 1 {
		t.Errorf("expected exactly 1 position, got %d", got)
	}
	if got := f.ledger.TradesToday("acc-1"); got != 1 {
		t.Errorf("expected 1 trade counted, got %d", got)
	}
}

func TestResolve_Reject(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, _ := f.engine.Decide(ctx, f.cfg, scored("EURUSD", 72, model.ActionNeedsApproval))

	out, err := f.engine.Resolve(ctx, model.Command{Kind: model.CommandReject, CorrelationID: res.Approval.CorrelationID})
	if err != nil {
		t.Fatal(err)
	}
	if out.Outcome != OutcomeRejected || out.Approval.Status != model.ApprovalRejected {
		t.Errorf("unexpected result %+v", out)
	}
	if len(f.openPositions(t)) != 0 {
		t.Error("rejected approval must not trade")
	}
}

func TestResolve_StaleApprovalAutoRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, _ := f.engine.Decide(ctx, f.cfg, scored("EURUSD", 72, model.ActionNeedsApproval))

	f.feed.Push(model.Candle{Instrument: "EURUSD", Timeframe: "5m", Time: t0.Add(5 * time.Minute),
		Open: 1.1010, High: 1.1010, Low: 1.1010, Close: 1.1010})
	out, err := f.engine.Resolve(ctx, model.Command{Kind: model.CommandApprove, CorrelationID: res.Approval.CorrelationID})
	if !errors.Is(err, ErrStaleApproval) {
		t.Fatalf("expected ErrStaleApproval, got %v", err)
	}
	if out.Approval.Status != model.ApprovalStale {
		t.Errorf("expected STALE, got %s", out.Approval.Status)
	}
	if len(f.openPositions(t)) != 0 {
		t.Error("stale approval must not trade")
	}
	if len(f.engine.Pending()) != 0 {
		t.Error("stale request should be removed")
	}
}

func TestResolve_WithinToleranceKeepsProposedLevels(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	proposed := scored("EURUSD", 72, model.ActionNeedsApproval)
	res, _ := f.engine.Decide(ctx, f.cfg, proposed)

	f.feed.Push(model.Candle{Instrument: "EURUSD", Timeframe: "5m", Time: t0.Add(5 * time.Minute),
		Open: 1.1003, High: 1.1003, Low: 1.1003, Close: 1.1003})
	out, err := f.engine.Resolve(ctx, model.Command{Kind: model.CommandApprove, CorrelationID: res.Approval.CorrelationID})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	sig := proposed.Signal
	if out.Trade.EntryPrice != sig.EntryPrice {
		t.Errorf("entry %.5f, want proposed %.5f", out.Trade.EntryPrice, sig.EntryPrice)
	}
	if out.Trade.StopPrice != sig.StopPrice() || out.Trade.TargetPrice != sig.TargetPrice() {
		t.Errorf("placed stop %.5f target %.5f, want proposed %.5f / %.5f",
			out.Trade.StopPrice, out.Trade.TargetPrice, sig.StopPrice(), sig.TargetPrice())
	}
	// 1% of 10000 over a 20 pip stop.
	if out.Trade.Size != 50000 {
		t.Errorf("size %v not derived from the proposed stop distance", out.Trade.Size)
	}
	positions := f.openPositions(t)
	if len(positions) != 1 || positions[0].StopPrice != sig.StopPrice() {
		t.Errorf("broker stop does not match the approved stop: %+v", positions)
	}
}

func TestGuards_ConcurrentSignals(t *testing.T) {
	tests := []struct {
		name          string
		maxConcurrent int
		maxDaily      int
		want          int
		guard         string
	}{
		{"position limit", 2, 10, 2, GuardMaxConcurrent},
		{"daily limit", 10, 3, 3, GuardDailyTrades},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *registry.StrategyConfig) {
				c.Mode = registry.ModeAuto
				c.Risk.AllowStacking = true
				c.Risk.MaxConcurrent = tt.maxConcurrent
				c.Risk.MaxTradesPerDay = tt.maxDaily
			})

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				executed int
				guarded  int
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := f.engine.Decide(context.Background(), f.cfg, scored("EURUSD", 90, model.ActionAutoExecute))
					mu.Lock()
					defer mu.Unlock()
					if res.Outcome == OutcomeExecuted {
						executed++
					}
					var ge *GuardError
					if errors.As(err, &ge) && ge.Guard == tt.guard {
						guarded++
					}
				}()
			}
			wg.Wait()

			if executed != tt.want {
				t.Errorf("expected %d executions, got %d", tt.want, executed)
			}
			if guarded != 20-tt.want {
				t.Errorf("expected %d %s rejections, got %d", 20-tt.want, tt.guard, guarded)
			}
			if got := len(f.openPositions(t)); got != tt.want {
				t.Errorf("expected %d open positions, got %d", tt.want, got)
			}
			if got := f.ledger.TradesToday("acc-1"); got != tt.want {
				t.Errorf("expected %d trades counted, got %d", tt.want, got)
			}
		})
	}
}

func TestGuards_NoStacking(t *testing.T) {
	f := newFixture(t, func(c *registry.StrategyConfig) { c.Mode = registry.ModeAuto })
	ctx := context.Background()
	if _, err := f.engine.Decide(ctx, f.cfg, scored("EURUSD", 90, model.ActionAutoExecute)); err != nil {
		t.Fatal(err)
	}
	_, err := f.engine.Decide(ctx, f.cfg, scored("EURUSD", 90, model.ActionAutoExecute))
	var ge *GuardError
	if !errors.As(err, &ge) || ge.Guard != GuardStacking {
		t.Fatalf("expected stacking guard, got %v", err)
	}
	if dropped := f.sink.ofType(model.EventSignalDropped); len(dropped) != 1 || dropped[0].Reason == "" {
		t.Errorf("expected one signal_dropped event with reason, got %+v", dropped)
	}
	if _, err := f.engine.Decide(ctx, f.cfg, scored("GBPUSD", 90, model.ActionAutoExecute)); err != nil {
		t.Errorf("different instrument should pass: %v", err)
	}
}

func TestExecute_FatalErrorDisablesAccount(t *testing.T) {
	f := newFixture(t, func(c *registry.StrategyConfig) { c.Mode = registry.ModeAuto })
	ctx := context.Background()
	f.paper.FailNext("place_order", gateway.Fatal("place_order", "acc-1", errors.New("forbidden")))

	_, err := f.engine.Decide(ctx, f.cfg, scored("EURUSD", 90, model.ActionAutoExecute))
	if !gateway.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if _, disabled := f.ledger.Disabled("acc-1"); !disabled {
		t.Fatal("account should be disabled")
	}
	if got := f.sink.ofType(model.EventAccountDisabled); len(got) != 1 {
		t.Errorf("expected 1 account_disabled event, got %d", len(got))
	}

	_, err = f.engine.Decide(ctx, f.cfg, scored("GBPUSD", 90, model.ActionAutoExecute))
	if !errors.Is(err, ErrAccountDisabled) {
		t.Errorf("expected ErrAccountDisabled, got %v", err)
	}
}

func TestExecute_TransientErrorKeepsAccount(t *testing.T) {
	f := newFixture(t, func(c *registry.StrategyConfig) { c.Mode = registry.ModeAuto })
	ctx := context.Background()
	f.paper.FailNext("get_balance", errors.New("timeout"))

	if _, err := f.engine.Decide(ctx, f.cfg, scored("EURUSD", 90, model.ActionAutoExecute)); !gateway.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if _, disabled := f.ledger.Disabled("acc-1"); disabled {
		t.Error("transient errors must not disable the account")
	}
	if _, err := f.engine.Decide(ctx, f.cfg, scored("EURUSD", 90, model.ActionAutoExecute)); err != nil {
		t.Errorf("next attempt should succeed: %v", err)
	}
}

func TestPositionSize(t *testing.T) {
	risk := registry.RiskSettings{RiskPerTrade: 0.01, MaxNotional: 100000}
	tests := []struct {
		name    string
		balance float64
		stop    float64
		entry   float64
		want    string
		guard   string
	}{
		{"risk over stop", 10000, 0.0020, 1.1, "50000", ""},
		{"truncated", 10000, 0.0030, 1.1, "33333.3333", ""},
		{"notional over limit", 10000, 0.0010, 1.1, "", GuardMaxNotional},
		{"zero stop", 10000, 0, 1.1, "", GuardSizing},
		{"empty account", 0, 0.002, 1.1, "", GuardSizing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, _, err := PositionSize(decimal.NewFromFloat(tt.balance), risk, tt.stop, tt.entry)
			if tt.guard != "" {
				var ge *GuardError
				if !errors.As(err, &ge) || ge.Guard != tt.guard {
					t.Fatalf("expected guard %s, got %v", tt.guard, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if size.String() != tt.want {
				t.Errorf("expected size %s, got %s", tt.want, size)
			}
		})
	}
}

func TestBook(t *testing.T) {
	b := NewBook()
	req := model.ApprovalRequest{
		CorrelationID: "c-1",
		Scored:        scored("EURUSD", 72, model.ActionNeedsApproval),
		CreatedAt:     t0,
		ExpiresAt:     t0.Add(time.Minute),
	}
	if err := b.Add(req); err != nil {
		t.Fatal(err)
	}
	dup := req
	dup.CorrelationID = "c-2"
	if err := b.Add(dup); !errors.Is(err, ErrApprovalPending) {
		t.Errorf("expected ErrApprovalPending, got %v", err)
	}
	if _, err := b.Take("c-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Take("c-1"); !errors.Is(err, ErrApprovalNotFound) {
		t.Errorf("expected take-once, got %v", err)
	}
	if err := b.Add(dup); err != nil {
		t.Errorf("key should be free after take: %v", err)
	}
	if got := b.TakeExpired(t0.Add(time.Minute)); len(got) != 1 || b.Len() != 0 {
		t.Errorf("expected expiry sweep to take c-2, got %d left %d", len(got), b.Len())
	}
}
