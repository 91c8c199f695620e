// Package execution turns scored signals into orders or approval requests
// and guards every order with the per-account risk limits.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"TradeWarden/internal/gateway"
	"TradeWarden/internal/model"
	"TradeWarden/internal/notifier"
	"TradeWarden/internal/recorder"
	"TradeWarden/internal/registry"
)

// Outcome is what happened to a scored signal or approval.
type Outcome string

const (
	OutcomeExecuted         Outcome = "executed"
	OutcomeAwaitingApproval Outcome = "awaiting_approval"
	OutcomeRejected         Outcome = "rejected"
	OutcomeDropped          Outcome = "dropped"
	OutcomeExpired          Outcome = "expired"
)

// Result reports a decision. Trade is set when an order was placed,
// Approval when a request was created or resolved.
type Result struct {
	Outcome  Outcome
	Reason   string
	Trade    *model.Trade
	Approval *model.ApprovalRequest
}

// Ledger is the daily counter and exclusion owner.
type Ledger interface {
	TradesToday(account string) int
	RecordTrade(account string) int
	Disable(account, reason string)
	Disabled(account string) (string, bool)
}

// Config holds the engine-wide execution settings.
type Config struct {
	DefaultMode     registry.ExecutionMode
	ApprovalTimeout time.Duration
}

// Deps are the engine's collaborators.
type Deps struct {
	Gateway  gateway.Gateway
	Registry *registry.Registry
	Ledger   Ledger
	Sink     notifier.Sink
	Recorder recorder.Recorder
	Logger   *zap.Logger
}

// Engine routes scored signals by execution mode. Orders for one account
// are serialised by a per-account lock held across guards and placement.
type Engine struct {
	gw       gateway.Gateway
	registry *registry.Registry
	ledger   Ledger
	sink     notifier.Sink
	rec      recorder.Recorder
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time

	book *Book

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates an engine.
func New(deps Deps, cfg Config) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Recorder == nil {
		deps.Recorder = recorder.NewNoopRecorder()
	}
	if deps.Sink == nil {
		deps.Sink = notifier.Multi{}
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = registry.ModeQualityGated
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 15 * time.Minute
	}
	return &Engine{
		gw:       deps.Gateway,
		registry: deps.Registry,
		ledger:   deps.Ledger,
		sink:     deps.Sink,
		rec:      deps.Recorder,
		logger:   deps.Logger,
		cfg:      cfg,
		now:      time.Now,
		book:     NewBook(),
		locks:    map[string]*sync.Mutex{},
	}
}

// SetClock overrides the engine's time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// DefaultMode is the mode used for strategies without an override.
func (e *Engine) DefaultMode() registry.ExecutionMode { return e.cfg.DefaultMode }

// Route maps the scorer's recommendation through the execution mode.
//
//	auto           anything not rejected executes
//	quality_gated  the scorer's action stands
//	manual         anything not rejected needs approval
func Route(mode registry.ExecutionMode, action model.Action) model.Action {
	if action == model.ActionReject {
		return model.ActionReject
	}
	switch mode {
	case registry.ModeAuto:
		return model.ActionAutoExecute
	case registry.ModeManual:
		return model.ActionNeedsApproval
	default:
		return action
	}
}

// Decide handles one scored signal: drop it, request approval, or execute.
func (e *Engine) Decide(ctx context.Context, cfg registry.StrategyConfig, scored model.ScoredSignal) (Result, error) {
	sig := scored.Signal
	mode := cfg.ModeOr(e.cfg.DefaultMode)
	action := Route(mode, scored.Action)

	e.publish(ctx, model.Event{
		Type:       model.EventSignalGenerated,
		AccountID:  sig.AccountID,
		StrategyID: sig.StrategyID,
		Instrument: sig.Instrument,
		Reason:     fmt.Sprintf("%s %s via %s, %s", sig.Direction, string(action), mode, sig.Trigger),
		Fields: map[string]float64{
			"score":  scored.Score,
			"entry":  sig.EntryPrice,
			"stop":   sig.StopPrice(),
			"target": sig.TargetPrice(),
		},
	})

	if reason, disabled := e.ledger.Disabled(sig.AccountID); disabled {
		return e.drop(ctx, scored, recorder.OutcomeDropped, "account disabled: "+reason, ErrAccountDisabled)
	}

	switch action {
	case model.ActionReject:
		return e.drop(ctx, scored, recorder.OutcomeRejected,
			fmt.Sprintf("score %.1f below reject threshold %.1f", scored.Score, cfg.Scoring.RejectThreshold), nil)
	case model.ActionNeedsApproval:
		return e.requestApproval(ctx, scored)
	default:
		return e.execute(ctx, cfg, scored, uuid.NewString(), mode)
	}
}

func (e *Engine) requestApproval(ctx context.Context, scored model.ScoredSignal) (Result, error) {
	now := e.now()
	// Sweep first so an expired request does not block its key.
	e.ExpireDue(ctx)

	req := model.ApprovalRequest{
		CorrelationID: uuid.NewString(),
		Scored:        scored,
		CreatedAt:     now,
		ExpiresAt:     now.Add(e.cfg.ApprovalTimeout),
		Status:        model.ApprovalPending,
	}
	if err := e.book.Add(req); err != nil {
		return e.drop(ctx, scored, recorder.OutcomeDropped, "approval already pending", err)
	}

	e.recordSignal(ctx, &scored, recorder.OutcomeApproval, req.CorrelationID)
	e.recordApproval(ctx, &req)
	sig := scored.Signal
	e.publish(ctx, model.Event{
		Type:          model.EventApprovalRequested,
		AccountID:     sig.AccountID,
		StrategyID:    sig.StrategyID,
		Instrument:    sig.Instrument,
		CorrelationID: req.CorrelationID,
		Reason:        fmt.Sprintf("%s %s, expires %s", sig.Direction, sig.Trigger, req.ExpiresAt.UTC().Format(time.RFC3339)),
		Fields: map[string]float64{
			"score":  scored.Score,
			"entry":  sig.EntryPrice,
			"stop":   sig.StopPrice(),
			"target": sig.TargetPrice(),
		},
	})
	e.logger.Info("approval requested",
		zap.String("correlation_id", req.CorrelationID),
		zap.String("account", sig.AccountID),
		zap.String("instrument", sig.Instrument),
		zap.Float64("score", scored.Score),
		zap.Int("pending", e.book.Len()),
	)
	return Result{Outcome: OutcomeAwaitingApproval, Approval: &req}, nil
}

// Resolve applies an operator's approve or reject command. Each request
// resolves at most once; later commands get ErrApprovalNotFound.
func (e *Engine) Resolve(ctx context.Context, cmd model.Command) (Result, error) {
	if cmd.Kind != model.CommandApprove && cmd.Kind != model.CommandReject {
		return Result{}, fmt.Errorf("command %s does not resolve approvals", cmd.Kind)
	}
	req, err := e.book.Take(cmd.CorrelationID)
	if err != nil {
		return Result{}, err
	}
	now := e.now()
	if req.Expired(now) {
		e.expire(ctx, req)
		return Result{Outcome: OutcomeExpired, Approval: &req}, ErrApprovalExpired
	}

	operator := cmd.Operator
	if operator == "" {
		operator = "operator"
	}
	if cmd.Kind == model.CommandReject {
		e.resolve(ctx, &req, model.ApprovalRejected, "rejected by "+operator)
		e.recordSignal(ctx, &req.Scored, recorder.OutcomeRejected, "rejected by "+operator)
		return Result{Outcome: OutcomeRejected, Approval: &req, Reason: "rejected by " + operator}, nil
	}

	sig := req.Scored.Signal
	cfg, ok := e.registry.Snapshot().Lookup(sig.AccountID)
	if !ok || !cfg.Active || cfg.StrategyID != sig.StrategyID {
		reason := "strategy no longer active for account"
		e.resolve(ctx, &req, model.ApprovalRejected, reason)
		return e.drop(ctx, req.Scored, recorder.OutcomeDropped, reason, &GuardError{Guard: GuardRegistry, Reason: reason})
	}

	latest, err := e.latestPrice(ctx, sig)
	if err != nil {
		// Price unknown: keep the request live so the operator can retry.
		if addErr := e.book.Add(req); addErr != nil {
			e.logger.Warn("could not restore approval", zap.String("correlation_id", req.CorrelationID), zap.Error(addErr))
		}
		e.handleGatewayError(ctx, sig.AccountID, err)
		return Result{Outcome: OutcomeAwaitingApproval, Approval: &req}, err
	}

	tolerance := SlippageTolerance(cfg.Risk, sig)
	if moved := math.Abs(latest - sig.EntryPrice); moved > tolerance {
		reason := fmt.Sprintf("stale: price moved %.5f from %.5f, tolerance %.5f", moved, sig.EntryPrice, tolerance)
		e.resolve(ctx, &req, model.ApprovalStale, reason)
		e.recordSignal(ctx, &req.Scored, recorder.OutcomeRejected, reason)
		return Result{Outcome: OutcomeRejected, Approval: &req, Reason: reason}, fmt.Errorf("%w: %s", ErrStaleApproval, reason)
	}

	// The latest price only gates staleness; the order carries the
	// entry, stop and target the operator approved.
	e.resolve(ctx, &req, model.ApprovalApproved, "approved by "+operator)
	res, err := e.execute(ctx, cfg, req.Scored, req.CorrelationID, cfg.ModeOr(e.cfg.DefaultMode))
	res.Approval = &req
	return res, err
}

// SlippageTolerance is the configured tolerance, or a quarter of the stop
// distance when none is configured.
func SlippageTolerance(risk registry.RiskSettings, sig model.Signal) float64 {
	if risk.SlippageTolerance > 0 {
		return risk.SlippageTolerance
	}
	return sig.StopDistance / 4
}

func (e *Engine) latestPrice(ctx context.Context, sig model.Signal) (float64, error) {
	bars, err := e.gw.GetCandles(ctx, sig.AccountID, sig.Instrument, sig.Timeframe, 1)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, gateway.Transient("get_candles", sig.AccountID, errors.New("no candles"))
	}
	return bars[len(bars)-1].Close, nil
}

// ExpireDue discards every request past its expiry and returns them.
func (e *Engine) ExpireDue(ctx context.Context) []model.ApprovalRequest {
	expired := e.book.TakeExpired(e.now())
	for _, req := range expired {
		e.expire(ctx, req)
	}
	return expired
}

func (e *Engine) expire(ctx context.Context, req model.ApprovalRequest) {
	e.resolve(ctx, &req, model.ApprovalExpired, "expired")
	e.logger.Info("approval expired",
		zap.String("correlation_id", req.CorrelationID),
		zap.String("account", req.Scored.Signal.AccountID),
	)
}

// Pending returns the live approval requests, oldest first.
func (e *Engine) Pending() []model.ApprovalRequest {
	return e.book.Pending()
}

func (e *Engine) resolve(ctx context.Context, req *model.ApprovalRequest, status model.ApprovalStatus, reason string) {
	req.Status = status
	e.recordApproval(ctx, req)
	sig := req.Scored.Signal
	e.publish(ctx, model.Event{
		Type:          model.EventApprovalResolved,
		AccountID:     sig.AccountID,
		StrategyID:    sig.StrategyID,
		Instrument:    sig.Instrument,
		CorrelationID: req.CorrelationID,
		Reason:        reason,
	})
}

func (e *Engine) accountLock(account string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[account]
	if !ok {
		l = &sync.Mutex{}
		e.locks[account] = l
	}
	return l
}

// execute runs the guards and places the order under the account lock.
func (e *Engine) execute(ctx context.Context, cfg registry.StrategyConfig, scored model.ScoredSignal, correlationID string, mode registry.ExecutionMode) (Result, error) {
	sig := scored.Signal
	lock := e.accountLock(sig.AccountID)
	lock.Lock()
	defer lock.Unlock()

	if reason, disabled := e.ledger.Disabled(sig.AccountID); disabled {
		return e.drop(ctx, scored, recorder.OutcomeDropped, "account disabled: "+reason, ErrAccountDisabled)
	}

	positions, err := e.gw.GetOpenPositions(ctx, sig.AccountID)
	if err != nil {
		e.handleGatewayError(ctx, sig.AccountID, err)
		return e.drop(ctx, scored, recorder.OutcomeDropped, "get positions: "+err.Error(), err)
	}
	if err := checkGuards(cfg.Risk, sig, positions, e.ledger.TradesToday(sig.AccountID)); err != nil {
		return e.drop(ctx, scored, recorder.OutcomeDropped, err.Error(), err)
	}

	balance, err := e.gw.GetAccountBalance(ctx, sig.AccountID)
	if err != nil {
		e.handleGatewayError(ctx, sig.AccountID, err)
		return e.drop(ctx, scored, recorder.OutcomeDropped, "get balance: "+err.Error(), err)
	}
	size, notional, err := PositionSize(balance, cfg.Risk, sig.StopDistance, sig.EntryPrice)
	if err != nil {
		return e.drop(ctx, scored, recorder.OutcomeDropped, err.Error(), err)
	}

	order, err := e.gw.PlaceOrder(ctx, gateway.OrderRequest{
		AccountID:     sig.AccountID,
		StrategyID:    sig.StrategyID,
		Instrument:    sig.Instrument,
		Direction:     sig.Direction,
		Size:          size,
		EntryPrice:    sig.EntryPrice,
		StopPrice:     sig.StopPrice(),
		TargetPrice:   sig.TargetPrice(),
		CorrelationID: correlationID,
	})
	if err != nil {
		e.handleGatewayError(ctx, sig.AccountID, err)
		return e.drop(ctx, scored, recorder.OutcomeDropped, "place order: "+err.Error(), err)
	}
	tradesToday := e.ledger.RecordTrade(sig.AccountID)

	trade := &model.Trade{
		CorrelationID: correlationID,
		AccountID:     sig.AccountID,
		StrategyID:    sig.StrategyID,
		Instrument:    sig.Instrument,
		Direction:     sig.Direction,
		Mode:          string(mode),
		Score:         scored.Score,
		Size:          size.InexactFloat64(),
		Notional:      notional.InexactFloat64(),
		EntryPrice:    sig.EntryPrice,
		FilledPrice:   order.FilledPrice,
		StopPrice:     sig.StopPrice(),
		TargetPrice:   sig.TargetPrice(),
		OrderID:       order.ID,
		PositionID:    order.PositionID,
		ExecutedAt:    order.FilledAt,
	}
	if trade.ExecutedAt.IsZero() {
		trade.ExecutedAt = e.now()
	}
	if err := e.rec.RecordTrade(ctx, trade); err != nil {
		e.logger.Error("record trade", zap.Error(err))
	}
	e.recordSignal(ctx, &scored, recorder.OutcomeExecuted, correlationID)
	e.publish(ctx, model.Event{
		Type:          model.EventTradeExecuted,
		AccountID:     sig.AccountID,
		StrategyID:    sig.StrategyID,
		Instrument:    sig.Instrument,
		CorrelationID: correlationID,
		Reason:        fmt.Sprintf("%s %s", sig.Direction, mode),
		Fields: map[string]float64{
			"score":        scored.Score,
			"size":         trade.Size,
			"notional":     trade.Notional,
			"filled":       trade.FilledPrice,
			"stop":         trade.StopPrice,
			"target":       trade.TargetPrice,
			"trades_today": float64(tradesToday),
		},
	})
	e.logger.Info("trade executed",
		zap.String("correlation_id", correlationID),
		zap.String("account", sig.AccountID),
		zap.String("instrument", sig.Instrument),
		zap.String("direction", string(sig.Direction)),
		zap.String("size", size.String()),
		zap.Float64("filled", order.FilledPrice),
	)
	return Result{Outcome: OutcomeExecuted, Trade: trade}, nil
}

// checkGuards applies the position-count, daily-trade and stacking limits.
func checkGuards(risk registry.RiskSettings, sig model.Signal, positions []model.Position, tradesToday int) error {
	if len(positions) >= risk.MaxConcurrent {
		return &GuardError{Guard: GuardMaxConcurrent, Reason: fmt.Sprintf("%d open positions, limit %d", len(positions), risk.MaxConcurrent)}
	}
	if tradesToday >= risk.MaxTradesPerDay {
		return &GuardError{Guard: GuardDailyTrades, Reason: fmt.Sprintf("%d trades today, limit %d", tradesToday, risk.MaxTradesPerDay)}
	}
	if !risk.AllowStacking {
		for _, p := range positions {
			if p.Instrument == sig.Instrument {
				return &GuardError{Guard: GuardStacking, Reason: fmt.Sprintf("position %s already open on %s", p.ID, sig.Instrument)}
			}
		}
	}
	return nil
}

// drop records and announces a signal that will not trade.
func (e *Engine) drop(ctx context.Context, scored model.ScoredSignal, outcome, reason string, cause error) (Result, error) {
	sig := scored.Signal
	e.logger.Info("signal dropped",
		zap.String("account", sig.AccountID),
		zap.String("instrument", sig.Instrument),
		zap.Float64("score", scored.Score),
		zap.String("reason", reason),
	)
	e.recordSignal(ctx, &scored, outcome, reason)
	e.publish(ctx, model.Event{
		Type:       model.EventSignalDropped,
		AccountID:  sig.AccountID,
		StrategyID: sig.StrategyID,
		Instrument: sig.Instrument,
		Reason:     reason,
		Fields:     map[string]float64{"score": scored.Score},
	})
	res := Result{Outcome: OutcomeDropped, Reason: reason}
	if outcome == recorder.OutcomeRejected {
		res.Outcome = OutcomeRejected
	}
	return res, cause
}

// handleGatewayError disables the account on fatal errors.
func (e *Engine) handleGatewayError(ctx context.Context, account string, err error) {
	if !gateway.IsFatal(err) {
		return
	}
	DisableAccount(ctx, e.ledger, e.sink, account, err)
}

// DisableAccount excludes account until the next registry reload and
// announces it once.
func DisableAccount(ctx context.Context, ledger Ledger, sink notifier.Sink, account string, cause error) {
	if _, already := ledger.Disabled(account); already {
		return
	}
	ledger.Disable(account, cause.Error())
	_ = sink.Publish(ctx, model.Event{
		Type:      model.EventAccountDisabled,
		AccountID: account,
		Reason:    cause.Error(),
		Time:      time.Now(),
	})
}

func (e *Engine) recordSignal(ctx context.Context, scored *model.ScoredSignal, outcome, reason string) {
	if err := e.rec.RecordSignal(ctx, scored, outcome, reason); err != nil {
		e.logger.Error("record signal", zap.Error(err))
	}
}

func (e *Engine) recordApproval(ctx context.Context, req *model.ApprovalRequest) {
	if err := e.rec.RecordApproval(ctx, req); err != nil {
		e.logger.Error("record approval", zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, evt model.Event) {
	if evt.Time.IsZero() {
		evt.Time = e.now()
	}
	if err := e.sink.Publish(ctx, evt); err != nil {
		e.logger.Warn("publish event", zap.String("event", string(evt.Type)), zap.Error(err))
	}
}
