// Package protector runs the position protection loop: breakeven, partial
// take-profit, trailing stop and time-based force exit for every open
// position of every active account.
package protector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"TradeWarden/internal/execution"
	"TradeWarden/internal/gateway"
	"TradeWarden/internal/model"
	"TradeWarden/internal/notifier"
	"TradeWarden/internal/recorder"
	"TradeWarden/internal/registry"
)

// Deps are the protector's collaborators.
type Deps struct {
	Gateway  gateway.Gateway
	Ledger   execution.Ledger
	Store    recorder.StateStore
	Recorder recorder.Recorder
	Sink     notifier.Sink
	Logger   *zap.Logger
}

// Protector owns the tracked positions. Each account is processed by at
// most one goroutine per tick.
type Protector struct {
	gw      gateway.Gateway
	ledger  execution.Ledger
	store   recorder.StateStore
	rec     recorder.Recorder
	sink    notifier.Sink
	logger  *zap.Logger
	workers int
	now     func() time.Time

	mu      sync.Mutex
	tracked map[string]map[string]*model.Position
	loaded  map[string]map[string]model.ProtectionState
}

// New creates a protector processing up to workers accounts in parallel.
func New(deps Deps, workers int) *Protector {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Store == nil {
		deps.Store = recorder.NewMemoryStateStore()
	}
	if deps.Recorder == nil {
		deps.Recorder = recorder.NewNoopRecorder()
	}
	if deps.Sink == nil {
		deps.Sink = notifier.Multi{}
	}
	if workers <= 0 {
		workers = 1
	}
	return &Protector{
		gw:      deps.Gateway,
		ledger:  deps.Ledger,
		store:   deps.Store,
		rec:     deps.Recorder,
		sink:    deps.Sink,
		logger:  deps.Logger,
		workers: workers,
		now:     time.Now,
		tracked: map[string]map[string]*model.Position{},
		loaded:  map[string]map[string]model.ProtectionState{},
	}
}

// SetClock overrides the protector's time source.
func (p *Protector) SetClock(now func() time.Time) { p.now = now }

// Tick protects every active, enabled account in snap. Failures are
// isolated per account and retried on the next tick.
func (p *Protector) Tick(ctx context.Context, snap *registry.Snapshot) error {
	var g errgroup.Group
	g.SetLimit(p.workers)
	for _, cfg := range snap.Active() {
		if reason, disabled := p.ledger.Disabled(cfg.AccountID); disabled {
			p.logger.Debug("skipping disabled account", zap.String("account", cfg.AccountID), zap.String("reason", reason))
			continue
		}
		g.Go(func() error {
			p.protectAccount(ctx, cfg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (p *Protector) protectAccount(ctx context.Context, cfg registry.StrategyConfig) {
	account := cfg.AccountID
	log := p.logger.With(zap.String("account", account))

	positions, err := p.gw.GetOpenPositions(ctx, account)
	if err != nil {
		p.gatewayFailed(ctx, log, account, "get open positions", err)
		return
	}
	tracked, err := p.reconcile(ctx, account, positions)
	if err != nil {
		log.Warn("load protection state", zap.Error(err))
		return
	}
	for _, pos := range tracked {
		err := p.protect(ctx, cfg.Protection, &pos)
		p.update(pos)
		if err != nil {
			p.gatewayFailed(ctx, log.With(zap.String("position", pos.ID)), account, "protect position", err)
			if gateway.IsFatal(err) {
				return
			}
		}
	}
}

// update writes an evaluated copy back to the tracked set.
func (p *Protector) update(pos model.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.tracked[pos.AccountID][pos.ID]; ok {
		*cur = pos
	}
}

func (p *Protector) gatewayFailed(ctx context.Context, log *zap.Logger, account, op string, err error) {
	if gateway.IsFatal(err) {
		log.Error(op+" failed, disabling account", zap.Error(err))
		execution.DisableAccount(ctx, p.ledger, p.sink, account, err)
		return
	}
	log.Warn(op+" failed, retrying next tick", zap.Error(err))
}

// reconcile merges the broker's view with tracked state: new positions
// start tracking (from persisted state when there is one), vanished ones
// are closed out. It returns copies of the positions to evaluate.
func (p *Protector) reconcile(ctx context.Context, account string, positions []model.Position) ([]model.Position, error) {
	p.mu.Lock()
	persisted, ok := p.loaded[account]
	p.mu.Unlock()
	if !ok {
		var err error
		if persisted, err = p.store.LoadProtection(ctx, account); err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.loaded[account] = persisted
		p.mu.Unlock()
	}

	now := p.now()
	p.mu.Lock()
	tracked := p.tracked[account]
	if tracked == nil {
		tracked = map[string]*model.Position{}
		p.tracked[account] = tracked
	}
	seen := make(map[string]struct{}, len(positions))
	var (
		out     []model.Position
		started []model.Position
	)
	for _, bp := range positions {
		seen[bp.ID] = struct{}{}
		if cur, ok := tracked[bp.ID]; ok {
			cur.CurrentPrice = bp.CurrentPrice
			cur.Size = bp.Size
			cur.UnrealizedPnL = bp.UnrealizedPnL
			cur.RealizedPnL = bp.RealizedPnL
			if tighter(cur.Direction, bp.StopPrice, cur.StopPrice) {
				cur.StopPrice = bp.StopPrice
			}
			out = append(out, *cur)
			continue
		}
		pos := bp
		pos.AccountID = account
		pos.Stage = model.StageNone
		pos.PartialTaken = false
		pos.PeakGain = 0
		pos.LastProgressAt = now
		if st, ok := persisted[pos.ID]; ok {
			pos.Restore(st)
		}
		if pos.OpenedAt.IsZero() {
			pos.OpenedAt = now
		}
		if pos.InitialSize == 0 {
			pos.InitialSize = pos.Size
		}
		tracked[pos.ID] = &pos
		out = append(out, pos)
		started = append(started, pos)
	}
	var gone []model.Position
	for id, pos := range tracked {
		if _, ok := seen[id]; !ok {
			gone = append(gone, *pos)
			delete(tracked, id)
		}
	}
	for _, pos := range started {
		delete(persisted, pos.ID)
	}
	p.mu.Unlock()

	for _, pos := range started {
		p.logger.Info("tracking position",
			zap.String("account", account),
			zap.String("position", pos.ID),
			zap.String("instrument", pos.Instrument),
			zap.String("stage", pos.Stage.String()),
			zap.Float64("entry", pos.EntryPrice),
			zap.Float64("stop", pos.StopPrice),
		)
		p.saveState(ctx, &pos)
	}
	for _, pos := range gone {
		p.closed(ctx, pos, now)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

// closed records a position the broker no longer reports.
func (p *Protector) closed(ctx context.Context, pos model.Position, now time.Time) {
	reason := "closed at broker"
	if pos.Stage == model.StageForceExitPending {
		reason = "force exit filled"
	}
	p.transition(ctx, pos, Step{Kind: StepAdvance, From: pos.Stage, To: model.StageClosed, Reason: reason}, pos.StopPrice, now)
	if err := p.store.DeleteProtection(ctx, pos.AccountID, pos.ID); err != nil {
		p.logger.Warn("delete protection state", zap.String("position", pos.ID), zap.Error(err))
	}
	p.publish(ctx, model.Event{
		Type:       model.EventPositionClosed,
		AccountID:  pos.AccountID,
		StrategyID: pos.StrategyID,
		Instrument: pos.Instrument,
		Reason:     reason,
		Fields: map[string]float64{
			"entry":      pos.EntryPrice,
			"last_price": pos.CurrentPrice,
			"stop":       pos.StopPrice,
			"peak_gain":  pos.PeakGain,
		},
		Time: now,
	})
}

// protect evaluates one position and applies the steps in order, stopping
// at the first broker failure so local state never runs ahead of the broker.
func (p *Protector) protect(ctx context.Context, settings registry.ProtectionSettings, pos *model.Position) error {
	now := p.now()
	dirty := false
	if gain := pos.Gain(pos.CurrentPrice); gain > pos.PeakGain+epsilon {
		pos.PeakGain = gain
		pos.LastProgressAt = now
		dirty = true
	}

	for _, st := range Evaluate(*pos, settings, now) {
		var err error
		switch st.Kind {
		case StepMoveStop:
			if !tighter(pos.Direction, st.StopPrice, pos.StopPrice) {
				continue
			}
			err = p.gw.ModifyStop(ctx, pos.AccountID, pos.ID, st.StopPrice)
		case StepClosePartial:
			if pos.PartialTaken {
				continue
			}
			err = p.gw.ClosePosition(ctx, pos.AccountID, pos.ID, st.Fraction)
		case StepCloseAll:
			err = p.gw.ClosePosition(ctx, pos.AccountID, pos.ID, 1)
		}
		if err != nil {
			if dirty {
				p.saveState(ctx, pos)
			}
			return fmt.Errorf("%s %s->%s: %w", st.Kind, st.From, st.To, err)
		}

		stopBefore := pos.StopPrice
		switch st.Kind {
		case StepMoveStop:
			pos.StopPrice = st.StopPrice
		case StepClosePartial:
			pos.PartialTaken = true
			pos.Size *= 1 - st.Fraction
		}
		pos.Stage = st.To
		dirty = true
		p.transition(ctx, *pos, st, stopBefore, now)
	}
	if dirty {
		p.saveState(ctx, pos)
	}
	return nil
}

// transition audits one applied step and emits its events.
func (p *Protector) transition(ctx context.Context, pos model.Position, st Step, stopBefore float64, now time.Time) {
	gain := pos.Gain(pos.CurrentPrice)
	p.logger.Info("protection step",
		zap.String("account", pos.AccountID),
		zap.String("position", pos.ID),
		zap.String("instrument", pos.Instrument),
		zap.String("action", string(st.Kind)),
		zap.String("from", st.From.String()),
		zap.String("to", st.To.String()),
		zap.Float64("price", pos.CurrentPrice),
		zap.Float64("gain", gain),
		zap.Float64("stop_before", stopBefore),
		zap.Float64("stop_after", pos.StopPrice),
		zap.String("reason", st.Reason),
	)
	if err := p.rec.RecordTransition(ctx, &model.StageTransition{
		AccountID:  pos.AccountID,
		PositionID: pos.ID,
		Instrument: pos.Instrument,
		From:       st.From,
		To:         st.To,
		Action:     string(st.Kind),
		Price:      pos.CurrentPrice,
		Gain:       gain,
		StopBefore: stopBefore,
		StopAfter:  pos.StopPrice,
		Reason:     st.Reason,
		At:         now,
	}); err != nil {
		p.logger.Error("record transition", zap.Error(err))
	}

	base := model.Event{
		AccountID:  pos.AccountID,
		StrategyID: pos.StrategyID,
		Instrument: pos.Instrument,
		Reason:     st.Reason,
		Fields: map[string]float64{
			"price":       pos.CurrentPrice,
			"gain":        gain,
			"stop_before": stopBefore,
			"stop_after":  pos.StopPrice,
			"size":        pos.Size,
		},
		Time: now,
	}
	if st.From != st.To && st.To != model.StageClosed {
		evt := base
		evt.Type = model.EventStageTransition
		evt.Reason = fmt.Sprintf("%s -> %s: %s", st.From, st.To, st.Reason)
		p.publish(ctx, evt)
	}
	if st.Kind == StepMoveStop {
		evt := base
		evt.Type = model.EventStopModified
		p.publish(ctx, evt)
	}
	if st.Kind == StepCloseAll {
		evt := base
		evt.Type = model.EventForceExit
		p.publish(ctx, evt)
	}
}

func (p *Protector) saveState(ctx context.Context, pos *model.Position) {
	st := pos.ProtectionState()
	if err := p.store.SaveProtection(ctx, &st); err != nil {
		p.logger.Warn("save protection state", zap.String("position", pos.ID), zap.Error(err))
	}
}

func (p *Protector) publish(ctx context.Context, evt model.Event) {
	if err := p.sink.Publish(ctx, evt); err != nil {
		p.logger.Warn("publish event", zap.String("event", string(evt.Type)), zap.Error(err))
	}
}

// Positions returns a copy of every tracked position, by account then age.
func (p *Protector) Positions() []model.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Position
	for _, byID := range p.tracked {
		for _, pos := range byID {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}
