package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"TradeWarden/internal/config"
	"TradeWarden/internal/execution"
	"TradeWarden/internal/gateway"
	"TradeWarden/internal/ledger"
	"TradeWarden/internal/model"
	"TradeWarden/internal/notifier"
	"TradeWarden/internal/protector"
	"TradeWarden/internal/registry"
	"TradeWarden/internal/scanner"
	"TradeWarden/internal/scorer"
)

// scanDelay gives the broker time to publish a bar after its close.
const scanDelay = 5 * time.Second

// Deps are the components the scheduler drives.
type Deps struct {
	Registry  *registry.Registry
	Gateway   gateway.Gateway
	Scanner   *scanner.Scanner
	Engine    *execution.Engine
	Protector *protector.Protector
	Ledger    *ledger.Manager
	Sink      notifier.Sink
	Logger    *zap.Logger
}

// Scheduler manages the scan, protection, approval-expiry and daily-reset
// cron jobs. Overlapping runs of a job are skipped, and every run is
// bounded by twice its interval.
type Scheduler struct {
	Cron *cron.Cron

	cfg       config.SchedulerConfig
	registry  *registry.Registry
	gw        gateway.Gateway
	scanner   *scanner.Scanner
	engine    *execution.Engine
	protector *protector.Protector
	ledger    *ledger.Manager
	sink      notifier.Sink
	logger    *zap.Logger
	ctx       context.Context

	mu           sync.Mutex
	scanEntry    cron.EntryID
	scanInterval time.Duration
}

// NewScheduler creates a Scheduler; jobs run under ctx.
func NewScheduler(ctx context.Context, cfg config.SchedulerConfig, deps Deps) *Scheduler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sink == nil {
		deps.Sink = notifier.Multi{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	clog := cron.PrintfLogger(zap.NewStdLog(deps.Logger.Named("cron")))
	s := &Scheduler{
		Cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		cfg:       cfg,
		registry:  deps.Registry,
		gw:        deps.Gateway,
		scanner:   deps.Scanner,
		engine:    deps.Engine,
		protector: deps.Protector,
		ledger:    deps.Ledger,
		sink:      deps.Sink,
		logger:    deps.Logger,
		ctx:       ctx,
	}
	deps.Registry.OnReload(s.onReload)
	return s
}

// RegisterAll registers the scan, protect, expiry and daily reset jobs.
func (s *Scheduler) RegisterAll() error {
	if err := s.scheduleScan(s.registry.Snapshot()); err != nil {
		return err
	}
	protectEvery := s.cfg.ProtectInterval
	if _, err := s.Cron.AddFunc(everySpec(protectEvery), func() {
		s.withTimeout(protectEvery, s.ProtectOnce)
	}); err != nil {
		return fmt.Errorf("register protect task: %w", err)
	}
	expiryEvery := s.cfg.ExpiryInterval
	if _, err := s.Cron.AddFunc(everySpec(expiryEvery), func() {
		s.withTimeout(expiryEvery, s.ExpireOnce)
	}); err != nil {
		return fmt.Errorf("register expiry task: %w", err)
	}
	if _, err := s.Cron.AddFunc(s.cfg.DailyResetCron, func() {
		s.ledger.ResetDaily()
		s.logger.Info("daily trade counters reset")
	}); err != nil {
		return fmt.Errorf("register daily reset: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	s.logger.Info("scheduler started")
}

// Stop stops the cron scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RunScanNow runs one scan immediately, outside the cron cadence.
func (s *Scheduler) RunScanNow() {
	s.logger.Info("manual scan triggered")
	s.withTimeout(s.ScanInterval(), s.ScanOnce)
}

// ScanInterval is the cadence the scan job is registered with.
func (s *Scheduler) ScanInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanInterval
}

func (s *Scheduler) scanEvery(snap *registry.Snapshot) time.Duration {
	if s.cfg.ScanInterval > 0 {
		return s.cfg.ScanInterval
	}
	if d := snap.ShortestTimeframe(); d > 0 {
		return d
	}
	return time.Minute
}

// scheduleScan (re)registers the scan job when the cadence changed.
func (s *Scheduler) scheduleScan(snap *registry.Snapshot) error {
	every := s.scanEvery(snap)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanEntry != 0 && every == s.scanInterval {
		return nil
	}
	id, err := s.Cron.AddFunc(scanSpec(every), func() {
		s.withTimeout(every, s.ScanOnce)
	})
	if err != nil {
		return fmt.Errorf("register scan task: %w", err)
	}
	if s.scanEntry != 0 {
		s.Cron.Remove(s.scanEntry)
	}
	s.scanEntry = id
	s.scanInterval = every
	s.logger.Info("scan cadence", zap.Duration("every", every), zap.String("spec", scanSpec(every)))
	return nil
}

// scanSpec aligns the scan to candle closes when the interval divides an
// hour into whole minutes; other intervals run every interval from start.
func scanSpec(every time.Duration) string {
	if every >= time.Minute && every < time.Hour && every%time.Minute == 0 && time.Hour%every == 0 {
		return fmt.Sprintf("%d */%d * * * *", int(scanDelay.Seconds()), int(every.Minutes()))
	}
	if every == time.Hour {
		return fmt.Sprintf("%d 0 * * * *", int(scanDelay.Seconds()))
	}
	return everySpec(every)
}

func everySpec(every time.Duration) string {
	return "@every " + every.String()
}

func (s *Scheduler) withTimeout(interval time.Duration, run func(context.Context)) {
	if interval <= 0 {
		interval = s.scanEvery(s.registry.Snapshot())
	}
	ctx, cancel := context.WithTimeout(s.ctx, 2*interval)
	defer cancel()
	run(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("tick abandoned at deadline", zap.Duration("deadline", 2*interval))
	}
}

func (s *Scheduler) onReload(snap *registry.Snapshot) {
	s.ledger.ClearDisabled()
	if err := s.scheduleScan(snap); err != nil {
		s.logger.Error("reschedule scan", zap.Error(err))
	}
	if err := s.sink.Publish(s.ctx, model.Event{
		Type:   model.EventRegistryReloaded,
		Reason: fmt.Sprintf("%d strategies, %d active", len(snap.Strategies()), len(snap.Active())),
		Fields: map[string]float64{"version": float64(snap.Version)},
		Time:   time.Now(),
	}); err != nil {
		s.logger.Warn("publish reload event", zap.Error(err))
	}
}

// ScanOnce runs one scan-and-decide cycle over every active, enabled account.
func (s *Scheduler) ScanOnce(ctx context.Context) {
	snap := s.registry.Snapshot()
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, cfg := range snap.Active() {
		if _, disabled := s.ledger.Disabled(cfg.AccountID); disabled {
			continue
		}
		g.Go(func() error {
			s.scanAccount(ctx, snap, cfg)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) scanAccount(ctx context.Context, snap *registry.Snapshot, cfg registry.StrategyConfig) {
	log := s.logger.With(zap.String("account", cfg.AccountID), zap.String("strategy", cfg.StrategyID))
	for _, inst := range cfg.Instruments {
		if ctx.Err() != nil {
			return
		}
		res, err := s.scanner.Scan(ctx, cfg, inst)
		if err != nil {
			if s.scanFailed(ctx, log.With(zap.String("instrument", inst)), cfg.AccountID, err) {
				return
			}
			continue
		}
		if res.Signal == nil {
			continue
		}

		scored := scorer.Score(*res.Signal, cfg, s.scoreContext(ctx, snap, cfg, res))
		log.Info("signal scored",
			zap.String("instrument", inst),
			zap.String("direction", string(scored.Signal.Direction)),
			zap.Float64("score", scored.Score),
			zap.String("action", string(scored.Action)),
		)
		if _, err := s.engine.Decide(ctx, cfg, scored); err != nil {
			var guard *execution.GuardError
			switch {
			case errors.As(err, &guard), errors.Is(err, execution.ErrApprovalPending):
				// Already logged and announced as a dropped signal.
			case errors.Is(err, execution.ErrAccountDisabled), gateway.IsFatal(err):
				return
			default:
				log.Warn("decide failed", zap.String("instrument", inst), zap.Error(err))
			}
		}
	}
}

// scanFailed logs a scan error and reports whether the account must stop.
func (s *Scheduler) scanFailed(ctx context.Context, log *zap.Logger, account string, err error) bool {
	var invalid *scanner.ValidationError
	switch {
	case errors.Is(err, scanner.ErrAlreadyScanned):
		log.Debug("candle already scanned")
	case errors.Is(err, scanner.ErrWarmingUp):
		log.Info("skipping instrument", zap.Error(err))
	case errors.As(err, &invalid):
		log.Warn("invalid candles, skipping instrument", zap.Error(err))
	case gateway.IsFatal(err):
		log.Error("fatal gateway error, disabling account", zap.Error(err))
		execution.DisableAccount(ctx, s.ledger, s.sink, account, err)
		return true
	default:
		log.Warn("scan failed", zap.Error(err))
	}
	return false
}

// scoreContext gathers the account's open positions and the candle windows
// of the instruments they hold for correlation scoring.
func (s *Scheduler) scoreContext(ctx context.Context, snap *registry.Snapshot, cfg registry.StrategyConfig, res scanner.Result) scorer.Context {
	sc := scorer.Context{Candles: res.Candles, CorrelationGroups: snap.CorrelationGroups}
	positions, err := s.gw.GetOpenPositions(ctx, cfg.AccountID)
	if err != nil {
		s.logger.Warn("score context: open positions unavailable", zap.String("account", cfg.AccountID), zap.Error(err))
		return sc
	}
	sc.OpenPositions = positions
	for _, p := range positions {
		if p.Instrument == res.Signal.Instrument || sc.Peers[p.Instrument] != nil {
			continue
		}
		bars, err := s.gw.GetCandles(ctx, cfg.AccountID, p.Instrument, cfg.Timeframe, len(res.Candles))
		if err != nil {
			s.logger.Debug("score context: peer candles unavailable", zap.String("instrument", p.Instrument), zap.Error(err))
			continue
		}
		if sc.Peers == nil {
			sc.Peers = map[string][]model.Candle{}
		}
		sc.Peers[p.Instrument] = bars
	}
	return sc
}

// ProtectOnce runs one protection cycle.
func (s *Scheduler) ProtectOnce(ctx context.Context) {
	if err := s.protector.Tick(ctx, s.registry.Snapshot()); err != nil {
		s.logger.Warn("protect tick", zap.Error(err))
	}
}

// ExpireOnce discards expired approval requests.
func (s *Scheduler) ExpireOnce(ctx context.Context) {
	if expired := s.engine.ExpireDue(ctx); len(expired) > 0 {
		s.logger.Info("approvals expired", zap.Int("count", len(expired)))
	}
}
