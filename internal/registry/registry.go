package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of the strategy registry.
type File struct {
	Strategies        []StrategyConfig `yaml:"strategies"`
	CorrelationGroups [][]string       `yaml:"correlation_groups"`
}

// Snapshot is an immutable view of the registry. A reload replaces the
// whole snapshot; callers holding an old one keep a consistent view.
type Snapshot struct {
	Version           int64
	LoadedAt          time.Time
	CorrelationGroups [][]string

	strategies []StrategyConfig
	byAccount  map[string]int
}

// NewSnapshot validates strategies and builds a snapshot from them.
func NewSnapshot(f File) (*Snapshot, error) {
	for i := range f.Strategies {
		f.Strategies[i].applyDefaults()
	}
	if err := Validate(f); err != nil {
		return nil, err
	}
	s := &Snapshot{
		LoadedAt:          time.Now(),
		CorrelationGroups: f.CorrelationGroups,
		strategies:        f.Strategies,
		byAccount:         make(map[string]int, len(f.Strategies)),
	}
	for i, c := range f.Strategies {
		s.byAccount[c.AccountID] = i
	}
	return s, nil
}

// Strategies returns a copy of all configured strategies in file order.
func (s *Snapshot) Strategies() []StrategyConfig {
	out := make([]StrategyConfig, len(s.strategies))
	copy(out, s.strategies)
	return out
}

// Active returns the strategies flagged active.
func (s *Snapshot) Active() []StrategyConfig {
	out := make([]StrategyConfig, 0, len(s.strategies))
	for _, c := range s.strategies {
		if c.Active {
			out = append(out, c)
		}
	}
	return out
}

// Lookup returns the strategy configured for account.
func (s *Snapshot) Lookup(account string) (StrategyConfig, bool) {
	i, ok := s.byAccount[account]
	if !ok {
		return StrategyConfig{}, false
	}
	return s.strategies[i], true
}

// Instruments returns every distinct instrument declared by any strategy, sorted.
func (s *Snapshot) Instruments() []string {
	seen := map[string]struct{}{}
	for _, c := range s.strategies {
		for _, inst := range c.Instruments {
			seen[inst] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for inst := range seen {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// ShortestTimeframe is the scan cadence: the smallest active timeframe.
func (s *Snapshot) ShortestTimeframe() time.Duration {
	var shortest time.Duration
	for _, c := range s.strategies {
		if !c.Active {
			continue
		}
		d, err := c.TimeframeDuration()
		if err != nil {
			continue
		}
		if shortest == 0 || d < shortest {
			shortest = d
		}
	}
	return shortest
}

// Load reads and validates a registry file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return NewSnapshot(f)
}

// Validate checks every strategy and the correlation groups.
func Validate(f File) error {
	if len(f.Strategies) == 0 {
		return errors.New("registry: no strategies configured")
	}
	accounts := map[string]struct{}{}
	declared := map[string]struct{}{}
	var errs []error
	for i, c := range f.Strategies {
		if c.AccountID == "" {
			errs = append(errs, fmt.Errorf("strategies[%d]: account is required", i))
			continue
		}
		if _, dup := accounts[c.AccountID]; dup {
			errs = append(errs, fmt.Errorf("account %s: configured more than once", c.AccountID))
		}
		accounts[c.AccountID] = struct{}{}
		if err := validateStrategy(c); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", c.AccountID, err))
		}
		for _, inst := range c.Instruments {
			declared[inst] = struct{}{}
		}
	}
	for gi, g := range f.CorrelationGroups {
		for _, inst := range g {
			if _, ok := declared[inst]; !ok {
				errs = append(errs, fmt.Errorf("correlation_groups[%d]: instrument %s is not traded by any strategy", gi, inst))
			}
		}
	}
	return errors.Join(errs...)
}

func validateStrategy(c StrategyConfig) error {
	if c.StrategyID == "" {
		return errors.New("strategy is required")
	}
	if len(c.Instruments) == 0 {
		return errors.New("at least one instrument is required")
	}
	seen := map[string]struct{}{}
	for _, inst := range c.Instruments {
		if inst == "" {
			return errors.New("empty instrument symbol")
		}
		if _, dup := seen[inst]; dup {
			return fmt.Errorf("instrument %s listed twice", inst)
		}
		seen[inst] = struct{}{}
	}
	if _, err := c.TimeframeDuration(); err != nil {
		return err
	}
	if c.Mode != "" && !c.Mode.Valid() {
		return fmt.Errorf("unknown execution mode %q", c.Mode)
	}

	p := c.Indicators
	if p.FastPeriod >= p.SlowPeriod {
		return fmt.Errorf("fast_period %d must be below slow_period %d", p.FastPeriod, p.SlowPeriod)
	}
	if p.StopATR <= 0 || p.TargetATR <= 0 {
		return errors.New("stop_atr and target_atr must be positive")
	}

	if err := ValidateWeights(c.Scoring.Weights); err != nil {
		return err
	}
	s := c.Scoring
	if s.RejectThreshold < 0 || s.AutoThreshold > 100 || s.RejectThreshold >= s.AutoThreshold {
		return fmt.Errorf("thresholds must satisfy 0 <= reject (%.1f) < auto (%.1f) <= 100", s.RejectThreshold, s.AutoThreshold)
	}
	for _, sess := range s.Sessions {
		if _, err := parseClock(sess.Start); err != nil {
			return fmt.Errorf("session %s: %w", sess.Name, err)
		}
		if _, err := parseClock(sess.End); err != nil {
			return fmt.Errorf("session %s: %w", sess.Name, err)
		}
	}

	r := c.Risk
	if r.RiskPerTrade <= 0 || r.RiskPerTrade > 1 {
		return fmt.Errorf("risk_per_trade %.4f must be in (0, 1]", r.RiskPerTrade)
	}
	if r.MaxConcurrent <= 0 {
		return errors.New("max_concurrent_positions must be positive")
	}
	if r.MaxTradesPerDay <= 0 {
		return errors.New("max_trades_per_day must be positive")
	}
	if r.MaxNotional <= 0 {
		return errors.New("max_notional must be positive")
	}
	if r.SlippageTolerance < 0 {
		return errors.New("slippage_tolerance must not be negative")
	}

	pr := c.Protection
	if pr.BreakevenTrigger <= 0 || pr.PartialTrigger < pr.BreakevenTrigger || pr.TrailingTrigger < pr.PartialTrigger {
		return errors.New("protection triggers must satisfy 0 < breakeven <= partial <= trailing")
	}
	if pr.BreakevenBuffer < 0 || pr.BreakevenBuffer >= pr.BreakevenTrigger {
		return errors.New("breakeven_buffer must be in [0, breakeven_trigger)")
	}
	if pr.PartialFraction <= 0 || pr.PartialFraction >= 1 {
		return errors.New("partial_fraction must be in (0, 1)")
	}
	if pr.TrailingDistance <= 0 {
		return errors.New("trailing_distance must be positive")
	}
	if pr.MaxHold <= 0 {
		return errors.New("max_hold must be positive")
	}
	return nil
}

// ValidateWeights requires exactly the known factors with weights summing to 100.
func ValidateWeights(w map[string]float64) error {
	if len(w) != len(FactorOrder) {
		return fmt.Errorf("weights must name exactly %d factors, got %d", len(FactorOrder), len(w))
	}
	sum := 0.0
	for _, name := range FactorOrder {
		v, ok := w[name]
		if !ok {
			return fmt.Errorf("weights: missing factor %s", name)
		}
		if v < 0 {
			return fmt.Errorf("weights: factor %s is negative", name)
		}
		sum += v
	}
	if math.Abs(sum-100) > 1e-9 {
		return fmt.Errorf("weights sum to %.4f, want 100", sum)
	}
	return nil
}

// Registry owns the current snapshot and the single reload path.
type Registry struct {
	path    string
	logger  *zap.Logger
	current atomic.Pointer[Snapshot]
	version atomic.Int64

	mu       sync.Mutex
	onReload []func(*Snapshot)
}

// New loads path and returns a registry serving it.
func New(path string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{path: path, logger: logger}
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	r.install(snap)
	return r, nil
}

// NewStatic serves a fixed snapshot; Reload re-validates nothing and is a no-op.
func NewStatic(snap *Snapshot) *Registry {
	r := &Registry{logger: zap.NewNop()}
	r.install(snap)
	return r
}

func (r *Registry) install(snap *Snapshot) {
	snap.Version = r.version.Add(1)
	r.current.Store(snap)
}

// Snapshot returns the current registry view.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// OnReload registers a callback run after each successful reload.
func (r *Registry) OnReload(fn func(*Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = append(r.onReload, fn)
}

// Reload re-reads the registry file and atomically swaps the snapshot.
// On error the previous snapshot stays in place.
func (r *Registry) Reload() (*Snapshot, error) {
	if r.path == "" {
		return r.Snapshot(), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := Load(r.path)
	if err != nil {
		r.logger.Error("registry reload rejected, keeping previous snapshot",
			zap.String("path", r.path), zap.Error(err))
		return nil, err
	}
	r.install(snap)
	r.logger.Info("registry reloaded",
		zap.String("path", r.path),
		zap.Int64("version", snap.Version),
		zap.Int("strategies", len(snap.strategies)),
	)
	for _, fn := range r.onReload {
		fn(snap)
	}
	return snap, nil
}

// InstrumentLister is implemented by gateways that can enumerate tradable
// instruments. An empty list accepts every instrument.
type InstrumentLister interface {
	Instruments(ctx context.Context) ([]string, error)
}

// CheckInstruments fails when the registry declares instruments the
// gateway does not know. The registry is the only source of truth for
// what is scanned; this check catches drift against the broker at startup.
func CheckInstruments(ctx context.Context, snap *Snapshot, lister InstrumentLister) error {
	list, err := lister.Instruments(ctx)
	if err != nil {
		return fmt.Errorf("list gateway instruments: %w", err)
	}
	if len(list) == 0 {
		return nil
	}
	known := map[string]struct{}{}
	for _, inst := range list {
		known[inst] = struct{}{}
	}
	var missing []string
	for _, inst := range snap.Instruments() {
		if _, ok := known[inst]; !ok {
			missing = append(missing, inst)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("registry instruments unknown to gateway: %v", missing)
	}
	return nil
}
