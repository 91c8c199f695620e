package registry

import (
	"fmt"
	"time"
)

// Factor names understood by the quality scorer.
const (
	FactorTrend       = "trend"
	FactorSession     = "session"
	FactorRiskReward  = "risk_reward"
	FactorStructure   = "structure"
	FactorVolume      = "volume"
	FactorMomentum    = "momentum"
	FactorCorrelation = "correlation"
)

// FactorOrder is the fixed evaluation order of the scorer's factors.
var FactorOrder = []string{
	FactorTrend, FactorSession, FactorRiskReward, FactorStructure,
	FactorVolume, FactorMomentum, FactorCorrelation,
}

// DefaultWeights sum to 100.
var DefaultWeights = map[string]float64{
	FactorTrend:       20,
	FactorSession:     10,
	FactorRiskReward:  15,
	FactorStructure:   15,
	FactorVolume:      10,
	FactorMomentum:    15,
	FactorCorrelation: 15,
}

// ExecutionMode selects how scored signals reach the gateway.
type ExecutionMode string

const (
	ModeAuto         ExecutionMode = "auto"
	ModeQualityGated ExecutionMode = "quality_gated"
	ModeManual       ExecutionMode = "manual"
)

// Valid reports whether m is one of the known modes.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeAuto, ModeQualityGated, ModeManual:
		return true
	}
	return false
}

// IndicatorParams configures the scanner's indicator set.
type IndicatorParams struct {
	FastPeriod     int     `yaml:"fast_period"`
	SlowPeriod     int     `yaml:"slow_period"`
	RSIPeriod      int     `yaml:"rsi_period"`
	ADXPeriod      int     `yaml:"adx_period"`
	ATRPeriod      int     `yaml:"atr_period"`
	SwingLookback  int     `yaml:"swing_lookback"`
	VolumeLookback int     `yaml:"volume_lookback"`
	MinADX         float64 `yaml:"min_adx"`
	RSIUpper       float64 `yaml:"rsi_upper"`
	RSILower       float64 `yaml:"rsi_lower"`
	RSIBreach      bool    `yaml:"rsi_breach"`
	StopATR        float64 `yaml:"stop_atr"`
	TargetATR      float64 `yaml:"target_atr"`
}

// WarmupBars is one bar more than the longest lookback any indicator needs.
func (p IndicatorParams) WarmupBars() int {
	longest := p.SlowPeriod + 1
	for _, n := range []int{p.FastPeriod + 1, p.RSIPeriod + 1, 2*p.ADXPeriod + 1, p.ATRPeriod + 1, p.SwingLookback + 1, p.VolumeLookback + 1} {
		if n > longest {
			longest = n
		}
	}
	return longest + 1
}

// RiskSettings are the per-account pre-execution limits.
type RiskSettings struct {
	RiskPerTrade      float64 `yaml:"risk_per_trade"` // fraction of balance
	MaxConcurrent     int     `yaml:"max_concurrent_positions"`
	MaxTradesPerDay   int     `yaml:"max_trades_per_day"`
	MaxNotional       float64 `yaml:"max_notional"`
	AllowStacking     bool    `yaml:"allow_stacking"`
	SlippageTolerance float64 `yaml:"slippage_tolerance"` // price units
}

// Session is a liquidity window in UTC, e.g. "07:00"-"16:00".
type Session struct {
	Name      string  `yaml:"name"`
	Start     string  `yaml:"start"`
	End       string  `yaml:"end"`
	Liquidity float64 `yaml:"liquidity"` // 0..1
}

// Contains reports whether the time-of-day of t (UTC) falls in the window.
// Windows may wrap midnight.
func (s Session) Contains(t time.Time) bool {
	start, err1 := parseClock(s.Start)
	end, err2 := parseClock(s.End)
	if err1 != nil || err2 != nil {
		return false
	}
	t = t.UTC()
	m := t.Hour()*60 + t.Minute()
	if start <= end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// DefaultSessions is used when a strategy declares none.
var DefaultSessions = []Session{
	{Name: "tokyo", Start: "00:00", End: "09:00", Liquidity: 0.5},
	{Name: "london", Start: "07:00", End: "16:00", Liquidity: 1.0},
	{Name: "newyork", Start: "12:00", End: "21:00", Liquidity: 0.9},
}

// ScoringConfig drives the quality scorer and the decision mapping.
type ScoringConfig struct {
	Weights         map[string]float64 `yaml:"weights"`
	AutoThreshold   float64            `yaml:"auto_threshold"`
	RejectThreshold float64            `yaml:"reject_threshold"`
	Sessions        []Session          `yaml:"sessions"`
	OffSession      float64            `yaml:"off_session_liquidity"`
	MinCorrelation  float64            `yaml:"min_correlation"`
}

// ProtectionSettings drive the position protector. Distances are price units.
type ProtectionSettings struct {
	BreakevenTrigger  float64       `yaml:"breakeven_trigger"`
	BreakevenBuffer   float64       `yaml:"breakeven_buffer"`
	PartialTrigger    float64       `yaml:"partial_trigger"`
	PartialFraction   float64       `yaml:"partial_fraction"`
	TrailingTrigger   float64       `yaml:"trailing_trigger"`
	TrailingDistance  float64       `yaml:"trailing_distance"`
	MaxHold           time.Duration `yaml:"max_hold"`
	StagnationTimeout time.Duration `yaml:"stagnation_timeout"`
}

// StrategyConfig is one account's strategy. Immutable once loaded.
type StrategyConfig struct {
	AccountID   string             `yaml:"account"`
	StrategyID  string             `yaml:"strategy"`
	Instruments []string           `yaml:"instruments"`
	Timeframe   string             `yaml:"timeframe"`
	Active      bool               `yaml:"active"`
	Mode        ExecutionMode      `yaml:"mode"`
	Indicators  IndicatorParams    `yaml:"indicators"`
	Risk        RiskSettings       `yaml:"risk"`
	Scoring     ScoringConfig      `yaml:"scoring"`
	Protection  ProtectionSettings `yaml:"protection"`
}

// ModeOr returns the strategy's mode override or fallback.
func (c StrategyConfig) ModeOr(fallback ExecutionMode) ExecutionMode {
	if c.Mode != "" {
		return c.Mode
	}
	return fallback
}

// TimeframeDuration parses the candle timeframe ("1m", "5m", "1h", "1d").
func (c StrategyConfig) TimeframeDuration() (time.Duration, error) {
	return ParseTimeframe(c.Timeframe)
}

// HasInstrument reports whether the strategy trades instrument.
func (c StrategyConfig) HasInstrument(instrument string) bool {
	for _, i := range c.Instruments {
		if i == instrument {
			return true
		}
	}
	return false
}

// ParseTimeframe converts timeframe labels to durations.
func ParseTimeframe(tf string) (time.Duration, error) {
	switch tf {
	case "1d", "1D":
		return 24 * time.Hour, nil
	case "1w", "1W":
		return 7 * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(tf)
	if err != nil {
		return 0, fmt.Errorf("unknown timeframe %q", tf)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeframe %q must be positive", tf)
	}
	return d, nil
}

func (c *StrategyConfig) applyDefaults() {
	p := &c.Indicators
	if p.FastPeriod == 0 {
		p.FastPeriod = 9
	}
	if p.SlowPeriod == 0 {
		p.SlowPeriod = 21
	}
	if p.RSIPeriod == 0 {
		p.RSIPeriod = 14
	}
	if p.ADXPeriod == 0 {
		p.ADXPeriod = 14
	}
	if p.ATRPeriod == 0 {
		p.ATRPeriod = 14
	}
	if p.SwingLookback == 0 {
		p.SwingLookback = 20
	}
	if p.VolumeLookback == 0 {
		p.VolumeLookback = 20
	}
	if p.RSIUpper == 0 {
		p.RSIUpper = 70
	}
	if p.RSILower == 0 {
		p.RSILower = 30
	}
	if p.StopATR == 0 {
		p.StopATR = 1.5
	}
	if p.TargetATR == 0 {
		p.TargetATR = 3.0
	}
	if c.Timeframe == "" {
		c.Timeframe = "5m"
	}

	s := &c.Scoring
	if len(s.Weights) == 0 {
		s.Weights = make(map[string]float64, len(DefaultWeights))
		for k, v := range DefaultWeights {
			s.Weights[k] = v
		}
	}
	if s.AutoThreshold == 0 && s.RejectThreshold == 0 {
		s.AutoThreshold = 80
		s.RejectThreshold = 40
	}
	if len(s.Sessions) == 0 {
		s.Sessions = DefaultSessions
	}
	if s.OffSession == 0 {
		s.OffSession = 0.1
	}
	if s.MinCorrelation == 0 {
		s.MinCorrelation = 0.7
	}

	if c.Protection.PartialFraction == 0 {
		c.Protection.PartialFraction = 0.5
	}
}
