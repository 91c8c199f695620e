// Package scanner turns closed candles into directional signals.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"TradeWarden/internal/calculator"
	"TradeWarden/internal/model"
	"TradeWarden/internal/registry"
	"TradeWarden/internal/watermark"
)

var (
	// ErrWarmingUp means the gateway returned fewer candles than the
	// indicators need. The instrument is skipped for this cycle.
	ErrWarmingUp = errors.New("not enough candles to warm up indicators")
	// ErrAlreadyScanned means the latest closed candle was seen before.
	ErrAlreadyScanned = errors.New("latest candle already scanned")
)

// ValidationError reports a malformed candle series.
type ValidationError struct {
	Instrument string
	Index      int
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid candle %s[%d]: %s", e.Instrument, e.Index, e.Reason)
}

// CandleSource is the part of the gateway the scanner reads from.
type CandleSource interface {
	GetCandles(ctx context.Context, account, instrument, timeframe string, count int) ([]model.Candle, error)
}

// Result is the outcome of scanning one instrument for one strategy.
// Signal is nil when no entry condition fired.
type Result struct {
	Signal     *model.Signal
	Candles    []model.Candle
	Indicators model.Indicators
}

// Scanner evaluates the latest closed candle of each instrument.
type Scanner struct {
	source CandleSource
	marks  watermark.Store
	logger *zap.Logger
	now    func() time.Time
}

func New(source CandleSource, marks watermark.Store, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{source: source, marks: marks, logger: logger, now: time.Now}
}

// Scan fetches the warm-up window for instrument, computes indicators and
// applies the strategy's entry rules. Each closed candle is evaluated once
// per (account, strategy, instrument); a repeat returns ErrAlreadyScanned.
func (s *Scanner) Scan(ctx context.Context, cfg registry.StrategyConfig, instrument string) (Result, error) {
	p := cfg.Indicators
	need := p.WarmupBars()
	candles, err := s.source.GetCandles(ctx, cfg.AccountID, instrument, cfg.Timeframe, need)
	if err != nil {
		return Result{}, fmt.Errorf("get candles %s: %w", instrument, err)
	}
	if err := Validate(instrument, candles); err != nil {
		return Result{}, err
	}
	if len(candles) < need {
		return Result{}, fmt.Errorf("%s has %d of %d candles: %w", instrument, len(candles), need, ErrWarmingUp)
	}

	ind, prevRSI, err := computeIndicators(candles, p)
	if err != nil {
		return Result{}, fmt.Errorf("indicators %s: %w", instrument, err)
	}

	last := candles[len(candles)-1]
	key := watermark.Key(cfg.AccountID, cfg.StrategyID, instrument, cfg.Timeframe)
	fresh, err := s.marks.Advance(ctx, key, last.Time)
	if err != nil {
		return Result{}, fmt.Errorf("advance watermark %s: %w", key, err)
	}
	if !fresh {
		return Result{}, ErrAlreadyScanned
	}

	res := Result{Candles: candles, Indicators: ind}
	dir, trigger, ok := detect(ind, prevRSI, last.Close, p)
	if !ok {
		return res, nil
	}
	if ind.ATR <= 0 {
		s.logger.Warn("entry condition met but ATR is zero, no signal",
			zap.String("account", cfg.AccountID),
			zap.String("instrument", instrument),
			zap.String("trigger", trigger))
		return res, nil
	}

	res.Signal = &model.Signal{
		AccountID:      cfg.AccountID,
		StrategyID:     cfg.StrategyID,
		Instrument:     instrument,
		Timeframe:      cfg.Timeframe,
		Direction:      dir,
		EntryPrice:     last.Close,
		StopDistance:   ind.ATR * p.StopATR,
		TargetDistance: ind.ATR * p.TargetATR,
		CandleTime:     last.Time,
		GeneratedAt:    s.now(),
		Trigger:        trigger,
		Indicators:     ind,
	}
	return res, nil
}

// Validate rejects series with non-finite or inconsistent prices and
// timestamps that are not strictly increasing.
func Validate(instrument string, candles []model.Candle) error {
	for i, c := range candles {
		for _, v := range []float64{c.Open, c.High, c.Low, c.Close} {
			if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
				return &ValidationError{Instrument: instrument, Index: i, Reason: "non-positive or non-finite price"}
			}
		}
		if c.High < c.Low || c.High < math.Max(c.Open, c.Close) || c.Low > math.Min(c.Open, c.Close) {
			return &ValidationError{Instrument: instrument, Index: i, Reason: "high/low do not bound open/close"}
		}
		if c.Volume < 0 || math.IsNaN(c.Volume) {
			return &ValidationError{Instrument: instrument, Index: i, Reason: "negative volume"}
		}
		if i > 0 && !c.Time.After(candles[i-1].Time) {
			return &ValidationError{Instrument: instrument, Index: i, Reason: "timestamps not strictly increasing"}
		}
	}
	return nil
}

func computeIndicators(candles []model.Candle, p registry.IndicatorParams) (model.Indicators, float64, error) {
	var ind model.Indicators
	closes := model.Closes(candles)
	var err error
	if ind.FastMA, ind.PrevFastMA, err = calculator.CalculateEMA(closes, p.FastPeriod); err != nil {
		return ind, 0, fmt.Errorf("fast EMA: %w", err)
	}
	if ind.SlowMA, ind.PrevSlowMA, err = calculator.CalculateEMA(closes, p.SlowPeriod); err != nil {
		return ind, 0, fmt.Errorf("slow EMA: %w", err)
	}
	var prevRSI float64
	if ind.RSI, prevRSI, err = calculator.CalculateRSI(candles, p.RSIPeriod); err != nil {
		return ind, 0, fmt.Errorf("RSI: %w", err)
	}
	if ind.ADX, err = calculator.CalculateADX(candles, p.ADXPeriod); err != nil {
		return ind, 0, fmt.Errorf("ADX: %w", err)
	}
	if ind.ATR, err = calculator.CalculateATR(candles, p.ATRPeriod); err != nil {
		return ind, 0, fmt.Errorf("ATR: %w", err)
	}
	if ind.SwingHigh, ind.SwingLow, err = calculator.CalculateSwingRange(candles, p.SwingLookback); err != nil {
		return ind, 0, fmt.Errorf("swing range: %w", err)
	}
	return ind, prevRSI, nil
}

// detect applies the entry rules to the latest indicator state.
func detect(ind model.Indicators, prevRSI, lastClose float64, p registry.IndicatorParams) (model.Direction, string, bool) {
	crossUp := ind.PrevFastMA <= ind.PrevSlowMA && ind.FastMA > ind.SlowMA
	crossDown := ind.PrevFastMA >= ind.PrevSlowMA && ind.FastMA < ind.SlowMA
	trending := ind.ADX >= p.MinADX

	switch {
	case crossUp && trending && ind.RSI < p.RSIUpper:
		return model.Long, "ema_cross", true
	case crossDown && trending && ind.RSI > p.RSILower:
		return model.Short, "ema_cross", true
	}

	if !p.RSIBreach {
		return "", "", false
	}
	// Pullback entries: RSI leaves its extreme band in the trend's direction.
	uptrend := lastClose > ind.SlowMA
	switch {
	case uptrend && prevRSI < p.RSILower && ind.RSI >= p.RSILower:
		return model.Long, "rsi_breach", true
	case !uptrend && prevRSI > p.RSIUpper && ind.RSI <= p.RSIUpper:
		return model.Short, "rsi_breach", true
	}
	return "", "", false
}
