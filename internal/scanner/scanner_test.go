package scanner

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"TradeWarden/internal/model"
	"TradeWarden/internal/registry"
	"TradeWarden/internal/watermark"
)

var start = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu      sync.Mutex
	candles []model.Candle
	calls   int
}

func (f *fakeSource) GetCandles(_ context.Context, _, _, _ string, count int) ([]model.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	bars := f.candles
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return append([]model.Candle(nil), bars...), nil
}

// series builds 5m candles whose open is the previous close.
func series(closes []float64) []model.Candle {
	out := make([]model.Candle, len(closes))
	for i, c := range closes {
		o := c
		if i > 0 {
			o = closes[i-1]
		}
		out[i] = model.Candle{
			Instrument: "EURUSD",
			Timeframe:  "5m",
			Time:       start.Add(time.Duration(i) * 5 * time.Minute),
			Open:       o,
			High:       math.Max(o, c) + 0.2,
			Low:        math.Min(o, c) - 0.2,
			Close:      c,
			Volume:     1000,
		}
	}
	return out
}

// vShape declines for 18 bars then rallies so the 9 EMA crosses the 21 EMA
// exactly on bar 30.
func vShape() []float64 {
	closes := make([]float64, 0, 30)
	for i := 0; i < 18; i++ {
		closes = append(closes, 130-float64(i))
	}
	for len(closes) < 30 {
		closes = append(closes, closes[len(closes)-1]+1)
	}
	return closes
}

func mirror(closes []float64) []float64 {
	out := make([]float64, len(closes))
	for i, c := range closes {
		out[i] = 250 - c
	}
	return out
}

func testConfig() registry.StrategyConfig {
	return registry.StrategyConfig{
		AccountID:   "acc-1",
		StrategyID:  "ema-cross",
		Instruments: []string{"EURUSD"},
		Timeframe:   "5m",
		Active:      true,
		Indicators: registry.IndicatorParams{
			FastPeriod: 9, SlowPeriod: 21, RSIPeriod: 14, ADXPeriod: 14, ATRPeriod: 14,
			SwingLookback: 20, VolumeLookback: 20,
			MinADX: 20, RSIUpper: 70, RSILower: 30,
			StopATR: 1.5, TargetATR: 3,
		},
	}
}

func TestScan_CrossoverSignals(t *testing.T) {
	tests := []struct {
		name   string
		closes []float64
		want   model.Direction
	}{
		{"bullish cross", vShape(), model.Long},
		{"bearish cross", mirror(vShape()), model.Short},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{candles: series(tt.closes)}
			s := New(src, watermark.NewMemoryStore(), nil)
			res, err := s.Scan(context.Background(), testConfig(), "EURUSD")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Signal == nil {
				t.Fatalf("expected signal, indicators %+v", res.Indicators)
			}
			sig := res.Signal
			if sig.Direction != tt.want {
				t.Errorf("expected %s, got %s", tt.want, sig.Direction)
			}
			if sig.EntryPrice != tt.closes[len(tt.closes)-1] {
				t.Errorf("entry %v is not the last close", sig.EntryPrice)
			}
			if math.Abs(sig.StopDistance-1.5*sig.Indicators.ATR) > 1e-12 {
				t.Errorf("stop distance %v != 1.5 ATR (%v)", sig.StopDistance, sig.Indicators.ATR)
			}
			if math.Abs(sig.RiskReward()-2) > 1e-9 {
				t.Errorf("expected 2R, got %v", sig.RiskReward())
			}
			if !sig.CandleTime.Equal(res.Candles[len(res.Candles)-1].Time) {
				t.Error("signal not stamped with the latest candle time")
			}
		})
	}
}

func TestScan_NoSignalBeforeCross(t *testing.T) {
	closes := vShape()
	// Drop the crossing bar and prepend one so the window is still full.
	closes = append([]float64{131}, closes[:29]...)
	s := New(&fakeSource{candles: series(closes)}, watermark.NewMemoryStore(), nil)
	res, err := s.Scan(context.Background(), testConfig(), "EURUSD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Signal != nil {
		t.Errorf("unexpected signal %+v", res.Signal)
	}
}

func TestScan_DuplicateCandleEmitsOnce(t *testing.T) {
	src := &fakeSource{candles: series(vShape())}
	s := New(src, watermark.NewMemoryStore(), nil)
	cfg := testConfig()

	var (
		mu      sync.Mutex
		signals int
		dupes   int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Scan(context.Background(), cfg, "EURUSD")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrAlreadyScanned):
				dupes++
			case err != nil:
				t.Errorf("unexpected error: %v", err)
			case res.Signal != nil:
				signals++
			}
		}()
	}
	wg.Wait()
	if signals != 1 || dupes != 7 {
		t.Errorf("expected 1 signal and 7 duplicates, got %d and %d", signals, dupes)
	}
}

func TestScan_WarmingUp(t *testing.T) {
	closes := vShape()[:20]
	s := New(&fakeSource{candles: series(closes)}, watermark.NewMemoryStore(), nil)
	_, err := s.Scan(context.Background(), testConfig(), "EURUSD")
	if !errors.Is(err, ErrWarmingUp) {
		t.Fatalf("expected ErrWarmingUp, got %v", err)
	}
}

func TestScan_InvalidCandles(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]model.Candle)
	}{
		{"nan close", func(c []model.Candle) { c[5].Close = math.NaN() }},
		{"zero open", func(c []model.Candle) { c[3].Open = 0 }},
		{"high below low", func(c []model.Candle) { c[7].High = c[7].Low - 1 }},
		{"repeated timestamp", func(c []model.Candle) { c[10].Time = c[9].Time }},
		{"out of order", func(c []model.Candle) { c[12].Time = c[2].Time }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candles := series(vShape())
			tt.mutate(candles)
			src := &fakeSource{candles: candles}
			marks := watermark.NewMemoryStore()
			s := New(src, marks, nil)
			_, err := s.Scan(context.Background(), testConfig(), "EURUSD")
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			key := watermark.Key("acc-1", "ema-cross", "EURUSD", "5m")
			if _, ok, _ := marks.Get(context.Background(), key); ok {
				t.Error("watermark advanced on invalid data")
			}
		})
	}
}

func TestDetect(t *testing.T) {
	p := testConfig().Indicators
	p.RSIBreach = true
	tests := []struct {
		name    string
		ind     model.Indicators
		prevRSI float64
		close   float64
		want    model.Direction
		trigger string
	}{
		{
			name: "cross up confirmed",
			ind:  model.Indicators{PrevFastMA: 1, PrevSlowMA: 1.1, FastMA: 1.2, SlowMA: 1.1, ADX: 25, RSI: 55},
			want: model.Long, trigger: "ema_cross",
		},
		{
			name: "cross up but weak trend",
			ind:  model.Indicators{PrevFastMA: 1, PrevSlowMA: 1.1, FastMA: 1.2, SlowMA: 1.1, ADX: 15, RSI: 55},
		},
		{
			name: "cross up into exhaustion",
			ind:  model.Indicators{PrevFastMA: 1, PrevSlowMA: 1.1, FastMA: 1.2, SlowMA: 1.1, ADX: 25, RSI: 75},
		},
		{
			name: "cross down confirmed",
			ind:  model.Indicators{PrevFastMA: 1.2, PrevSlowMA: 1.1, FastMA: 1.0, SlowMA: 1.1, ADX: 30, RSI: 45},
			want: model.Short, trigger: "ema_cross",
		},
		{
			name:    "rsi recovers in uptrend",
			ind:     model.Indicators{PrevFastMA: 1.2, PrevSlowMA: 1.1, FastMA: 1.2, SlowMA: 1.1, RSI: 32},
			prevRSI: 28, close: 1.15,
			want: model.Long, trigger: "rsi_breach",
		},
		{
			name:    "rsi recovers against downtrend",
			ind:     model.Indicators{PrevFastMA: 1.0, PrevSlowMA: 1.1, FastMA: 1.0, SlowMA: 1.1, RSI: 32},
			prevRSI: 28, close: 1.05,
		},
		{
			name:    "rsi falls back in downtrend",
			ind:     model.Indicators{PrevFastMA: 1.0, PrevSlowMA: 1.1, FastMA: 1.0, SlowMA: 1.1, RSI: 68},
			prevRSI: 72, close: 1.05,
			want: model.Short, trigger: "rsi_breach",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, trigger, ok := detect(tt.ind, tt.prevRSI, tt.close, p)
			if ok != (tt.want != "") {
				t.Fatalf("fired = %v, want %v", ok, tt.want != "")
			}
			if dir != tt.want || trigger != tt.trigger {
				t.Errorf("got %s/%s, want %s/%s", dir, trigger, tt.want, tt.trigger)
			}
		})
	}
}
