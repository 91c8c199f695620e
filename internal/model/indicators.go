package model

// Indicators holds the indicator state computed on the latest closed candle.
type Indicators struct {
	FastMA     float64
	SlowMA     float64
	PrevFastMA float64
	PrevSlowMA float64
	RSI        float64
	ADX        float64
	ATR        float64
	SwingHigh  float64
	SwingLow   float64
}

// Values flattens the snapshot for audit storage and notifications.
func (i Indicators) Values() map[string]float64 {
	return map[string]float64{
		"fast_ma":      i.FastMA,
		"slow_ma":      i.SlowMA,
		"prev_fast_ma": i.PrevFastMA,
		"prev_slow_ma": i.PrevSlowMA,
		"rsi":          i.RSI,
		"adx":          i.ADX,
		"atr":          i.ATR,
		"swing_high":   i.SwingHigh,
		"swing_low":    i.SwingLow,
	}
}
