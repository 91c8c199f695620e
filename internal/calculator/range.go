package calculator

import (
	"errors"
	"math"

	"TradeWarden/internal/model"
)

// CalculateSwingRange returns the highest high and lowest low over the
// lookback bars preceding the latest bar. The latest bar is excluded so a
// breakout candle does not define its own swing.
func CalculateSwingRange(bars []model.Candle, lookback int) (high, low float64, err error) {
	if lookback <= 0 {
		return 0, 0, errors.New("lookback must be positive")
	}
	if len(bars) < 2 {
		return 0, 0, errors.New("not enough bars for swing range")
	}
	end := len(bars) - 1
	start := end - lookback
	if start < 0 {
		start = 0
	}
	high = math.Inf(-1)
	low = math.Inf(1)
	for i := start; i < end; i++ {
		if bars[i].High > high {
			high = bars[i].High
		}
		if bars[i].Low < low {
			low = bars[i].Low
		}
	}
	return high, low, nil
}

// CalculateRangePosition returns where price sits within [low, high] (0.0~1.0).
func CalculateRangePosition(current, high, low float64) (float64, error) {
	if high == low {
		return 0.5, nil
	}
	if high < low {
		return 0, errors.New("high must be >= low")
	}
	pos := (current - low) / (high - low)
	if pos < 0 {
		pos = 0
	}
	if pos > 1 {
		pos = 1
	}
	return pos, nil
}
