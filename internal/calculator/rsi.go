package calculator

import (
	"errors"

	"TradeWarden/internal/model"
)

// CalculateRSI returns the Wilder-smoothed RSI on the last bar and on the bar
// before it. Requires at least period+2 bars so both values are seeded.
func CalculateRSI(bars []model.Candle, period int) (last, prev float64, err error) {
	if period <= 0 {
		return 0, 0, errors.New("period must be positive")
	}
	if len(bars) < period+2 {
		return 0, 0, errors.New("not enough data for RSI calculation")
	}

	closes := model.Closes(bars)
	var up, down float64
	for i := 1; i <= period; i++ {
		g, l := split(closes[i] - closes[i-1])
		up += g
		down += l
	}
	up /= float64(period)
	down /= float64(period)

	last = rsiFrom(up, down)
	n := float64(period)
	for i := period + 1; i < len(closes); i++ {
		g, l := split(closes[i] - closes[i-1])
		up = (up*(n-1) + g) / n
		down = (down*(n-1) + l) / n
		prev, last = last, rsiFrom(up, down)
	}
	return last, prev, nil
}

// split separates a close-to-close change into gain and loss magnitudes.
func split(change float64) (gain, loss float64) {
	if change > 0 {
		return change, 0
	}
	return 0, -change
}

// rsiFrom is 50 on a flat window.
func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}
