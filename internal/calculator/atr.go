package calculator

import (
	"errors"
	"math"

	"TradeWarden/internal/model"
)

func trueRange(cur, prev model.Candle) float64 {
	return math.Max(cur.High-cur.Low, math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))
}

// CalculateATR computes Wilder's average true range. Requires period+1 bars.
func CalculateATR(bars []model.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, errors.New("period must be positive")
	}
	if len(bars) < period+1 {
		return 0, errors.New("not enough data for ATR calculation")
	}
	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(bars[i], bars[i-1])
	}
	atr /= float64(period)
	for i := period + 1; i < len(bars); i++ {
		atr = (atr*float64(period-1) + trueRange(bars[i], bars[i-1])) / float64(period)
	}
	return atr, nil
}

// CalculateADX computes Wilder's average directional index, the trend
// strength reading used by the scanner and the trend factor.
// Requires 2*period+1 bars.
func CalculateADX(bars []model.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, errors.New("period must be positive")
	}
	if len(bars) < 2*period+1 {
		return 0, errors.New("not enough data for ADX calculation")
	}

	var trS, plusS, minusS float64
	dx := make([]float64, 0, len(bars))
	for i := 1; i < len(bars); i++ {
		up := bars[i].High - bars[i-1].High
		down := bars[i-1].Low - bars[i].Low
		plusDM, minusDM := 0.0, 0.0
		if up > down && up > 0 {
			plusDM = up
		}
		if down > up && down > 0 {
			minusDM = down
		}
		tr := trueRange(bars[i], bars[i-1])

		if i <= period {
			trS += tr
			plusS += plusDM
			minusS += minusDM
			if i < period {
				continue
			}
		} else {
			trS = trS - trS/float64(period) + tr
			plusS = plusS - plusS/float64(period) + plusDM
			minusS = minusS - minusS/float64(period) + minusDM
		}

		if trS == 0 {
			dx = append(dx, 0)
			continue
		}
		plusDI := 100 * plusS / trS
		minusDI := 100 * minusS / trS
		if plusDI+minusDI == 0 {
			dx = append(dx, 0)
			continue
		}
		dx = append(dx, 100*math.Abs(plusDI-minusDI)/(plusDI+minusDI))
	}

	adx := 0.0
	for i := 0; i < period; i++ {
		adx += dx[i]
	}
	adx /= float64(period)
	for i := period; i < len(dx); i++ {
		adx = (adx*float64(period-1) + dx[i]) / float64(period)
	}
	return adx, nil
}
