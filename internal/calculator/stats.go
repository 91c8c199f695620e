package calculator

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat"

	"TradeWarden/internal/model"
)

// CalculateReturns returns close-to-close log returns keyed by bar time.
func CalculateReturns(bars []model.Candle) map[int64]float64 {
	out := make(map[int64]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		if bars[i-1].Close <= 0 || bars[i].Close <= 0 {
			continue
		}
		out[bars[i].Time.Unix()] = math.Log(bars[i].Close / bars[i-1].Close)
	}
	return out
}

// CalculateReturnCorrelation computes the Pearson correlation of two candle
// series' returns over their shared timestamps. At least minOverlap shared
// returns are required.
func CalculateReturnCorrelation(a, b []model.Candle, minOverlap int) (float64, error) {
	ra := CalculateReturns(a)
	rb := CalculateReturns(b)

	// Iterate a's bars in order so the result does not depend on map order.
	var xs, ys []float64
	for i := 1; i < len(a); i++ {
		ts := a[i].Time.Unix()
		x, okA := ra[ts]
		y, okB := rb[ts]
		if okA && okB {
			xs = append(xs, x)
			ys = append(ys, y)
		}
	}
	if len(xs) < minOverlap || len(xs) < 3 {
		return 0, errors.New("not enough overlapping returns")
	}
	if stat.StdDev(xs, nil) == 0 || stat.StdDev(ys, nil) == 0 {
		return 0, errors.New("flat return series")
	}
	return stat.Correlation(xs, ys, nil), nil
}

// CalculateVolumeRatio compares the latest bar's volume with the mean of the
// lookback bars before it. ok is false when no volume is reported.
func CalculateVolumeRatio(bars []model.Candle, lookback int) (ratio float64, ok bool) {
	if len(bars) < 2 || lookback <= 0 {
		return 0, false
	}
	end := len(bars) - 1
	start := end - lookback
	if start < 0 {
		start = 0
	}
	vols := make([]float64, 0, end-start)
	for i := start; i < end; i++ {
		vols = append(vols, bars[i].Volume)
	}
	mean := stat.Mean(vols, nil)
	if mean <= 0 || bars[end].Volume <= 0 {
		return 0, false
	}
	return bars[end].Volume / mean, true
}
