package calculator

import (
	"errors"
)

// CalculateSMA computes the simple moving average of the given prices over the specified period.
func CalculateSMA(prices []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, errors.New("period must be positive")
	}
	if len(prices) < period {
		return 0, errors.New("not enough data for SMA calculation")
	}
	sum := 0.0
	for i := len(prices) - period; i < len(prices); i++ {
		sum += prices[i]
	}
	return sum / float64(period), nil
}

// CalculateEMASeries returns the exponential moving average for every index
// from period-1 onward, seeded with the SMA of the first period prices.
// Entries before the seed are zero.
func CalculateEMASeries(prices []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, errors.New("period must be positive")
	}
	if len(prices) < period {
		return nil, errors.New("not enough data for EMA calculation")
	}
	out := make([]float64, len(prices))
	seed, _ := CalculateSMA(prices[:period], period)
	out[period-1] = seed
	k := 2.0 / float64(period+1)
	for i := period; i < len(prices); i++ {
		out[i] = prices[i]*k + out[i-1]*(1-k)
	}
	return out, nil
}

// CalculateEMA returns the latest and previous EMA values.
func CalculateEMA(prices []float64, period int) (last, prev float64, err error) {
	if len(prices) < period+1 {
		return 0, 0, errors.New("not enough data for EMA crossover")
	}
	series, err := CalculateEMASeries(prices, period)
	if err != nil {
		return 0, 0, err
	}
	n := len(series)
	return series[n-1], series[n-2], nil
}
