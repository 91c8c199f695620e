package model

import "time"

// Candle represents a single completed OHLCV bar for an instrument/timeframe pair.
type Candle struct {
	Instrument string
	Timeframe  string
	Time       time.Time // exchange time of the bar open
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
}

// Direction is the side of a signal or position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Sign returns +1 for long and -1 for short.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Short {
		return Long
	}
	return Short
}

// Closes extracts the close prices of a candle window.
func Closes(candles []Candle) []float64 {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes
}
