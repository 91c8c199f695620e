package model

import (
	"sort"
	"time"
)

// Action is the recommended handling of a scored signal.
type Action string

const (
	ActionAutoExecute   Action = "AUTO_EXECUTE"
	ActionNeedsApproval Action = "NEEDS_APPROVAL"
	ActionReject        Action = "REJECT"
)

// Signal is a directional trade proposal produced from one closed candle.
type Signal struct {
	AccountID      string
	StrategyID     string
	Instrument     string
	Timeframe      string
	Direction      Direction
	EntryPrice     float64
	StopDistance   float64
	TargetDistance float64
	CandleTime     time.Time
	GeneratedAt    time.Time
	Trigger        string
	Indicators     Indicators
}

// Key identifies the (account, instrument) pair the signal belongs to.
func (s Signal) Key() string {
	return s.AccountID + "|" + s.Instrument
}

// StopPrice is the protective stop implied by the stop distance.
func (s Signal) StopPrice() float64 {
	return s.EntryPrice - s.Direction.Sign()*s.StopDistance
}

// TargetPrice is the take-profit level implied by the target distance.
func (s Signal) TargetPrice() float64 {
	return s.EntryPrice + s.Direction.Sign()*s.TargetDistance
}

// RiskReward returns target distance over stop distance, 0 when the stop is unset.
func (s Signal) RiskReward() float64 {
	if s.StopDistance <= 0 {
		return 0
	}
	return s.TargetDistance / s.StopDistance
}

// FactorScore represents a single quality factor's contribution.
type FactorScore struct {
	Name       string
	Value      float64 // normalised 0..1
	Cap        float64 // configured weight, the factor's maximum points
	Points     float64 // Value * Cap
	Commentary string
}

// ScoredSignal is a Signal enriched by the quality scorer. The embedded
// Signal is a copy; scoring never mutates the scanner's value.
type ScoredSignal struct {
	Signal  Signal
	Score   float64
	Factors []FactorScore
	Action  Action
}

// Breakdown maps factor name to awarded points.
func (s ScoredSignal) Breakdown() map[string]float64 {
	out := make(map[string]float64, len(s.Factors))
	for _, f := range s.Factors {
		out[f.Name] = f.Points
	}
	return out
}

// FactorNames returns the breakdown keys in stable order.
func (s ScoredSignal) FactorNames() []string {
	names := make([]string, 0, len(s.Factors))
	for _, f := range s.Factors {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}
