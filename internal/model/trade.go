package model

import "time"

// Trade is an order placed by the execution engine.
type Trade struct {
	CorrelationID string
	AccountID     string
	StrategyID    string
	Instrument    string
	Direction     Direction
	Mode          string
	Score         float64
	Size          float64
	Notional      float64
	EntryPrice    float64
	FilledPrice   float64
	StopPrice     float64
	TargetPrice   float64
	OrderID       string
	PositionID    string
	ExecutedAt    time.Time
}

// StageTransition is an audited protection step with its triggering measurement.
type StageTransition struct {
	AccountID  string
	PositionID string
	Instrument string
	From       ProtectionStage
	To         ProtectionStage
	Action     string
	Price      float64
	Gain       float64
	StopBefore float64
	StopAfter  float64
	Reason     string
	At         time.Time
}
