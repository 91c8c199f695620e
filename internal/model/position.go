package model

import "time"

// ProtectionStage is the position protector's state for one position.
// Stages only move forward; StageClosed is terminal.
type ProtectionStage int

const (
	StageNone ProtectionStage = iota
	StageBreakevenSet
	StagePartialTaken
	StageTrailing
	StageForceExitPending
	StageClosed
)

func (s ProtectionStage) String() string {
	switch s {
	case StageNone:
		return "NONE"
	case StageBreakevenSet:
		return "BREAKEVEN_SET"
	case StagePartialTaken:
		return "PARTIAL_TAKEN"
	case StageTrailing:
		return "TRAILING"
	case StageForceExitPending:
		return "FORCE_EXIT_PENDING"
	case StageClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ParseStage is the inverse of String; unknown names map to StageNone.
func ParseStage(name string) ProtectionStage {
	for s := StageNone; s <= StageClosed; s++ {
		if s.String() == name {
			return s
		}
	}
	return StageNone
}

// Terminal reports whether no further protection steps apply.
func (s ProtectionStage) Terminal() bool {
	return s >= StageForceExitPending
}

// Position is an open broker position plus the protector's local state.
type Position struct {
	ID           string
	AccountID    string
	StrategyID   string
	Instrument   string
	Direction    Direction
	EntryPrice   float64
	StopPrice    float64
	TargetPrice  float64
	Size         float64
	InitialSize  float64
	OpenedAt     time.Time
	CurrentPrice float64

	Stage          ProtectionStage
	PartialTaken   bool
	PeakGain       float64
	LastProgressAt time.Time

	RealizedPnL   float64
	UnrealizedPnL float64
}

// Gain is the favourable price distance from entry at price.
func (p Position) Gain(price float64) float64 {
	return (price - p.EntryPrice) * p.Direction.Sign()
}

// ProtectionState is the part of a position the protector persists so a
// restart does not regress stages.
type ProtectionState struct {
	AccountID      string
	PositionID     string
	Instrument     string
	Stage          ProtectionStage
	StopPrice      float64
	PartialTaken   bool
	PeakGain       float64
	FirstSeenAt    time.Time
	LastProgressAt time.Time
	UpdatedAt      time.Time
}

// ProtectionState extracts the persisted protection fields.
func (p Position) ProtectionState() ProtectionState {
	return ProtectionState{
		AccountID:      p.AccountID,
		PositionID:     p.ID,
		Instrument:     p.Instrument,
		Stage:          p.Stage,
		StopPrice:      p.StopPrice,
		PartialTaken:   p.PartialTaken,
		PeakGain:       p.PeakGain,
		FirstSeenAt:    p.OpenedAt,
		LastProgressAt: p.LastProgressAt,
	}
}

// Restore overlays persisted protection state onto a broker position. A
// persisted stop only wins when it is tighter than the broker's.
func (p *Position) Restore(s ProtectionState) {
	p.Stage = s.Stage
	p.PartialTaken = s.PartialTaken
	p.PeakGain = s.PeakGain
	p.LastProgressAt = s.LastProgressAt
	if p.OpenedAt.IsZero() || (!s.FirstSeenAt.IsZero() && s.FirstSeenAt.Before(p.OpenedAt)) {
		p.OpenedAt = s.FirstSeenAt
	}
	if s.StopPrice != 0 && (p.StopPrice == 0 || p.Direction.Sign()*(s.StopPrice-p.StopPrice) > 0) {
		p.StopPrice = s.StopPrice
	}
}
