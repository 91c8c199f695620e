package protector

import (
	"fmt"
	"time"

	"TradeWarden/internal/model"
	"TradeWarden/internal/registry"
)

// StepKind is the broker action a protection step needs.
type StepKind string

const (
	StepMoveStop     StepKind = "move_stop"
	StepClosePartial StepKind = "close_partial"
	StepCloseAll     StepKind = "close_all"
	// StepAdvance changes stage without a broker call.
	StepAdvance StepKind = "advance"
)

// Step is one protection action and the stage it leads to.
type Step struct {
	Kind      StepKind
	From      model.ProtectionStage
	To        model.ProtectionStage
	StopPrice float64
	Fraction  float64
	Reason    string
}

// triggers compare with a tolerance so a price exactly on a trigger fires.
const epsilon = 1e-9

func reached(gain, trigger float64) bool {
	return gain >= trigger-epsilon
}

// tighter reports whether candidate protects more than current for dir.
func tighter(dir model.Direction, candidate, current float64) bool {
	if current == 0 {
		return true
	}
	return dir.Sign()*(candidate-current) > epsilon
}

// Evaluate walks the protection state machine for pos at its current
// price. Stages advance one at a time, so a large move yields several
// steps in order. The max-hold exit fires from any non-terminal stage;
// stagnation exits only apply while trailing.
func Evaluate(pos model.Position, s registry.ProtectionSettings, now time.Time) []Step {
	stage := pos.Stage
	if stage.Terminal() {
		return nil
	}
	if s.MaxHold > 0 && !pos.OpenedAt.IsZero() {
		if age := now.Sub(pos.OpenedAt); age >= s.MaxHold {
			return []Step{{
				Kind:     StepCloseAll,
				From:     stage,
				To:       model.StageForceExitPending,
				Fraction: 1,
				Reason:   fmt.Sprintf("max hold: age %s >= %s", age.Round(time.Second), s.MaxHold),
			}}
		}
	}

	var steps []Step
	stop := pos.StopPrice
	sign := pos.Direction.Sign()
	price := pos.CurrentPrice
	gain := pos.Gain(price)
	startedTrailing := stage == model.StageTrailing

	if stage == model.StageNone && reached(gain, s.BreakevenTrigger) {
		be := pos.EntryPrice + sign*s.BreakevenBuffer
		step := Step{
			Kind:   StepAdvance,
			From:   stage,
			To:     model.StageBreakevenSet,
			Reason: fmt.Sprintf("gain %.5f >= breakeven trigger %.5f", gain, s.BreakevenTrigger),
		}
		if tighter(pos.Direction, be, stop) {
			step.Kind = StepMoveStop
			step.StopPrice = be
			stop = be
		}
		steps = append(steps, step)
		stage = model.StageBreakevenSet
	}

	if stage == model.StageBreakevenSet && reached(gain, s.PartialTrigger) {
		step := Step{
			Kind:     StepClosePartial,
			From:     stage,
			To:       model.StagePartialTaken,
			Fraction: s.PartialFraction,
			Reason:   fmt.Sprintf("gain %.5f >= partial trigger %.5f", gain, s.PartialTrigger),
		}
		if pos.PartialTaken {
			step.Kind = StepAdvance
			step.Fraction = 0
		}
		steps = append(steps, step)
		stage = model.StagePartialTaken
	}

	if stage == model.StagePartialTaken && reached(gain, s.TrailingTrigger) {
		trail := price - sign*s.TrailingDistance
		step := Step{
			Kind:   StepAdvance,
			From:   stage,
			To:     model.StageTrailing,
			Reason: fmt.Sprintf("gain %.5f >= trailing trigger %.5f", gain, s.TrailingTrigger),
		}
		if tighter(pos.Direction, trail, stop) {
			step.Kind = StepMoveStop
			step.StopPrice = trail
			stop = trail
		}
		steps = append(steps, step)
		stage = model.StageTrailing
	}

	if startedTrailing {
		if s.StagnationTimeout > 0 && !pos.LastProgressAt.IsZero() {
			if idle := now.Sub(pos.LastProgressAt); idle >= s.StagnationTimeout {
				return append(steps, Step{
					Kind:     StepCloseAll,
					From:     stage,
					To:       model.StageForceExitPending,
					Fraction: 1,
					Reason:   fmt.Sprintf("stagnant: no new peak for %s >= %s", idle.Round(time.Second), s.StagnationTimeout),
				})
			}
		}
		if trail := price - sign*s.TrailingDistance; tighter(pos.Direction, trail, stop) {
			steps = append(steps, Step{
				Kind:      StepMoveStop,
				From:      stage,
				To:        stage,
				StopPrice: trail,
				Reason:    fmt.Sprintf("trailing %.5f behind %.5f", s.TrailingDistance, price),
			})
		}
	}
	return steps
}
