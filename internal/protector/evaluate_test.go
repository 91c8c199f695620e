package protector

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"TradeWarden/internal/model"
	"TradeWarden/internal/registry"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func settings() registry.ProtectionSettings {
	return registry.ProtectionSettings{
		BreakevenTrigger:  0.0015,
		BreakevenBuffer:   0.0002,
		PartialTrigger:    0.0020,
		PartialFraction:   0.5,
		TrailingTrigger:   0.0025,
		TrailingDistance:  0.0015,
		MaxHold:           8 * time.Hour,
		StagnationTimeout: 2 * time.Hour,
	}
}

func longPos(price float64, stage model.ProtectionStage, stop float64) model.Position {
	return model.Position{
		ID: "p-1", AccountID: "acc-1", Instrument: "EURUSD", Direction: model.Long,
		EntryPrice: 1.1000, StopPrice: stop, Size: 10000, InitialSize: 10000,
		OpenedAt: t0, CurrentPrice: price, Stage: stage, LastProgressAt: t0,
		PartialTaken: stage >= model.StagePartialTaken,
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name  string
		pos   model.Position
		at    time.Time
		kinds []StepKind
		stage model.ProtectionStage
		stop  float64
	}{
		{
			name:  "below breakeven trigger",
			pos:   longPos(1.1010, model.StageNone, 1.0980),
			at:    t0.Add(time.Minute),
			stage: model.StageNone,
		},
		{
			name:  "breakeven",
			pos:   longPos(1.1016, model.StageNone, 1.0980),
			at:    t0.Add(time.Minute),
			kinds: []StepKind{StepMoveStop},
			stage: model.StageBreakevenSet,
			stop:  1.1002,
		},
		{
			name:  "large move walks every stage in order",
			pos:   longPos(1.1030, model.StageNone, 1.0980),
			at:    t0.Add(time.Minute),
			kinds: []StepKind{StepMoveStop, StepClosePartial, StepMoveStop},
			stage: model.StageTrailing,
			stop:  1.1015,
		},
		{
			name:  "trailing follows price",
			pos:   longPos(1.1030, model.StageTrailing, 1.1011),
			at:    t0.Add(time.Minute),
			kinds: []StepKind{StepMoveStop},
			stage: model.StageTrailing,
			stop:  1.1015,
		},
		{
			name:  "trailing never loosens",
			pos:   longPos(1.1020, model.StageTrailing, 1.1015),
			at:    t0.Add(time.Minute),
			stage: model.StageTrailing,
		},
		{
			name:  "max hold fires from NONE",
			pos:   longPos(1.0990, model.StageNone, 1.0980),
			at:    t0.Add(8 * time.Hour),
			kinds: []StepKind{StepCloseAll},
			stage: model.StageForceExitPending,
		},
		{
			name:  "stagnation exits while trailing",
			pos:   longPos(1.1026, model.StageTrailing, 1.1015),
			at:    t0.Add(2 * time.Hour),
			kinds: []StepKind{StepCloseAll},
			stage: model.StageForceExitPending,
		},
		{
			name:  "stagnation ignored before trailing",
			pos:   longPos(1.1016, model.StageBreakevenSet, 1.1002),
			at:    t0.Add(3 * time.Hour),
			stage: model.StageBreakevenSet,
		},
		{
			name:  "restored partial is not repeated",
			pos:   func() model.Position { p := longPos(1.1021, model.StageBreakevenSet, 1.1002); p.PartialTaken = true; return p }(),
			at:    t0.Add(time.Minute),
			kinds: []StepKind{StepAdvance},
			stage: model.StagePartialTaken,
		},
		{
			name:  "terminal stage does nothing",
			pos:   longPos(1.1100, model.StageForceExitPending, 1.1002),
			at:    t0.Add(9 * time.Hour),
			stage: model.StageForceExitPending,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := Evaluate(tt.pos, settings(), tt.at)
			if len(steps) != len(tt.kinds) {
				t.Fatalf("expected %d steps, got %+v", len(tt.kinds), steps)
			}
			stage, stop := tt.pos.Stage, tt.pos.StopPrice
			for i, st := range steps {
				if st.Kind != tt.kinds[i] {
					t.Errorf("step %d: expected %s, got %s", i, tt.kinds[i], st.Kind)
				}
				if st.From != stage {
					t.Errorf("step %d: expected from %s, got %s", i, stage, st.From)
				}
				if st.Reason == "" {
					t.Errorf("step %d: missing reason", i)
				}
				stage = st.To
				if st.Kind == StepMoveStop {
					stop = st.StopPrice
				}
			}
			if stage != tt.stage {
				t.Errorf("expected final stage %s, got %s", tt.stage, stage)
			}
			if tt.stop != 0 && !approx(stop, tt.stop) {
				t.Errorf("expected stop %.5f, got %.5f", tt.stop, stop)
			}
		})
	}
}

func TestEvaluate_Short(t *testing.T) {
	pos := model.Position{
		ID: "p-2", Direction: model.Short, EntryPrice: 1.1000, StopPrice: 1.1020,
		CurrentPrice: 1.0984, OpenedAt: t0, LastProgressAt: t0,
	}
	steps := Evaluate(pos, settings(), t0.Add(time.Minute))
	if len(steps) != 1 || steps[0].Kind != StepMoveStop || !approx(steps[0].StopPrice, 1.0998) {
		t.Fatalf("expected short breakeven at 1.0998, got %+v", steps)
	}
}

// A random walk fed through Evaluate never loosens the stop and never
// skips or revisits a price stage.
func TestEvaluate_MonotonicWalk(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 200; run++ {
		dir := model.Long
		if run%2 == 1 {
			dir = model.Short
		}
		pos := model.Position{
			ID: "p", Direction: dir, EntryPrice: 1.1, CurrentPrice: 1.1,
			StopPrice: 1.1 - dir.Sign()*0.002, OpenedAt: t0, LastProgressAt: t0,
		}
		now := t0
		for i := 0; i < 300 && !pos.Stage.Terminal(); i++ {
			now = now.Add(time.Minute)
			pos.CurrentPrice += (rng.Float64() - 0.45) * 0.0004 * dir.Sign()
			if g := pos.Gain(pos.CurrentPrice); g > pos.PeakGain {
				pos.PeakGain = g
				pos.LastProgressAt = now
			}
			for _, st := range Evaluate(pos, settings(), now) {
				if st.From != pos.Stage {
					t.Fatalf("run %d: step from %s while at %s", run, st.From, pos.Stage)
				}
				if st.To != model.StageForceExitPending && st.To != st.From && st.To != st.From+1 {
					t.Fatalf("run %d: stage skipped %s -> %s", run, st.From, st.To)
				}
				if st.To < st.From {
					t.Fatalf("run %d: stage regressed %s -> %s", run, st.From, st.To)
				}
				if st.Kind == StepMoveStop {
					if dir.Sign()*(st.StopPrice-pos.StopPrice) <= 0 {
						t.Fatalf("run %d: stop loosened %.5f -> %.5f", run, pos.StopPrice, st.StopPrice)
					}
					pos.StopPrice = st.StopPrice
				}
				if st.Kind == StepClosePartial {
					if pos.PartialTaken {
						t.Fatalf("run %d: second partial close", run)
					}
					pos.PartialTaken = true
				}
				pos.Stage = st.To
			}
		}
	}
}
