// Package scorer grades signals on a 0-100 scale from weighted factors.
package scorer

import (
	"math"

	"TradeWarden/internal/model"
	"TradeWarden/internal/registry"
)

// Context is the market and portfolio state a signal is scored against.
// Everything time-dependent is derived from the signal and these inputs,
// never from the wall clock.
type Context struct {
	Candles           []model.Candle
	OpenPositions     []model.Position
	Peers             map[string][]model.Candle
	CorrelationGroups [][]string
}

// Score evaluates every factor in fixed order, sums the points and maps
// the total to an action. The input signal is copied, not mutated.
func Score(sig model.Signal, cfg registry.StrategyConfig, sc Context) model.ScoredSignal {
	weights := cfg.Scoring.Weights
	factors := []model.FactorScore{
		scoreTrend(sig, weights[registry.FactorTrend]),
		scoreSession(sig, cfg.Scoring, weights[registry.FactorSession]),
		scoreRiskReward(sig, weights[registry.FactorRiskReward]),
		scoreStructure(sig, weights[registry.FactorStructure]),
		scoreVolume(sc.Candles, cfg.Indicators.VolumeLookback, weights[registry.FactorVolume]),
		scoreMomentum(sig, cfg.Indicators, weights[registry.FactorMomentum]),
		scoreCorrelation(sig, sc, cfg.Scoring.MinCorrelation, weights[registry.FactorCorrelation]),
	}

	total := 0.0
	for _, f := range factors {
		total += f.Points
	}
	total = clamp(total, 0, 100)

	return model.ScoredSignal{
		Signal:  sig,
		Score:   total,
		Factors: factors,
		Action:  Decide(total, cfg.Scoring),
	}
}

// Decide maps a score to the recommended action:
// score >= auto executes, reject <= score < auto needs approval, below reject is dropped.
func Decide(score float64, cfg registry.ScoringConfig) model.Action {
	switch {
	case score >= cfg.AutoThreshold:
		return model.ActionAutoExecute
	case score >= cfg.RejectThreshold:
		return model.ActionNeedsApproval
	default:
		return model.ActionReject
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func factor(name string, value, weight float64, commentary string) model.FactorScore {
	value = clamp(value, 0, 1)
	return model.FactorScore{
		Name:       name,
		Value:      value,
		Cap:        weight,
		Points:     value * weight,
		Commentary: commentary,
	}
}
