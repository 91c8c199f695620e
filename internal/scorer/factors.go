package scorer

import (
	"fmt"
	"strings"

	"TradeWarden/internal/calculator"
	"TradeWarden/internal/model"
	"TradeWarden/internal/registry"
)

// scoreTrend rewards EMA alignment with the signal and ADX trend strength.
func scoreTrend(sig model.Signal, weight float64) model.FactorScore {
	ind := sig.Indicators
	sign := sig.Direction.Sign()

	align := 0.0
	if (ind.FastMA-ind.SlowMA)*sign > 0 {
		align += 0.5
	}
	if (sig.EntryPrice-ind.SlowMA)*sign > 0 {
		align += 0.5
	}

	var strength float64
	switch {
	case ind.ADX >= 40:
		strength = 1.0
	case ind.ADX >= 30:
		strength = 0.8
	case ind.ADX >= 25:
		strength = 0.6
	case ind.ADX >= 20:
		strength = 0.4
	case ind.ADX >= 15:
		strength = 0.2
	default:
		strength = 0
	}

	return factor(registry.FactorTrend, 0.5*align+0.5*strength, weight,
		fmt.Sprintf("alignment %.1f, ADX=%.1f", align, ind.ADX))
}

// scoreSession uses the liquidity of the busiest session open at the
// candle time.
func scoreSession(sig model.Signal, cfg registry.ScoringConfig, weight float64) model.FactorScore {
	best := -1.0
	var open []string
	for _, s := range cfg.Sessions {
		if !s.Contains(sig.CandleTime) {
			continue
		}
		open = append(open, s.Name)
		if s.Liquidity > best {
			best = s.Liquidity
		}
	}
	if best < 0 {
		return factor(registry.FactorSession, cfg.OffSession, weight, "off session")
	}
	// Overlaps carry extra liquidity.
	if len(open) > 1 {
		best += 0.1 * float64(len(open)-1)
	}
	return factor(registry.FactorSession, best, weight, strings.Join(open, "+"))
}

// scoreRiskReward maps 1R to nothing and 3R or better to full marks.
func scoreRiskReward(sig model.Signal, weight float64) model.FactorScore {
	rr := sig.RiskReward()
	var v float64
	switch {
	case rr >= 3:
		v = 1.0
	case rr >= 2.5:
		v = 0.85
	case rr >= 2:
		v = 0.7
	case rr >= 1.5:
		v = 0.4
	case rr >= 1:
		v = 0.1
	default:
		v = 0
	}
	return factor(registry.FactorRiskReward, v, weight, fmt.Sprintf("R:R %.2f", rr))
}

// scoreStructure measures the room between entry and the opposing swing
// level against the target; a close beyond the level is a breakout.
func scoreStructure(sig model.Signal, weight float64) model.FactorScore {
	ind := sig.Indicators
	pos, err := calculator.CalculateRangePosition(sig.EntryPrice, ind.SwingHigh, ind.SwingLow)
	if err != nil {
		return factor(registry.FactorStructure, 0, weight, "no swing structure")
	}
	var room float64
	var level string
	breakout := false
	if sig.Direction == model.Long {
		room, level = ind.SwingHigh-sig.EntryPrice, "swing high"
		breakout = pos >= 1 && ind.SwingHigh > ind.SwingLow
	} else {
		room, level = sig.EntryPrice-ind.SwingLow, "swing low"
		breakout = pos <= 0 && ind.SwingHigh > ind.SwingLow
	}
	if breakout {
		return factor(registry.FactorStructure, 1, weight, "breakout beyond "+level)
	}
	if sig.TargetDistance <= 0 {
		return factor(registry.FactorStructure, 0, weight, "no target")
	}
	return factor(registry.FactorStructure, room/sig.TargetDistance, weight,
		fmt.Sprintf("entry at %.0f%% of swing range, %.0f%% of target before %s", 100*pos, 100*room/sig.TargetDistance, level))
}

// scoreVolume compares the signal bar's volume with its recent average.
func scoreVolume(candles []model.Candle, lookback int, weight float64) model.FactorScore {
	ratio, ok := calculator.CalculateVolumeRatio(candles, lookback)
	if !ok {
		return factor(registry.FactorVolume, 0.5, weight, "no volume reported")
	}
	var v float64
	switch {
	case ratio >= 2:
		v = 1.0
	case ratio >= 1.5:
		v = 0.8
	case ratio >= 1.2:
		v = 0.6
	case ratio >= 1:
		v = 0.45
	case ratio >= 0.7:
		v = 0.25
	default:
		v = 0
	}
	return factor(registry.FactorVolume, v, weight, fmt.Sprintf("volume %.2fx average", ratio))
}

// scoreMomentum favours RSI on the signal's side of 50 but short of exhaustion.
func scoreMomentum(sig model.Signal, p registry.IndicatorParams, weight float64) model.FactorScore {
	m, upper := sig.Indicators.RSI, p.RSIUpper
	if sig.Direction == model.Short {
		m, upper = 100-m, 100-p.RSILower
	}
	var v float64
	switch {
	case m > upper:
		v = 1 - (m-upper)/(100-upper)
	case m >= 60:
		v = 1
	case m >= 40:
		v = (m - 40) / 20
	default:
		v = 0
	}
	return factor(registry.FactorMomentum, v, weight, fmt.Sprintf("RSI=%.1f", sig.Indicators.RSI))
}

// scoreCorrelation penalises adding exposure that duplicates open positions.
// Return correlation is measured from candles when peers are available;
// otherwise the static correlation groups decide.
func scoreCorrelation(sig model.Signal, sc Context, minCorr float64, weight float64) model.FactorScore {
	worst := 0.0
	worstWith := ""
	for _, pos := range sc.OpenPositions {
		corr := 1.0
		if pos.Instrument != sig.Instrument {
			corr = correlation(sig.Instrument, pos.Instrument, sc)
		}
		exposure := corr
		if pos.Direction != sig.Direction {
			exposure = -corr
		}
		if exposure > worst {
			worst, worstWith = exposure, pos.Instrument
		}
	}
	if worstWith == "" {
		return factor(registry.FactorCorrelation, 1, weight, "no overlapping exposure")
	}
	if worst >= minCorr {
		return factor(registry.FactorCorrelation, 0, weight,
			fmt.Sprintf("duplicates %s exposure (%.2f)", worstWith, worst))
	}
	return factor(registry.FactorCorrelation, 1-worst, weight,
		fmt.Sprintf("partial overlap with %s (%.2f)", worstWith, worst))
}

func correlation(a, b string, sc Context) float64 {
	if peer, ok := sc.Peers[b]; ok {
		if c, err := calculator.CalculateReturnCorrelation(sc.Candles, peer, 10); err == nil {
			return c
		}
	}
	for _, g := range sc.CorrelationGroups {
		if contains(g, a) && contains(g, b) {
			return 1
		}
	}
	return 0
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
