package execution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"TradeWarden/internal/registry"
)

// sizePrecision is the number of decimal places orders are truncated to.
const sizePrecision = 4

// PositionSize risks RiskPerTrade of balance over the stop distance:
// size = balance × risk ÷ stop. The notional (size × entry) must not
// exceed MaxNotional.
func PositionSize(balance decimal.Decimal, risk registry.RiskSettings, stopDistance, entry float64) (size, notional decimal.Decimal, err error) {
	if !balance.IsPositive() {
		return decimal.Zero, decimal.Zero, &GuardError{Guard: GuardSizing, Reason: fmt.Sprintf("balance %s is not positive", balance)}
	}
	if stopDistance <= 0 || entry <= 0 {
		return decimal.Zero, decimal.Zero, &GuardError{Guard: GuardSizing, Reason: fmt.Sprintf("invalid stop distance %.6f or entry %.6f", stopDistance, entry)}
	}
	riskAmount := balance.Mul(decimal.NewFromFloat(risk.RiskPerTrade))
	size = riskAmount.Div(decimal.NewFromFloat(stopDistance)).Truncate(sizePrecision)
	if !size.IsPositive() {
		return decimal.Zero, decimal.Zero, &GuardError{Guard: GuardSizing, Reason: "size rounds to zero"}
	}
	notional = size.Mul(decimal.NewFromFloat(entry))
	limit := decimal.NewFromFloat(risk.MaxNotional)
	if notional.GreaterThan(limit) {
		return decimal.Zero, decimal.Zero, &GuardError{
			Guard:  GuardMaxNotional,
			Reason: fmt.Sprintf("notional %s exceeds limit %s", notional.StringFixed(2), limit.StringFixed(2)),
		}
	}
	return size, notional, nil
}
