package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"TradeWarden/internal/execution"
	"TradeWarden/internal/model"
	"TradeWarden/internal/notifier"
)

// HandleCommand executes an operator command and returns the reply text.
func (s *Scheduler) HandleCommand(ctx context.Context, cmd model.Command) string {
	s.logger.Info("operator command",
		zap.String("kind", string(cmd.Kind)),
		zap.String("correlation_id", cmd.CorrelationID),
		zap.String("operator", cmd.Operator),
	)
	switch cmd.Kind {
	case model.CommandApprove, model.CommandReject:
		return s.resolve(ctx, cmd)
	case model.CommandPending:
		return notifier.FormatPending(s.engine.Pending(), time.Now())
	case model.CommandStatus:
		return s.status()
	case model.CommandPositions:
		return notifier.FormatPositions(s.protector.Positions())
	case model.CommandReload:
		snap, err := s.registry.Reload()
		if err != nil {
			return fmt.Sprintf("❌ Reload failed, previous registry kept: %v", err)
		}
		return fmt.Sprintf("✅ Registry reloaded (v%d, %d active).", snap.Version, len(snap.Active()))
	default:
		return notifier.HelpText
	}
}

func (s *Scheduler) resolve(ctx context.Context, cmd model.Command) string {
	if cmd.CorrelationID == "" {
		return fmt.Sprintf("Usage: /%s &lt;id&gt;", cmd.Kind)
	}
	res, err := s.engine.Resolve(ctx, cmd)
	var guard *execution.GuardError
	switch {
	case errors.Is(err, execution.ErrApprovalNotFound):
		return fmt.Sprintf("No pending approval %s.", cmd.CorrelationID)
	case errors.Is(err, execution.ErrApprovalExpired):
		return fmt.Sprintf("⌛ Approval %s expired.", cmd.CorrelationID)
	case errors.Is(err, execution.ErrStaleApproval):
		return fmt.Sprintf("⚠️ Not executed, %s.", res.Reason)
	case errors.As(err, &guard):
		return fmt.Sprintf("⛔ Not executed, %s.", guard.Error())
	case err != nil:
		return fmt.Sprintf("❌ %s failed: %v", cmd.Kind, err)
	}
	switch res.Outcome {
	case execution.OutcomeExecuted:
		t := res.Trade
		return fmt.Sprintf("✅ Executed %s %s %s, size %g at %.5f.",
			t.AccountID, t.Instrument, t.Direction, t.Size, t.FilledPrice)
	case execution.OutcomeRejected:
		return fmt.Sprintf("🚫 Rejected %s.", cmd.CorrelationID)
	default:
		return fmt.Sprintf("%s: %s", res.Outcome, res.Reason)
	}
}

func (s *Scheduler) status() string {
	snap := s.registry.Snapshot()
	state := s.ledger.GetState()
	var rows []notifier.AccountStatus
	for _, cfg := range snap.Strategies() {
		rows = append(rows, notifier.AccountStatus{
			AccountID:   cfg.AccountID,
			StrategyID:  cfg.StrategyID,
			Mode:        string(cfg.ModeOr(s.engine.DefaultMode())),
			Active:      cfg.Active,
			TradesToday: state.TradesToday[cfg.AccountID],
			MaxTrades:   cfg.Risk.MaxTradesPerDay,
			Disabled:    state.Disabled[cfg.AccountID],
		})
	}
	return notifier.FormatStatus(snap.Version, rows)
}
