package recorder

import (
	"context"

	"TradeWarden/internal/model"
)

// Signal outcomes stored next to each scored signal.
const (
	OutcomeExecuted = "EXECUTED"
	OutcomeApproval = "APPROVAL"
	OutcomeDropped  = "DROPPED"
	OutcomeRejected = "REJECTED"
)

// Recorder persists the audit trail for after-the-fact analysis.
type Recorder interface {
	RecordSignal(ctx context.Context, sig *model.ScoredSignal, outcome, reason string) error
	RecordApproval(ctx context.Context, req *model.ApprovalRequest) error
	RecordTrade(ctx context.Context, trade *model.Trade) error
	RecordTransition(ctx context.Context, tr *model.StageTransition) error
	RecordEvent(ctx context.Context, evt *model.Event) error
	Close() error
}

// StateStore persists protection state per position.
type StateStore interface {
	LoadProtection(ctx context.Context, account string) (map[string]model.ProtectionState, error)
	SaveProtection(ctx context.Context, st *model.ProtectionState) error
	DeleteProtection(ctx context.Context, account, positionID string) error
}
