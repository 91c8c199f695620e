package execution

import (
	"errors"
	"fmt"
)

var (
	// ErrApprovalPending means a live request already exists for the
	// (account, instrument) pair; the new signal is dropped.
	ErrApprovalPending = errors.New("approval already pending for account and instrument")
	// ErrApprovalNotFound is returned for unknown or already resolved ids.
	ErrApprovalNotFound = errors.New("approval request not found")
	// ErrApprovalExpired is returned when a command arrives after expiry.
	ErrApprovalExpired = errors.New("approval request expired")
	// ErrStaleApproval means price moved beyond tolerance since scoring.
	ErrStaleApproval = errors.New("price moved beyond slippage tolerance")
	// ErrAccountDisabled means the account was excluded after a fatal gateway error.
	ErrAccountDisabled = errors.New("account disabled")
)

// GuardError is a pre-execution risk check failure. The signal is dropped
// and never retried in the same cycle.
type GuardError struct {
	Guard  string
	Reason string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("guard %s: %s", e.Guard, e.Reason)
}

// Guard names.
const (
	GuardMaxConcurrent = "max_concurrent_positions"
	GuardDailyTrades   = "max_trades_per_day"
	GuardStacking      = "no_stacking"
	GuardSizing        = "position_size"
	GuardMaxNotional   = "max_notional"
	GuardRegistry      = "registry"
)
