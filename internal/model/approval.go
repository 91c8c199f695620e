package model

import "time"

// ApprovalStatus tracks an approval request's lifecycle.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
	ApprovalStale    ApprovalStatus = "STALE"
)

// ApprovalRequest gates execution of a scored signal on an operator decision.
type ApprovalRequest struct {
	CorrelationID string
	Scored        ScoredSignal
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Status        ApprovalStatus
}

// Key is the (account, instrument) pair; at most one live request exists per key.
func (r ApprovalRequest) Key() string {
	return r.Scored.Signal.Key()
}

// Expired reports whether the request is past its expiry at now.
func (r ApprovalRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
