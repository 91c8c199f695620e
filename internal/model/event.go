package model

import "time"

// EventType classifies a notification event.
type EventType string

const (
	EventSignalGenerated   EventType = "signal_generated"
	EventSignalDropped     EventType = "signal_dropped"
	EventTradeExecuted     EventType = "trade_executed"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalResolved  EventType = "approval_resolved"
	EventStageTransition   EventType = "stage_transition"
	EventStopModified      EventType = "stop_modified"
	EventForceExit         EventType = "force_exit"
	EventPositionClosed    EventType = "position_closed"
	EventAccountDisabled   EventType = "account_disabled"
	EventRegistryReloaded  EventType = "registry_reloaded"
)

// Event is a structured notification emitted by the core loops.
type Event struct {
	Type          EventType
	AccountID     string
	StrategyID    string
	Instrument    string
	CorrelationID string
	Reason        string
	Fields        map[string]float64
	Time          time.Time
}
