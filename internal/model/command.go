package model

import "time"

// CommandKind is an operator command received from the command source.
type CommandKind string

const (
	CommandApprove   CommandKind = "approve"
	CommandReject    CommandKind = "reject"
	CommandPending   CommandKind = "pending"
	CommandStatus    CommandKind = "status"
	CommandPositions CommandKind = "positions"
	CommandReload    CommandKind = "reload"
	CommandHelp      CommandKind = "help"
)

// Command is a parsed operator instruction. Approve and reject carry the
// correlation id of the approval request they resolve.
type Command struct {
	Kind          CommandKind
	CorrelationID string
	Operator      string
	ReceivedAt    time.Time
}
