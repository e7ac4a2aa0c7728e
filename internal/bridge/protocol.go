// Package bridge defines the contract between the broker and the control
// process running inside each sandbox, and ships the control process
// itself as an embedded script.
package bridge

import "path"

// ControlDir is the message-file directory inside the sandbox.
const ControlDir = "/var/coderelay"

// Message-file names under ControlDir.
const (
	IncomingFile = "incoming.msg" // FIFO, one submission per line
	ResponseFile = "response.msg" // latest turn's aggregated text
	StatusFile   = "status"       // one of the Status values
	EventLogFile = "events.log"   // one JSON event per line
)

// ScriptPath is where the bridge script is installed inside the sandbox.
const ScriptPath = "/opt/coderelay/bridge.py"

// ProcessingSentinel is written to the response file while a turn is
// in flight. A response equal to this string is not a reply.
const ProcessingSentinel = "PROCESSING"

// Status is the closed set of bridge states.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusAgentReady   Status = "AGENT_READY"
	StatusWaiting      Status = "WAITING_FOR_MESSAGE"
	StatusProcessing   Status = "PROCESSING"
	StatusFailed       Status = "FAILED"
	StatusShuttingDown Status = "SHUTTING_DOWN"
)

// Terminal reports whether the bridge will make no further progress.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusShuttingDown
}

// Idle reports whether the bridge is ready to accept a submission.
func (s Status) Idle() bool {
	return s == StatusAgentReady || s == StatusWaiting
}

// Paths holds the absolute in-sandbox paths for one control channel.
type Paths struct {
	Incoming string
	Response string
	Status   string
	EventLog string
}

// ControlPaths returns the message-file paths under the control directory.
func ControlPaths() Paths {
	return Paths{
		Incoming: path.Join(ControlDir, IncomingFile),
		Response: path.Join(ControlDir, ResponseFile),
		Status:   path.Join(ControlDir, StatusFile),
		EventLog: path.Join(ControlDir, EventLogFile),
	}
}

// ParseStatus normalizes raw status-file contents.
func ParseStatus(raw string) Status {
	switch Status(raw) {
	case StatusInitializing, StatusAgentReady, StatusWaiting,
		StatusProcessing, StatusFailed, StatusShuttingDown:
		return Status(raw)
	default:
		return ""
	}
}
