// Package events defines the session lifecycle event types published on the bus.
package events

// Session lifecycle event subjects.
const (
	SessionCreated       = "session.created"
	SessionReady         = "session.ready"
	SessionRehydrated    = "session.rehydrated"
	SessionTurnStarted   = "session.turn.started"
	SessionTurnCompleted = "session.turn.completed"
	SessionTurnFailed    = "session.turn.failed"
	SessionStopped       = "session.stopped"
	SessionRemoved       = "session.removed"
	SessionReaped        = "session.reaped"
)
