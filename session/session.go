// Package session provides the Session Manager for quoalise command dialogs.
// It owns the table of in-flight sessions keyed by (requester, id), drives
// the dialog state machine, serializes concurrent actions per session, and
// evicts sessions after inactivity.
package session

import (
	"time"
)

// State is the dialog state of a session. Terminal states are absorbing.
type State int

// Session states
const (
	// Created means the session exists but no execution has been admitted
	Created State = iota
	// AwaitingInput means a continuation prompt was sent and the dialog
	// waits for the next submit
	AwaitingInput
	// Executing means a command execution is in flight
	Executing
	// Completed means the dialog finished successfully
	Completed
	// Canceled means the requester canceled the dialog
	Canceled
	// Errored means the dialog finished with a terminal failure
	Errored
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case AwaitingInput:
		return "awaiting_input"
	case Executing:
		return "executing"
	case Completed:
		return "completed"
	case Canceled:
		return "canceled"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is an absorbing state.
func (s State) Terminal() bool {
	switch s {
	case Completed, Canceled, Errored:
		return true
	}
	return false
}

// Action is a requested transition on a session.
type Action string

// Session actions. Timeout is applied internally by eviction and never
// accepted from the wire.
const (
	ActionExecute Action = "execute"
	ActionCancel  Action = "cancel"
	ActionTimeout Action = "timeout"
)

// Session identifies one command dialog. ID is an opaque server-generated
// token, unique per requester among live sessions. Requester is the
// federated address of the initiating party, already authenticated by the
// transport.
type Session struct {
	ID             string
	Requester      string
	CommandNode    string
	State          State
	CreatedAt      time.Time
	LastActivityAt time.Time
}
