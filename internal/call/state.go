package call

import "fmt"

// State represents the lifecycle state of a call. The underlying
// connection service is authoritative: transitions that look illegal are
// recorded as-is rather than rejected, so there is no fixed transition
// graph here.
type State int

const (
	// StateNew is the initial state before any connection attempt starts.
	StateNew State = iota

	// StateConnecting is an outgoing call whose connection request has
	// been sent but not yet acknowledged by the connection service.
	StateConnecting

	// StateSelectAccount is an outgoing call waiting for the user to pick
	// which account (subscription) should place it.
	StateSelectAccount

	// StateDialing is an outgoing call that the remote end has not yet
	// answered (network-level alerting).
	StateDialing

	// StateRinging is an incoming call that has not been answered.
	StateRinging

	// StateActive is a connected call with live audio.
	StateActive

	// StateOnHold is a connected call placed on hold.
	StateOnHold

	// StateDisconnecting is a call commanded to disconnect locally,
	// awaiting confirmation from the connection service.
	StateDisconnecting

	// StateDisconnected is a terminated call. Disconnected calls remain
	// briefly visible so consumers can render the final state before the
	// registry removes them.
	StateDisconnected

	// StateAborted is an outgoing call that failed before it ever reached
	// the connection service (cancelled broadcast, admission rejection).
	StateAborted
)

// String returns the lowercase name used in logs and API payloads.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateSelectAccount:
		return "select_account"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	case StateOnHold:
		return "on_hold"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsAlive reports whether the call still occupies the user's attention:
// anything between the connection attempt and the disconnect.
func (s State) IsAlive() bool {
	switch s {
	case StateConnecting, StateSelectAccount, StateDialing, StateRinging,
		StateActive, StateOnHold:
		return true
	}
	return false
}

// IsLive reports whether the call counts against the live-call admission
// quota (connecting, dialing or active, not held or ringing).
func (s State) IsLive() bool {
	switch s {
	case StateConnecting, StateDialing, StateActive:
		return true
	}
	return false
}

// IsTerminal reports whether the call has reached an end state.
func (s State) IsTerminal() bool {
	return s == StateDisconnected || s == StateAborted
}
