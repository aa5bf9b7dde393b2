package headset

// Wire-level call state codes understood by headset hardware. These are
// fixed by the protocol and intentionally do not line up one-to-one with
// the registry's internal states: a dialing call is reported as Alerting.
type WireState int

const (
	WireActive   WireState = 0
	WireHeld     WireState = 1
	WireDialing  WireState = 2
	WireAlerting WireState = 3
	WireIncoming WireState = 4
	WireWaiting  WireState = 5
	WireIdle     WireState = 6
)

func (s WireState) String() string {
	switch s {
	case WireActive:
		return "active"
	case WireHeld:
		return "held"
	case WireDialing:
		return "dialing"
	case WireAlerting:
		return "alerting"
	case WireIncoming:
		return "incoming"
	case WireWaiting:
		return "waiting"
	case WireIdle:
		return "idle"
	}
	return "unknown"
}

// Call direction codes on the wire.
const (
	DirectionOutgoing = 0
	DirectionIncoming = 1
)

// CHLD command arguments (AT+CHLD=n).
const (
	ChldReleaseHeldOrRejectWaiting = 0
	ChldReleaseActiveAcceptHeld    = 1
	ChldHoldActiveAcceptHeld       = 2
	ChldAddHeldToConference        = 3
)

// Transport is the outbound half of the headset protocol: the projection
// pushes state updates and CLCC responses through it. Implementations
// (an RFCOMM channel, a test recorder) must tolerate being called on the
// registry's work queue and return quickly.
type Transport interface {
	// PhoneStateChanged reports the coarse call summary: how many calls
	// are active and held, the wire state, and the ringing party if any.
	PhoneStateChanged(numActive, numHeld int, state WireState, ringingAddress string, ringingAddressType int)

	// ClccResponse reports one call in a list-current-calls response.
	// The response list is terminated by an all-zero end marker.
	ClccResponse(index, direction int, state WireState, multiparty bool, address string, addressType int)
}
