package call

import "fmt"

// DisconnectCause describes why a call ended. The cause drives the
// disconnect tone selection and the disposition recorded in the call log.
type DisconnectCause int

const (
	// CauseUnknown is the zero value: the call has not disconnected, or
	// the connection service gave no reason.
	CauseUnknown DisconnectCause = iota

	// CauseLocal is a normal hangup initiated on this device.
	CauseLocal

	// CauseRemote is a normal hangup initiated by the far end.
	CauseRemote

	// CauseCanceled is an outgoing call abandoned before it connected,
	// including admission-control rejections.
	CauseCanceled

	// CauseMissed is an incoming call that rang out unanswered.
	CauseMissed

	// CauseRejected is an incoming call declined by the user.
	CauseRejected

	// CauseBusy means the far end was busy.
	CauseBusy

	// CauseCongestion means the network refused the call due to load.
	CauseCongestion

	// CauseError is an unrecoverable failure, including connection
	// service death.
	CauseError

	// CauseNoPhoneNumberSupplied is an outgoing attempt with no address.
	CauseNoPhoneNumberSupplied

	// CauseInvalidNumber is an outgoing attempt with an unroutable address.
	CauseInvalidNumber

	// CauseUnobtainableNumber is a network rejection for a number that
	// cannot be reached.
	CauseUnobtainableNumber

	// CauseCDMAReorder is the CDMA fast-busy (reorder) condition.
	CauseCDMAReorder

	// CauseCDMAIntercept is the CDMA operator-intercept condition.
	CauseCDMAIntercept

	// CauseCDMACallDrop is a CDMA call lost mid-conversation.
	CauseCDMACallDrop
)

// String returns the lowercase name used in logs and the call log.
func (c DisconnectCause) String() string {
	switch c {
	case CauseUnknown:
		return "unknown"
	case CauseLocal:
		return "local"
	case CauseRemote:
		return "remote"
	case CauseCanceled:
		return "canceled"
	case CauseMissed:
		return "missed"
	case CauseRejected:
		return "rejected"
	case CauseBusy:
		return "busy"
	case CauseCongestion:
		return "congestion"
	case CauseError:
		return "error"
	case CauseNoPhoneNumberSupplied:
		return "no_number"
	case CauseInvalidNumber:
		return "invalid_number"
	case CauseUnobtainableNumber:
		return "unobtainable_number"
	case CauseCDMAReorder:
		return "cdma_reorder"
	case CauseCDMAIntercept:
		return "cdma_intercept"
	case CauseCDMACallDrop:
		return "cdma_call_drop"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}
