package audio

import "github.com/flowpbx/telecore/internal/call"

// Tone identifies a generated in-call tone.
type Tone int

const (
	ToneNone Tone = iota
	ToneBusy
	ToneCongestion
	ToneCDMAReorder
	ToneCDMAIntercept
	ToneCDMACallDrop
	ToneUnobtainableNumber
	ToneCallEnded
)

func (t Tone) String() string {
	switch t {
	case ToneBusy:
		return "busy"
	case ToneCongestion:
		return "congestion"
	case ToneCDMAReorder:
		return "cdma_reorder"
	case ToneCDMAIntercept:
		return "cdma_intercept"
	case ToneCDMACallDrop:
		return "cdma_call_drop"
	case ToneUnobtainableNumber:
		return "unobtainable_number"
	case ToneCallEnded:
		return "call_ended"
	default:
		return "none"
	}
}

// disconnectTones maps a disconnect cause to the tone played when the
// audio foreground call ends.
var disconnectTones = map[call.DisconnectCause]Tone{
	call.CauseBusy:               ToneBusy,
	call.CauseCongestion:         ToneCongestion,
	call.CauseCDMAReorder:        ToneCDMAReorder,
	call.CauseCDMAIntercept:      ToneCDMAIntercept,
	call.CauseCDMACallDrop:       ToneCDMACallDrop,
	call.CauseUnobtainableNumber: ToneUnobtainableNumber,
	call.CauseLocal:              ToneCallEnded,
	call.CauseRemote:             ToneCallEnded,
}

// DisconnectToneFor returns the tone for a disconnect cause, or ToneNone.
func DisconnectToneFor(cause call.DisconnectCause) Tone {
	return disconnectTones[cause]
}

// Ringer plays the incoming-call ring. Implementations dispatch hardware
// work off the shared queue.
type Ringer interface {
	// Start begins ringing for the given call.
	Start(c *call.Call)

	// Stop silences the ringer.
	Stop()
}

// TonePlayer generates in-call tones: call waiting, locally-generated
// ringback, and disconnect tones.
type TonePlayer interface {
	PlayCallWaiting()
	StopCallWaiting()
	StartRingback()
	StopRingback()
	PlayDisconnectTone(t Tone)
}

// FocusMode selects the platform audio mode the arbiter requests while
// calls are in progress.
type FocusMode int

const (
	// ModeNone abandons audio focus entirely.
	ModeNone FocusMode = iota

	// ModeRinging holds focus for the ringtone.
	ModeRinging

	// ModeInCall is the cellular voice-call audio mode.
	ModeInCall

	// ModeInCommunication is the VoIP audio mode.
	ModeInCommunication
)

func (m FocusMode) String() string {
	switch m {
	case ModeRinging:
		return "ringing"
	case ModeInCall:
		return "in_call"
	case ModeInCommunication:
		return "in_communication"
	default:
		return "none"
	}
}

// FocusController owns the platform audio-focus handle.
type FocusController interface {
	// SetMode requests audio focus in the given mode, or abandons it for
	// ModeNone. Implementations dispatch to their own worker.
	SetMode(m FocusMode)
}
