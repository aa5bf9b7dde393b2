package registry

import "github.com/flowpbx/telecore/internal/call"

// Listener receives call registry events. All callbacks run synchronously
// on the registry's work queue, in registration order, after the
// triggering mutation has been applied, so a listener may therefore query
// other calls' already-updated states during its own callback. Listeners
// must not mutate calls directly; mutations go back through registry
// command methods.
//
// Embed ListenerBase to implement only the callbacks you need.
type Listener interface {
	// OnCallAdded fires after a call is admitted into the registry.
	OnCallAdded(c *call.Call)

	// OnCallRemoved fires after a call leaves the registry. The call's
	// final state is still readable.
	OnCallRemoved(c *call.Call)

	// OnCallStateChanged fires after a tracked call changes state.
	OnCallStateChanged(c *call.Call, old, new call.State)

	// OnForegroundChanged fires when foreground selection picks a
	// different call. Either argument may be nil.
	OnForegroundChanged(old, new *call.Call)

	// OnCanAddCallChanged fires when admission eligibility for a new
	// outgoing call flips.
	OnCanAddCallChanged(can bool)

	// OnIncomingCall fires for a newly-ringing incoming call, after
	// OnCallAdded.
	OnIncomingCall(c *call.Call)

	// OnIncomingCallAnswered fires when the user answers a ringing call,
	// before the connection service confirms the active state. Calls
	// with the speed-up capability are reclassified early off this event.
	OnIncomingCallAnswered(c *call.Call)

	// OnOutgoingCallFailed fires when an outgoing attempt is rejected
	// before connecting (admission control, missing or invalid number)
	// so a one-shot error can be surfaced.
	OnOutgoingCallFailed(c *call.Call, cause call.DisconnectCause)

	// OnMergeFailed fires when a conference merge attempt fails; the
	// call remains in its prior state.
	OnMergeFailed(c *call.Call)

	// OnParentChanged fires when a call joins or leaves a conference.
	// A call leaving (newParent nil) is surfaced like a fresh add to
	// audio classification.
	OnParentChanged(c *call.Call, oldParent, newParent *call.Call)
}

// ListenerBase is a no-op Listener. Embed it so a listener only
// overrides the callbacks it cares about.
type ListenerBase struct{}

func (ListenerBase) OnCallAdded(*call.Call)                                {}
func (ListenerBase) OnCallRemoved(*call.Call)                              {}
func (ListenerBase) OnCallStateChanged(*call.Call, call.State, call.State) {}
func (ListenerBase) OnForegroundChanged(*call.Call, *call.Call)            {}
func (ListenerBase) OnCanAddCallChanged(bool)                              {}
func (ListenerBase) OnIncomingCall(*call.Call)                             {}
func (ListenerBase) OnIncomingCallAnswered(*call.Call)                     {}
func (ListenerBase) OnOutgoingCallFailed(*call.Call, call.DisconnectCause) {}
func (ListenerBase) OnMergeFailed(*call.Call)                              {}
func (ListenerBase) OnParentChanged(*call.Call, *call.Call, *call.Call)    {}
