package call

import "strings"

// Capability is a bitset declaring which operations are currently valid
// on a call. Capabilities are set by the connection service; the registry
// checks them before forwarding a command but never infers them.
type Capability uint32

const (
	// CapHold means the call can be placed on hold (and taken off hold).
	CapHold Capability = 1 << iota

	// CapSupportHold means the network supports hold for this call even
	// if it cannot be held right now.
	CapSupportHold

	// CapMergeConference means the call can be merged into a conference.
	CapMergeConference

	// CapSwapConference means a conference call supports swapping between
	// its background and foreground legs.
	CapSwapConference

	// CapSeparateFromConference means a child can be split back out of
	// its conference.
	CapSeparateFromConference

	// CapDisconnectFromConference means a child can be hung up
	// individually without tearing down the conference.
	CapDisconnectFromConference

	// CapRespondViaText means an incoming call can be rejected with a
	// text message.
	CapRespondViaText

	// CapMute means the call's audio can be muted.
	CapMute

	// CapAddCall means another call may be placed while this one exists.
	CapAddCall

	// CapSpeedUpMTAudio means an answered incoming call may start audio
	// before the connection service confirms the active state.
	CapSpeedUpMTAudio

	// CapNoChildrenVisible marks a conference whose children must not be
	// surfaced individually; the conference is rendered as a flat call.
	CapNoChildrenVisible
)

// Has reports whether every capability in mask is present.
func (c Capability) Has(mask Capability) bool {
	return c&mask == mask
}

// String renders the set capability names for logging.
func (c Capability) String() string {
	names := []struct {
		bit  Capability
		name string
	}{
		{CapHold, "hold"},
		{CapSupportHold, "support_hold"},
		{CapMergeConference, "merge"},
		{CapSwapConference, "swap"},
		{CapSeparateFromConference, "separate"},
		{CapDisconnectFromConference, "disconnect_child"},
		{CapRespondViaText, "respond_via_text"},
		{CapMute, "mute"},
		{CapAddCall, "add_call"},
		{CapSpeedUpMTAudio, "speed_up_mt_audio"},
		{CapNoChildrenVisible, "no_children_visible"},
	}

	var set []string
	for _, n := range names {
		if c.Has(n.bit) {
			set = append(set, n.name)
		}
	}
	if len(set) == 0 {
		return "none"
	}
	return strings.Join(set, "|")
}
