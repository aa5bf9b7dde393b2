package audio

import "strings"

// Route identifies a physical audio path. Values are bitmask-compatible
// so a set of available routes is a Route union.
type Route uint8

const (
	RouteEarpiece Route = 1 << iota
	RouteBluetooth
	RouteWiredHeadset
	RouteSpeaker
)

// String renders a single route or a route mask for logging.
func (r Route) String() string {
	var parts []string
	if r&RouteEarpiece != 0 {
		parts = append(parts, "earpiece")
	}
	if r&RouteBluetooth != 0 {
		parts = append(parts, "bluetooth")
	}
	if r&RouteWiredHeadset != 0 {
		parts = append(parts, "wired_headset")
	}
	if r&RouteSpeaker != 0 {
		parts = append(parts, "speaker")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// CallAudioState is the immutable snapshot of the audio routing state
// pushed to every consumer. Only the route state machine produces these;
// everyone else treats them as read-only values.
type CallAudioState struct {
	// Muted reports whether the call microphone is muted.
	Muted bool

	// Route is the route currently selected.
	Route Route

	// SupportedRoutes is the mask of routes currently available.
	SupportedRoutes Route
}
