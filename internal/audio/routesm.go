package audio

import (
	"log/slog"

	"github.com/flowpbx/telecore/internal/serial"
)

// Hardware abstracts the device audio hardware controls. Implementations
// must dispatch slow driver calls to their own worker so the shared work
// queue never blocks on audio-driver latency.
type Hardware interface {
	// SetSpeakerphoneOn toggles the loudspeaker path.
	SetSpeakerphoneOn(on bool)

	// SetBluetoothScoOn toggles the Bluetooth voice audio link.
	SetBluetoothScoOn(on bool)

	// SetMuted toggles the microphone mute.
	SetMuted(muted bool)
}

// routeEvent is a message into the route state machine.
type routeEvent int

const (
	evConnectWiredHeadset routeEvent = iota
	evDisconnectWiredHeadset
	evConnectBluetooth
	evDisconnectBluetooth
	evConnectDock
	evDisconnectDock
	evSwitchEarpiece
	evSwitchHeadset
	evSwitchBluetooth
	evSwitchSpeaker
	evFocusGained
	evFocusLost
	evMuteOn
	evMuteOff
	evMuteToggle
	evReinitialize
)

func (e routeEvent) String() string {
	names := [...]string{
		"connect_wired_headset", "disconnect_wired_headset",
		"connect_bluetooth", "disconnect_bluetooth",
		"connect_dock", "disconnect_dock",
		"switch_earpiece", "switch_headset", "switch_bluetooth", "switch_speaker",
		"focus_gained", "focus_lost",
		"mute_on", "mute_off", "mute_toggle",
		"reinitialize",
	}
	if int(e) < len(names) {
		return names[e]
	}
	return "unknown"
}

// RouteSM is the audio route state machine: the single source of truth
// for {route, focus, mute}. Its state space is route × {active,
// quiescent}: the quiescent side remembers which route would be used
// when focus returns, so idle route bookkeeping never toggles hardware.
// All processing runs on the shared work queue; transitions derived from
// other transitions are posted to the front of the queue so a user
// command can never interleave between a hardware event and its
// follow-up.
type RouteSM struct {
	runner *serial.Runner
	logger *slog.Logger
	hw     Hardware

	route        Route
	focused      bool
	available    Route
	wasOnSpeaker bool
	muted        bool

	// Hardware flag cache so each side effect fires exactly once per
	// logical transition.
	hwSpeakerOn bool
	hwScoOn     bool
	hwMuted     bool

	published    CallAudioState
	hasPublished bool
	stateChanged []func(CallAudioState)
}

// NewRouteSM creates the route state machine in the quiescent earpiece
// state with earpiece and speaker available.
func NewRouteSM(runner *serial.Runner, hw Hardware, logger *slog.Logger) *RouteSM {
	return &RouteSM{
		runner:    runner,
		logger:    logger.With("subsystem", "audio-route"),
		hw:        hw,
		route:     RouteEarpiece,
		available: RouteEarpiece | RouteSpeaker,
	}
}

// OnStateChanged registers a callback for CallAudioState snapshots. The
// callback runs on the work queue; register during wiring only.
func (sm *RouteSM) OnStateChanged(fn func(CallAudioState)) {
	sm.stateChanged = append(sm.stateChanged, fn)
}

// CurrentState returns the last published snapshot. Must run on the
// work queue.
func (sm *RouteSM) CurrentState() CallAudioState {
	return CallAudioState{Muted: sm.muted, Route: sm.route, SupportedRoutes: sm.available}
}

// ---- External entry points. Each marshals one event onto the queue.

// WiredHeadsetConnected reports a wired headset plug event.
func (sm *RouteSM) WiredHeadsetConnected() { sm.send(evConnectWiredHeadset) }

// WiredHeadsetDisconnected reports a wired headset unplug event.
func (sm *RouteSM) WiredHeadsetDisconnected() { sm.send(evDisconnectWiredHeadset) }

// BluetoothConnected reports a Bluetooth audio device connection.
// Duplicate connect notifications are absorbed.
func (sm *RouteSM) BluetoothConnected() { sm.send(evConnectBluetooth) }

// BluetoothDisconnected reports a Bluetooth audio device loss.
func (sm *RouteSM) BluetoothDisconnected() { sm.send(evDisconnectBluetooth) }

// DockConnected reports the device being placed on a dock.
func (sm *RouteSM) DockConnected() { sm.send(evConnectDock) }

// DockDisconnected reports the device leaving a dock.
func (sm *RouteSM) DockDisconnected() { sm.send(evDisconnectDock) }

// SwitchTo executes a user route choice.
func (sm *RouteSM) SwitchTo(r Route) {
	switch r {
	case RouteEarpiece:
		sm.send(evSwitchEarpiece)
	case RouteWiredHeadset:
		sm.send(evSwitchHeadset)
	case RouteBluetooth:
		sm.send(evSwitchBluetooth)
	case RouteSpeaker:
		sm.send(evSwitchSpeaker)
	default:
		sm.logger.Warn("switch to unknown route", "route", r.String())
	}
}

// SetFocus moves between the active and quiescent side of the current
// route. Focus changes never change which route is selected.
func (sm *RouteSM) SetFocus(focused bool) {
	if focused {
		sm.send(evFocusGained)
	} else {
		sm.send(evFocusLost)
	}
}

// SetMuted sets the microphone mute flag.
func (sm *RouteSM) SetMuted(muted bool) {
	if muted {
		sm.send(evMuteOn)
	} else {
		sm.send(evMuteOff)
	}
}

// ToggleMute flips the microphone mute flag.
func (sm *RouteSM) ToggleMute() { sm.send(evMuteToggle) }

// Reinitialize resets to the default idle route once no calls remain.
func (sm *RouteSM) Reinitialize() { sm.send(evReinitialize) }

func (sm *RouteSM) send(e routeEvent) {
	sm.runner.Post("audio.route."+e.String(), func() { sm.process(e) })
}

// sendInternal posts a derived follow-up transition to the front of the
// queue so no external message can interleave. Strict requirement, not
// an optimization.
func (sm *RouteSM) sendInternal(e routeEvent) {
	sm.runner.PostFront("audio.route.internal."+e.String(), func() { sm.process(e) })
}

// process is the transition function over the closed event set. Runs on
// the work queue only.
func (sm *RouteSM) process(e routeEvent) {
	switch e {
	case evConnectWiredHeadset:
		if sm.available&RouteWiredHeadset != 0 {
			return // duplicate plug event
		}
		sm.available |= RouteWiredHeadset
		// Plugging in takes over from the built-in routes; wasOnSpeaker
		// is preserved so unplugging can restore the speaker.
		if sm.route == RouteEarpiece || sm.route == RouteSpeaker {
			sm.setRoute(RouteWiredHeadset)
		}
		sm.apply()

	case evDisconnectWiredHeadset:
		if sm.available&RouteWiredHeadset == 0 {
			return
		}
		sm.available &^= RouteWiredHeadset
		if sm.route == RouteWiredHeadset {
			// No publish yet: the front-posted fallback runs next and
			// lands route and available mask in one consistent snapshot.
			if sm.wasOnSpeaker {
				sm.sendInternal(evSwitchSpeaker)
			} else {
				sm.sendInternal(evSwitchEarpiece)
			}
			return
		}
		sm.apply()

	case evConnectBluetooth:
		if sm.available&RouteBluetooth != 0 {
			// Hardware layers emit redundant connect notifications.
			return
		}
		sm.available |= RouteBluetooth
		sm.setRoute(RouteBluetooth)
		sm.apply()

	case evDisconnectBluetooth:
		if sm.available&RouteBluetooth == 0 {
			return
		}
		sm.available &^= RouteBluetooth
		if sm.route == RouteBluetooth {
			sm.wasOnSpeaker = false
			if sm.available&RouteEarpiece != 0 {
				sm.sendInternal(evSwitchEarpiece)
			} else {
				sm.sendInternal(evSwitchHeadset)
			}
			return
		}
		sm.apply()

	case evConnectDock:
		if sm.route == RouteEarpiece || (sm.route == RouteWiredHeadset && !sm.focused) {
			sm.sendInternal(evSwitchSpeaker)
		}

	case evDisconnectDock:
		if sm.route == RouteSpeaker {
			if sm.available&RouteWiredHeadset != 0 {
				sm.sendInternal(evSwitchHeadset)
			} else {
				sm.sendInternal(evSwitchEarpiece)
			}
			sm.wasOnSpeaker = false
		}

	case evSwitchEarpiece:
		sm.setRoute(RouteEarpiece)
		sm.wasOnSpeaker = false
		sm.apply()

	case evSwitchHeadset:
		if sm.available&RouteWiredHeadset == 0 {
			sm.logger.Warn("switch to wired headset while unavailable")
			return
		}
		sm.setRoute(RouteWiredHeadset)
		sm.wasOnSpeaker = false
		sm.apply()

	case evSwitchBluetooth:
		if sm.available&RouteBluetooth == 0 {
			sm.logger.Warn("switch to bluetooth while unavailable")
			return
		}
		sm.setRoute(RouteBluetooth)
		sm.apply()

	case evSwitchSpeaker:
		// Speaker has no plugged-in precondition.
		sm.setRoute(RouteSpeaker)
		sm.wasOnSpeaker = true
		sm.apply()

	case evFocusGained:
		if sm.focused {
			return
		}
		sm.focused = true
		sm.apply()

	case evFocusLost:
		if !sm.focused {
			return
		}
		sm.focused = false
		sm.apply()

	case evMuteOn:
		sm.setMuted(true)

	case evMuteOff:
		sm.setMuted(false)

	case evMuteToggle:
		sm.setMuted(!sm.muted)

	case evReinitialize:
		sm.focused = false
		sm.muted = false
		sm.wasOnSpeaker = false
		sm.route = sm.defaultRoute()
		sm.apply()

	default:
		// An unreachable branch is logged, not fatal: a wrong audio
		// route beats crashing mid-call.
		sm.logger.Error("route state machine: unhandled event", "event", e.String())
	}
}

func (sm *RouteSM) defaultRoute() Route {
	switch {
	case sm.available&RouteBluetooth != 0:
		return RouteBluetooth
	case sm.available&RouteWiredHeadset != 0:
		return RouteWiredHeadset
	default:
		return RouteEarpiece
	}
}

func (sm *RouteSM) setRoute(r Route) {
	if sm.route == r {
		return
	}
	sm.logger.Info("audio route changed",
		"old", sm.route.String(),
		"new", r.String(),
		"focused", sm.focused,
	)
	sm.route = r
}

// setMuted applies the hardware mute only while active, but always
// refreshes the published snapshot.
func (sm *RouteSM) setMuted(muted bool) {
	sm.muted = muted
	sm.apply()
}

// apply performs the hardware side effects for the current state exactly
// once per logical transition, then publishes the snapshot. Order on
// entering an active state: speakerphone flag, bluetooth audio flag,
// snapshot publish, consumer notification.
func (sm *RouteSM) apply() {
	wantSpeaker := sm.focused && sm.route == RouteSpeaker
	wantSco := sm.focused && sm.route == RouteBluetooth
	wantMuted := sm.focused && sm.muted

	if wantSpeaker != sm.hwSpeakerOn {
		sm.hwSpeakerOn = wantSpeaker
		sm.hw.SetSpeakerphoneOn(wantSpeaker)
	}
	if wantSco != sm.hwScoOn {
		sm.hwScoOn = wantSco
		sm.hw.SetBluetoothScoOn(wantSco)
	}
	if wantMuted != sm.hwMuted {
		sm.hwMuted = wantMuted
		sm.hw.SetMuted(wantMuted)
	}

	sm.publish()
}

// publish pushes a new CallAudioState snapshot to consumers. A snapshot
// equal to the previous one fires nothing.
func (sm *RouteSM) publish() {
	snap := sm.CurrentState()
	if sm.hasPublished && snap == sm.published {
		return
	}
	sm.published = snap
	sm.hasPublished = true
	for _, fn := range sm.stateChanged {
		fn(snap)
	}
}
