package audio

import (
	"log/slog"

	"github.com/flowpbx/telecore/internal/call"
	"github.com/flowpbx/telecore/internal/registry"
)

// bucket indexes the three audio-relevant call classifications.
type bucket int

const (
	bucketActiveDialing bucket = iota
	bucketRinging
	bucketHolding
	bucketCount
)

func (b bucket) String() string {
	switch b {
	case bucketActiveDialing:
		return "active_dialing"
	case bucketRinging:
		return "ringing"
	case bucketHolding:
		return "holding"
	default:
		return "unknown"
	}
}

// Arbiter is the registry listener that classifies every tracked call
// into exactly one audio bucket, derives the audio foreground call
// (active-or-dialing beats ringing beats holding, first found wins
// within a bucket) and drives the route state machine, ringer and tone
// players off bucket-count edges. Only 0→1 and 1→0 transitions signal;
// steady-state membership churn is silent, so a third call flickering
// into existence mid-conference-merge cannot thrash the audio mode.
//
// The arbiter's foreground notion is independent of the registry's UI
// foreground and may legitimately diverge during transient states.
type Arbiter struct {
	registry.ListenerBase

	reg    *registry.Registry
	sm     *RouteSM
	ringer Ringer
	tones  TonePlayer
	focus  FocusController
	logger *slog.Logger

	counts  [bucketCount]int
	audioFg *call.Call

	ringerOn      bool
	ringbackOn    bool
	callWaitingOn bool
	mode          FocusMode
}

// NewArbiter creates the arbiter and registers it with the registry.
func NewArbiter(
	reg *registry.Registry,
	sm *RouteSM,
	ringer Ringer,
	tones TonePlayer,
	focus FocusController,
	logger *slog.Logger,
) *Arbiter {
	a := &Arbiter{
		reg:    reg,
		sm:     sm,
		ringer: ringer,
		tones:  tones,
		focus:  focus,
		logger: logger.With("subsystem", "audio-arbiter"),
	}
	reg.AddListener(a)
	return a
}

// AudioForegroundCall returns the call currently holding audio priority,
// or nil. Must run on the work queue.
func (a *Arbiter) AudioForegroundCall() *call.Call { return a.audioFg }

// ---- registry.Listener callbacks. All run on the work queue.

func (a *Arbiter) OnCallAdded(c *call.Call) { a.update() }

func (a *Arbiter) OnCallRemoved(c *call.Call) { a.update() }

func (a *Arbiter) OnCallStateChanged(c *call.Call, old, new call.State) {
	if new == call.StateDisconnected {
		a.maybePlayDisconnectTone(c)
	}
	a.update()
}

func (a *Arbiter) OnIncomingCallAnswered(c *call.Call) {
	if c.SpeedingUpMTAudio {
		// Trade correctness-by-confirmation for perceived latency: the
		// call moves into the active bucket before the connection
		// service confirms.
		a.logger.Info("speeding up mt audio", "call_id", c.ID)
		a.update()
	}
}

func (a *Arbiter) OnParentChanged(c *call.Call, oldParent, newParent *call.Call) {
	// A child leaving its conference resurfaces exactly like a fresh
	// call add; joining one drops it from independent tracking.
	a.update()
}

// classify places a top-level call into its audio bucket, or returns
// false for calls the arbiter does not track.
func classify(c *call.Call) (bucket, bool) {
	if c.Parent != nil {
		return 0, false
	}
	switch c.State {
	case call.StateConnecting, call.StateDialing, call.StateActive:
		return bucketActiveDialing, true
	case call.StateRinging:
		if c.SpeedingUpMTAudio {
			return bucketActiveDialing, true
		}
		return bucketRinging, true
	case call.StateOnHold:
		return bucketHolding, true
	}
	return 0, false
}

// update rebuilds bucket membership from the registry's insertion-ordered
// call set and fires edge-triggered reactions for each bucket whose
// population crossed zero.
func (a *Arbiter) update() {
	var members [bucketCount][]*call.Call
	for _, c := range a.reg.Calls() {
		if b, ok := classify(c); ok {
			members[b] = append(members[b], c)
		}
	}

	var counts [bucketCount]int
	for b := bucket(0); b < bucketCount; b++ {
		counts[b] = len(members[b])
	}

	prev := a.counts
	a.counts = counts

	// Audio foreground: first found in the highest-precedence nonempty
	// bucket.
	a.audioFg = nil
	for b := bucket(0); b < bucketCount; b++ {
		if len(members[b]) > 0 {
			a.audioFg = members[b][0]
			break
		}
	}

	for b := bucket(0); b < bucketCount; b++ {
		switch {
		case prev[b] == 0 && counts[b] > 0:
			a.bucketFilled(b, members[b][0])
		case prev[b] > 0 && counts[b] == 0:
			a.bucketEmptied(b)
		}
	}

	a.updateRinger(members[bucketRinging])
	a.updateRingback()
	a.updateCallWaiting(members[bucketRinging])
	a.updateFocusMode()
}

// bucketFilled fires exactly once when a bucket goes 0→1.
func (a *Arbiter) bucketFilled(b bucket, first *call.Call) {
	a.logger.Info("audio bucket filled", "bucket", b.String(), "call_id", first.ID)
	switch b {
	case bucketActiveDialing:
		if first.StartWithSpeaker {
			a.sm.SwitchTo(RouteSpeaker)
		}
		a.sm.SetFocus(true)
	}
}

// bucketEmptied fires exactly once when a bucket goes 1→0.
func (a *Arbiter) bucketEmptied(b bucket) {
	a.logger.Info("audio bucket emptied", "bucket", b.String())
	switch b {
	case bucketActiveDialing:
		// Focus is only released once no call needs it at all. Holding
		// calls keep it: both calls momentarily held mid-swap must not
		// abandon focus.
		if a.counts[bucketRinging] == 0 && a.counts[bucketHolding] == 0 {
			a.sm.SetFocus(false)
			a.sm.Reinitialize()
		}
	case bucketHolding:
		if a.counts[bucketActiveDialing] == 0 && a.counts[bucketRinging] == 0 {
			a.sm.SetFocus(false)
			a.sm.Reinitialize()
		}
	}
}

// updateRinger rings for an incoming call only while nothing is active
// or dialing. If the active call ends mid-ring the ringer takes over
// from the call-waiting tone, so the caller is never left silent.
func (a *Arbiter) updateRinger(ringing []*call.Call) {
	want := len(ringing) > 0 && a.counts[bucketActiveDialing] == 0
	if want == a.ringerOn {
		return
	}
	a.ringerOn = want
	if want {
		a.ringer.Start(ringing[0])
	} else {
		a.ringer.Stop()
	}
}

// updateRingback starts or stops locally-generated ringback for the
// audio foreground call while it is dialing.
func (a *Arbiter) updateRingback() {
	want := a.audioFg != nil &&
		a.audioFg.State == call.StateDialing &&
		a.audioFg.RingbackRequested
	if want == a.ringbackOn {
		return
	}
	a.ringbackOn = want
	if want {
		a.tones.StartRingback()
	} else {
		a.tones.StopRingback()
	}
}

// updateCallWaiting plays the call-waiting tone when a call rings behind
// an active one (the ringer is reserved for ringing with nothing active).
func (a *Arbiter) updateCallWaiting(ringing []*call.Call) {
	want := len(ringing) > 0 && a.counts[bucketActiveDialing] > 0
	if want == a.callWaitingOn {
		return
	}
	a.callWaitingOn = want
	if want {
		a.tones.PlayCallWaiting()
	} else {
		a.tones.StopCallWaiting()
	}
}

// updateFocusMode requests the audio mode matching the current bucket
// population.
func (a *Arbiter) updateFocusMode() {
	var want FocusMode
	switch {
	case a.counts[bucketActiveDialing] > 0:
		if a.audioFg != nil && a.audioFg.VoIPAudioMode {
			want = ModeInCommunication
		} else {
			want = ModeInCall
		}
	case a.counts[bucketRinging] > 0:
		want = ModeRinging
	case a.counts[bucketHolding] > 0:
		// Hold keeps the in-call mode so the swap window cannot bounce
		// the mode.
		want = a.mode
		if want == ModeNone {
			want = ModeInCall
		}
	default:
		want = ModeNone
	}

	if want == a.mode {
		return
	}
	a.mode = want
	a.focus.SetMode(want)
}

// maybePlayDisconnectTone plays the cause-mapped tone, but only when the
// disconnecting call was the audio foreground call or no other call
// exists; a background call's disconnect must not bleed tones into an
// ongoing conversation.
func (a *Arbiter) maybePlayDisconnectTone(c *call.Call) {
	tone := DisconnectToneFor(c.Cause)
	if tone == ToneNone {
		return
	}

	others := 0
	for _, other := range a.reg.Calls() {
		if other != c && !other.State.IsTerminal() {
			others++
		}
	}
	if c != a.audioFg && others > 0 {
		return
	}

	a.logger.Info("playing disconnect tone",
		"call_id", c.ID,
		"cause", c.Cause.String(),
		"tone", tone.String(),
	)
	a.tones.PlayDisconnectTone(tone)
}
