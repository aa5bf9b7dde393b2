package headset

import (
	"log/slog"

	"github.com/flowpbx/telecore/internal/call"
	"github.com/flowpbx/telecore/internal/registry"
	"github.com/flowpbx/telecore/internal/serial"
)

// Config carries the static identity values some headset commands query.
type Config struct {
	// Operator is reported for get-network-operator requests. Falls back
	// to the active account's label when empty.
	Operator string

	// SubscriberNumber is reported for get-subscriber-number requests.
	SubscriberNumber string
}

// Bridge projects the registry's call model onto the headset control
// protocol. It listens for registry events on the work queue and pushes
// phone-state-changed updates through the Transport, and it marshals
// inbound headset commands (answer, hangup, CHLD) onto the queue,
// blocking the protocol thread until the synchronous boolean reply is
// ready.
//
// Each tracked call gets a stable 1-based CLCC index: the smallest
// integer unused at assignment time, held for the call's lifetime and
// released only on removal.
type Bridge struct {
	registry.ListenerBase

	reg    *registry.Registry
	tr     Transport
	cfg    Config
	logger *slog.Logger

	indices map[string]int
	merged  map[string]bool

	lastActive   int
	lastHeld     int
	lastState    WireState
	lastRingAddr string
	lastRingType int
}

// NewBridge wires a bridge into the registry's listener chain.
func NewBridge(reg *registry.Registry, tr Transport, cfg Config, logger *slog.Logger) *Bridge {
	b := &Bridge{
		reg:       reg,
		tr:        tr,
		cfg:       cfg,
		logger:    logger.With("subsystem", "headset"),
		indices:   make(map[string]int),
		merged:    make(map[string]bool),
		lastState: WireIdle,
	}
	reg.AddListener(b)
	return b
}

// --- registry events (on the work queue) ---

func (b *Bridge) OnCallAdded(c *call.Call) {
	b.indexFor(c)
	b.updatePhoneState(false)
}

func (b *Bridge) OnCallRemoved(c *call.Call) {
	delete(b.indices, c.ID)
	delete(b.merged, c.ID)
	b.updatePhoneState(false)
}

func (b *Bridge) OnCallStateChanged(c *call.Call, old, new call.State) {
	b.updatePhoneState(false)
}

func (b *Bridge) OnForegroundChanged(old, new *call.Call) {
	b.updatePhoneState(false)
}

func (b *Bridge) OnIncomingCallAnswered(c *call.Call) {
	b.updatePhoneState(false)
}

func (b *Bridge) OnParentChanged(c *call.Call, oldParent, newParent *call.Call) {
	if newParent != nil && len(newParent.Children) >= 2 {
		// Second leg joined: the conference has fully merged, so the
		// synthetic swap-held fiction no longer applies.
		b.merged[newParent.ID] = true
	}
	b.updatePhoneState(false)
}

// --- inbound protocol commands (marshaled from the protocol thread) ---

// Answer accepts the ringing call, if any.
func (b *Bridge) Answer() bool {
	return serial.Submit(b.reg.Runner(), "headset answer", func() bool {
		c := b.reg.RingingCall()
		if c == nil {
			return false
		}
		b.reg.AnswerCall(c.ID, 0)
		return true
	})
}

// Hangup ends the ringing call if one exists, otherwise the foreground
// call, otherwise any remaining call.
func (b *Bridge) Hangup() bool {
	return serial.Submit(b.reg.Runner(), "headset hangup", func() bool {
		if c := b.reg.RingingCall(); c != nil {
			b.reg.RejectCall(c.ID, false, "")
			return true
		}
		c := b.reg.ForegroundCall()
		if c == nil {
			for _, cand := range b.reg.Calls() {
				if !cand.State.IsTerminal() {
					c = cand
					break
				}
			}
		}
		if c == nil {
			return false
		}
		b.reg.DisconnectCall(c.ID)
		return true
	})
}

// SendDTMF plays one DTMF digit on the foreground call.
func (b *Bridge) SendDTMF(digit rune) bool {
	return serial.Submit(b.reg.Runner(), "headset dtmf", func() bool {
		c := b.reg.ForegroundCall()
		if c == nil {
			return false
		}
		b.reg.PlayDTMF(c.ID, digit)
		b.reg.StopDTMF(c.ID)
		return true
	})
}

// NetworkOperator answers a get-network-operator query.
func (b *Bridge) NetworkOperator() string {
	return serial.Submit(b.reg.Runner(), "headset operator", func() string {
		if b.cfg.Operator != "" {
			return b.cfg.Operator
		}
		if fg := b.reg.ForegroundCall(); fg != nil && fg.Account != nil {
			return fg.Account.Label
		}
		return ""
	})
}

// SubscriberNumber answers a get-subscriber-number query.
func (b *Bridge) SubscriberNumber() string {
	return b.cfg.SubscriberNumber
}

// QueryPhoneState pushes the current summary unconditionally, bypassing
// the change-detection filter. Sent when the headset (re)connects.
func (b *Bridge) QueryPhoneState() bool {
	return serial.Submit(b.reg.Runner(), "headset query state", func() bool {
		b.updatePhoneState(true)
		return true
	})
}

// ListCurrentCalls emits one CLCC record per visible call followed by
// the end marker. Conference hosts are skipped unless they hide their
// children, in which case the host stands in for the whole group.
func (b *Bridge) ListCurrentCalls() bool {
	return serial.Submit(b.reg.Runner(), "headset clcc", func() bool {
		for _, c := range b.reg.Calls() {
			if c.Conference && !c.Can(call.CapNoChildrenVisible) {
				continue
			}
			if c.Parent != nil && c.Parent.Can(call.CapNoChildrenVisible) {
				// The host already stands in for these legs.
				continue
			}
			dir := DirectionOutgoing
			if c.Incoming {
				dir = DirectionIncoming
			}
			b.tr.ClccResponse(b.indexFor(c), dir, b.wireStateFor(c), c.Multiparty(), c.Address, c.AddressType())
		}
		b.tr.ClccResponse(0, 0, 0, false, "", 0)
		return true
	})
}

// ProcessChld executes a three-way-calling control command.
func (b *Bridge) ProcessChld(n int) bool {
	return serial.Submit(b.reg.Runner(), "headset chld", func() bool {
		switch n {
		case ChldReleaseHeldOrRejectWaiting:
			if c := b.reg.RingingCall(); c != nil {
				b.reg.RejectCall(c.ID, false, "")
				return true
			}
			if c := b.heldCall(); c != nil {
				b.reg.DisconnectCall(c.ID)
				return true
			}
		case ChldReleaseActiveAcceptHeld:
			active := b.activeCall()
			if active != nil {
				b.reg.DisconnectCall(active.ID)
			}
			if c := b.reg.RingingCall(); c != nil {
				b.reg.AnswerCall(c.ID, 0)
				return true
			}
			if c := b.heldCall(); c != nil {
				b.reg.UnholdCall(c.ID)
				return true
			}
			return active != nil
		case ChldHoldActiveAcceptHeld:
			if c := b.reg.RingingCall(); c != nil {
				b.reg.AnswerCall(c.ID, 0)
				return true
			}
			active, held := b.activeCall(), b.heldCall()
			if active != nil && active.Can(call.CapHold) {
				b.reg.HoldCall(active.ID)
				if held != nil {
					b.reg.UnholdCall(held.ID)
				}
				return true
			}
			if held != nil {
				b.reg.UnholdCall(held.ID)
				return true
			}
		case ChldAddHeldToConference:
			active, held := b.activeCall(), b.heldCall()
			if active != nil && held != nil && active.Can(call.CapMergeConference) {
				b.reg.ConferenceCalls(active.ID, held.ID)
				return true
			}
		default:
			b.logger.Warn("unsupported CHLD command", "n", n)
		}
		return false
	})
}

// --- projection internals (on the work queue) ---

// indexFor returns the call's CLCC index, assigning the smallest unused
// index on first sight.
func (b *Bridge) indexFor(c *call.Call) int {
	if idx, ok := b.indices[c.ID]; ok {
		return idx
	}
	used := make(map[int]bool, len(b.indices))
	for _, idx := range b.indices {
		used[idx] = true
	}
	idx := 1
	for used[idx] {
		idx++
	}
	b.indices[c.ID] = idx
	return idx
}

func (b *Bridge) wireStateFor(c *call.Call) WireState {
	switch c.State {
	case call.StateActive:
		return WireActive
	case call.StateOnHold:
		return WireHeld
	case call.StateDialing:
		return WireAlerting
	case call.StateRinging:
		if c == b.reg.ForegroundCall() {
			return WireIncoming
		}
		return WireWaiting
	default:
		// New, connecting, account selection, and terminal states all
		// look idle on the wire.
		return WireIdle
	}
}

func (b *Bridge) activeCall() *call.Call {
	for _, c := range b.reg.Calls() {
		if c.TopLevel() && c.State == call.StateActive {
			return c
		}
	}
	return nil
}

func (b *Bridge) heldCall() *call.Call {
	for _, c := range b.reg.Calls() {
		if c.TopLevel() && c.State == call.StateOnHold {
			return c
		}
	}
	return nil
}

// summary computes the coarse quantities a phone-state-changed update
// carries.
func (b *Bridge) summary() (numActive, numHeld int, state WireState, ringAddr string, ringType int) {
	state = WireIdle
	var active, ringing *call.Call
	for _, c := range b.reg.Calls() {
		if !c.TopLevel() {
			continue
		}
		switch c.State {
		case call.StateActive:
			numActive++
			active = c
		case call.StateOnHold:
			numHeld++
		case call.StateRinging:
			ringing = c
		case call.StateDialing, call.StateConnecting:
			state = WireAlerting
		}
	}
	if ringing != nil {
		state = WireIncoming
		ringAddr = ringing.Address
		ringType = ringing.AddressType()
	}
	// A swap-capable active conference exposes one synthetic held call so
	// the headset shows its swap button. Once the conference has merged
	// both legs the fiction is dropped. A merge-capable conference keeps
	// the fiction regardless.
	if active != nil && active.Conference {
		if active.Can(call.CapSwapConference) && !b.merged[active.ID] {
			numHeld = 1
		} else if active.Can(call.CapMergeConference) {
			numHeld = 1
		}
	}
	return numActive, numHeld, state, ringAddr, ringType
}

// updatePhoneState pushes a phone-state-changed update when any tracked
// quantity moved. Two simultaneously-held calls is a transient swap in
// flight and is suppressed to avoid headset display flicker. Some
// headset firmware needs to see DIALING before ALERTING, so the
// transition into ALERTING is sent as two updates.
func (b *Bridge) updatePhoneState(force bool) {
	numActive, numHeld, state, ringAddr, ringType := b.summary()
	if numHeld == 2 {
		return
	}
	if !force &&
		numActive == b.lastActive && numHeld == b.lastHeld &&
		state == b.lastState && ringAddr == b.lastRingAddr && ringType == b.lastRingType {
		return
	}
	if state == WireAlerting && b.lastState != WireAlerting {
		b.tr.PhoneStateChanged(numActive, numHeld, WireDialing, ringAddr, ringType)
	}
	b.tr.PhoneStateChanged(numActive, numHeld, state, ringAddr, ringType)
	b.lastActive, b.lastHeld = numActive, numHeld
	b.lastState = state
	b.lastRingAddr, b.lastRingType = ringAddr, ringType
}
