package registry

import "github.com/flowpbx/telecore/internal/call"

// Policy bundles the admission-control and foreground-selection rules
// that differ between single-subscription and dual-subscription (DSDA)
// operation. One implementation is selected at startup; the registry
// never branches on subscription mode itself.
type Policy interface {
	// SelectForeground returns the call that should hold UI focus given
	// the current call set, or nil if none qualifies. prev is the
	// current foreground call, which the policy may elect to keep.
	SelectForeground(r *Registry, prev *call.Call) *call.Call

	// CanAddCall reports whether a new outgoing call could currently be
	// admitted.
	CanAddCall(r *Registry) bool

	// MakeRoomForOutgoing enforces capacity for the already-tracked
	// outgoing call c, holding or disconnecting existing calls as the
	// rules allow. Returns false if no room could be made, in which
	// case the registry disconnects c with CauseCanceled.
	MakeRoomForOutgoing(r *Registry, c *call.Call) bool
}

// Per-mode capacity: at most one live (connecting/dialing/active) and
// one held top-level call per subscription.
const (
	maxLiveCalls = 1
	maxHeldCalls = 1
)

// SingleSubPolicy implements the default capacity rules for a device
// with one active subscription.
type SingleSubPolicy struct{}

// SelectForeground scans top-level calls in insertion order. An active
// call wins immediately. Otherwise the last alive-not-held or ringing
// call wins. A lone held call is promoted so "one call, currently held"
// still has a visible foreground, and if the scan yields nothing while a
// held call exists the previous foreground is kept, since flipping to nil
// mid-swap would trigger a spurious audio-focus abandonment.
func (SingleSubPolicy) SelectForeground(r *Registry, prev *call.Call) *call.Call {
	top := r.topLevelCalls()

	var fg *call.Call
	for _, c := range top {
		if c.State == call.StateActive {
			return c
		}
		if (c.State.IsAlive() && c.State != call.StateOnHold) || c.State == call.StateRinging {
			fg = c
		}
	}
	if fg == nil {
		if len(top) == 1 && top[0].State == call.StateOnHold {
			return top[0]
		}
		if r.heldCallCount() > 0 {
			return prev
		}
	}
	return fg
}

// CanAddCall permits a new outgoing call while fewer than two alive
// top-level calls exist and no call is still negotiating its connection.
func (SingleSubPolicy) CanAddCall(r *Registry) bool {
	alive := 0
	for _, c := range r.topLevelCalls() {
		switch c.State {
		case call.StateConnecting, call.StateSelectAccount:
			return false
		}
		if c.State.IsAlive() {
			alive++
		}
	}
	return alive < maxLiveCalls+maxHeldCalls
}

// MakeRoomForOutgoing enforces the 1-live/1-held quota. A second
// outgoing call is admitted only if it targets the same account as the
// live call (the connection service arbitrates) or the live call can be
// holded into a free held slot. Emergency calls may force-disconnect a
// live non-emergency call.
func (SingleSubPolicy) MakeRoomForOutgoing(r *Registry, c *call.Call) bool {
	return makeRoomAmong(r, c, r.topLevelCalls())
}

// makeRoomAmong applies the shared per-quota admission rules over the
// given candidate set (all top-level calls for single-sub, one
// subscription's calls for dual-sub).
func makeRoomAmong(r *Registry, c *call.Call, candidates []*call.Call) bool {
	var live, held []*call.Call
	for _, other := range candidates {
		if other == c {
			continue
		}
		if other.State.IsLive() {
			live = append(live, other)
		}
		if other.State == call.StateOnHold {
			held = append(held, other)
		}
	}

	if c.Emergency {
		// An emergency call takes a slot by force if it has to.
		for len(live) >= maxLiveCalls {
			victim := live[0]
			live = live[1:]
			if victim.Emergency {
				continue
			}
			r.disconnectForEmergency(victim)
		}
		return true
	}

	if len(live) == 0 {
		return true
	}
	if len(live) > maxLiveCalls {
		return false
	}

	existing := live[0]
	if existing.Account.SameAs(c.Account) {
		// Same account: the connection service decides whether it can
		// carry both.
		return true
	}
	if len(held) >= maxHeldCalls {
		return false
	}
	if existing.Can(call.CapHold) {
		r.holdForAdmission(existing)
		return true
	}
	return false
}

// DualSubPolicy implements DSDA capacity rules: the live/held quotas
// apply per subscription, and foreground selection skips the
// subscription currently under local call hold.
type DualSubPolicy struct{}

// SelectForeground runs the single-subscription scan but skips calls on
// the LCH-flagged subscription entirely. If the scan yields nothing it
// falls back to any ringing call, then any active call, system-wide.
func (DualSubPolicy) SelectForeground(r *Registry, prev *call.Call) *call.Call {
	top := r.topLevelCalls()
	lchSub := r.lchSubscription()

	var fg *call.Call
	for _, c := range top {
		if lchSub >= 0 && c.Subscription() == lchSub {
			continue
		}
		if c.State == call.StateActive {
			return c
		}
		if (c.State.IsAlive() && c.State != call.StateOnHold) || c.State == call.StateRinging {
			fg = c
		}
	}
	if fg != nil {
		return fg
	}

	for _, c := range top {
		if c.State == call.StateRinging {
			return c
		}
	}
	for _, c := range top {
		if c.State == call.StateActive {
			return c
		}
	}

	if len(top) == 1 && top[0].State == call.StateOnHold {
		return top[0]
	}
	if r.heldCallCount() > 0 {
		return prev
	}
	return nil
}

// CanAddCall permits a new outgoing call if any subscription still has
// capacity.
func (DualSubPolicy) CanAddCall(r *Registry) bool {
	alive := make(map[int]int)
	for _, c := range r.topLevelCalls() {
		switch c.State {
		case call.StateConnecting, call.StateSelectAccount:
			return false
		}
		if c.State.IsAlive() {
			alive[c.Subscription()]++
		}
	}
	for sub := 0; sub < 2; sub++ {
		if alive[sub] < maxLiveCalls+maxHeldCalls {
			return true
		}
	}
	return false
}

// MakeRoomForOutgoing applies the per-subscription quota. A call that
// has not selected an account yet is admitted speculatively; admission
// is re-checked once the account is chosen.
func (DualSubPolicy) MakeRoomForOutgoing(r *Registry, c *call.Call) bool {
	if c.Account == nil {
		return true
	}

	var sameSub []*call.Call
	for _, other := range r.topLevelCalls() {
		if other.Subscription() == c.Subscription() {
			sameSub = append(sameSub, other)
		}
	}
	return makeRoomAmong(r, c, sameSub)
}
