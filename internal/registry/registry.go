// Package registry owns the authoritative set of calls: which calls
// exist, what state they are in, which one is the foreground call, and
// whether a new outgoing call may be admitted. All mutation is
// serialized on a single work queue; every state change fans out to
// registered listeners in a fixed order (mutate, per-call notify,
// recompute derived state, derived-state notify) that listeners rely on.
package registry

import (
	"log/slog"
	"time"

	"github.com/flowpbx/telecore/internal/call"
	"github.com/flowpbx/telecore/internal/serial"
)

// Config holds the registry's timing knobs.
type Config struct {
	// OutgoingBroadcastWindow is how long a new outgoing call may sit in
	// the cancellation window before a cancelled-but-unreclaimed call is
	// disconnected.
	OutgoingBroadcastWindow time.Duration

	// DisconnectedLinger is how long a disconnected call stays visible
	// before it is removed, so consumers can render the final state.
	DisconnectedLinger time.Duration

	// LCHTonePeriod is the period of the supervisory DTMF keep-alive
	// played to a locally-held subscription's call.
	LCHTonePeriod time.Duration

	// LCHToneDigit is the DTMF digit used for the keep-alive.
	LCHToneDigit rune
}

func (c Config) withDefaults() Config {
	if c.OutgoingBroadcastWindow <= 0 {
		c.OutgoingBroadcastWindow = 500 * time.Millisecond
	}
	if c.DisconnectedLinger <= 0 {
		c.DisconnectedLinger = 2 * time.Second
	}
	if c.LCHTonePeriod <= 0 {
		c.LCHTonePeriod = 3 * time.Second
	}
	if c.LCHToneDigit == 0 {
		c.LCHToneDigit = '#'
	}
	return c
}

// accountRecord tracks per-account state that is not part of any call,
// notably the local-call-hold flag. LCH is distinct from a call being in
// StateOnHold: it marks the whole subscription as parked.
type accountRecord struct {
	account *call.Account
	lch     bool
	lchGen  int // invalidates stale keep-alive reschedules
}

// Registry is the call registry. Construct one per process and hand it
// to every component that needs it; there is no ambient singleton.
type Registry struct {
	runner *serial.Runner
	logger *slog.Logger
	cfg    Config
	policy Policy

	// calls holds every non-removed call in insertion order. Foreground
	// selection depends on this order being stable.
	calls      []*call.Call
	foreground *call.Call
	canAdd     bool

	listeners []Listener

	accounts  map[string]*accountRecord
	activeSub int

	// locallyDisconnecting tracks calls commanded to disconnect but not
	// yet confirmed by their connection service.
	locallyDisconnecting map[string]bool

	// pendingOutgoing tracks outgoing calls still inside the
	// new-outgoing-call broadcast window; pendingCancel marks those a
	// broadcast consumer asked to cancel.
	pendingOutgoing map[string]bool
	pendingCancel   map[string]bool
}

// New creates a registry running on the given work queue with the given
// admission/foreground policy.
func New(runner *serial.Runner, policy Policy, cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		runner:               runner,
		logger:               logger.With("subsystem", "registry"),
		cfg:                  cfg.withDefaults(),
		policy:               policy,
		canAdd:               true,
		accounts:             make(map[string]*accountRecord),
		activeSub:            0,
		locallyDisconnecting: make(map[string]bool),
		pendingOutgoing:      make(map[string]bool),
		pendingCancel:        make(map[string]bool),
	}
}

// Runner exposes the work queue so synchronous external surfaces can
// marshal queries onto it.
func (r *Registry) Runner() *serial.Runner { return r.runner }

// AddListener registers a listener. Not safe after the first call is
// added; register everything during wiring.
func (r *Registry) AddListener(l Listener) {
	r.listeners = append(r.listeners, l)
}

// ---- Read surface. These must run on the registry queue: either from a
// listener callback or marshaled via serial.Submit.

// Calls returns the tracked calls in insertion order. The slice is a
// copy; the calls are live references and must be treated as read-only.
func (r *Registry) Calls() []*call.Call {
	out := make([]*call.Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallByID returns the tracked call with the given id, or nil.
func (r *Registry) CallByID(id string) *call.Call {
	for _, c := range r.calls {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// ForegroundCall returns the current foreground call, or nil.
func (r *Registry) ForegroundCall() *call.Call { return r.foreground }

// CanAddCall reports whether a new outgoing call could be admitted.
func (r *Registry) CanAddCall() bool { return r.canAdd }

// RingingCall returns the first ringing top-level call, or nil.
func (r *Registry) RingingCall() *call.Call {
	for _, c := range r.calls {
		if c.TopLevel() && c.State == call.StateRinging {
			return c
		}
	}
	return nil
}

// IsLocallyDisconnecting reports whether the call was commanded to
// disconnect and the connection service has not yet confirmed.
func (r *Registry) IsLocallyDisconnecting(c *call.Call) bool {
	return r.locallyDisconnecting[c.ID]
}

// ActiveSubscription returns the subscription slot currently holding
// conversational focus.
func (r *Registry) ActiveSubscription() int { return r.activeSub }

func (r *Registry) topLevelCalls() []*call.Call {
	var out []*call.Call
	for _, c := range r.calls {
		if c.TopLevel() {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) heldCallCount() int {
	n := 0
	for _, c := range r.calls {
		if c.TopLevel() && c.State == call.StateOnHold {
			n++
		}
	}
	return n
}

func (r *Registry) contains(c *call.Call) bool {
	for _, other := range r.calls {
		if other == c {
			return true
		}
	}
	return false
}

// ---- Mutation core. Everything below runs on the registry queue.

// add inserts the call at the back of the insertion-ordered set and
// fans out OnCallAdded.
func (r *Registry) add(c *call.Call) {
	r.calls = append(r.calls, c)
	r.logger.Info("call added",
		"call_id", c.ID,
		"incoming", c.Incoming,
		"address", c.Address,
		"state", c.State.String(),
	)
	r.notify(func(l Listener) { l.OnCallAdded(c) })
	r.updateDerived()
}

// remove deletes the call from the set, releases its bookkeeping, fans
// out OnCallRemoved and recomputes derived state. If this removal ends a
// single local disconnect and leaves a held foreground call, that call
// is unheld so the user is not left staring at a held call.
func (r *Registry) remove(c *call.Call) {
	idx := -1
	for i, other := range r.calls {
		if other == c {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	wasLocal := r.locallyDisconnecting[c.ID]
	delete(r.locallyDisconnecting, c.ID)
	delete(r.pendingOutgoing, c.ID)
	delete(r.pendingCancel, c.ID)
	r.calls = append(r.calls[:idx], r.calls[idx+1:]...)

	// Detach any children so they resurface as independent calls.
	for _, child := range c.Children {
		if child.Parent == c {
			child.Parent = nil
			r.notify(func(l Listener) { l.OnParentChanged(child, c, nil) })
		}
	}
	c.Children = nil

	r.logger.Info("call removed",
		"call_id", c.ID,
		"state", c.State.String(),
		"cause", c.Cause.String(),
	)
	r.notify(func(l Listener) { l.OnCallRemoved(c) })
	r.updateDerived()

	// Single-disconnect auto-unhold. With multiple simultaneous local
	// disconnects in flight the right behavior is undecided, so only the
	// last one triggers it.
	if wasLocal && len(r.locallyDisconnecting) == 0 {
		if fg := r.foreground; fg != nil && fg.State == call.StateOnHold && fg.Can(call.CapHold) {
			r.logger.Info("unholding new foreground after removal", "call_id", fg.ID)
			r.serviceUnhold(fg)
		}
	}
}

// setState applies a state change. The new state is accepted
// unconditionally: the connection service is authoritative even for
// transitions that look illegal, which are recorded and logged, not
// rejected. Ordering is strict: mutate, per-call listeners, derived
// state, derived-state listeners.
func (r *Registry) setState(c *call.Call, s call.State, cause call.DisconnectCause) {
	old := c.State
	if old == s {
		return
	}

	c.State = s
	switch {
	case s == call.StateActive && c.ConnectTime.IsZero():
		c.ConnectTime = time.Now()
	case s.IsTerminal():
		c.DisconnectTime = time.Now()
		c.Cause = cause
		c.SpeedingUpMTAudio = false
	}

	r.logger.Info("call state changed",
		"call_id", c.ID,
		"old", old.String(),
		"new", s.String(),
		"cause", cause.String(),
	)

	if !r.contains(c) {
		return
	}

	r.notify(func(l Listener) { l.OnCallStateChanged(c, old, s) })
	r.updateDerived()

	if s == call.StateDisconnected {
		// Keep the disconnected call visible briefly, then remove it.
		id := c.ID
		r.runner.PostDelayed("registry.linger-remove", r.cfg.DisconnectedLinger, func() {
			if got := r.CallByID(id); got != nil && got.State == call.StateDisconnected {
				r.remove(got)
			}
		})
	}
}

// updateDerived recomputes foreground selection and admission
// eligibility, notifying derived-state listeners on change.
func (r *Registry) updateDerived() {
	newFg := r.policy.SelectForeground(r, r.foreground)
	if newFg != r.foreground {
		old := r.foreground
		r.foreground = newFg
		oldID, newID := "", ""
		if old != nil {
			oldID = old.ID
		}
		if newFg != nil {
			newID = newFg.ID
		}
		r.logger.Info("foreground call changed", "old", oldID, "new", newID)
		r.notify(func(l Listener) { l.OnForegroundChanged(old, newFg) })
	}

	can := r.policy.CanAddCall(r)
	if can != r.canAdd {
		r.canAdd = can
		r.notify(func(l Listener) { l.OnCanAddCallChanged(can) })
	}
}

// notify invokes fn for every listener in registration order. A panic in
// one listener is contained so delivery continues to the others; a crash
// mid-call is worse than a slightly stale consumer.
func (r *Registry) notify(fn func(Listener)) {
	for _, l := range r.listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("listener panicked", "panic", rec)
				}
			}()
			fn(l)
		}()
	}
}

// ---- Connection-service admin.

// RegisterAccount makes an account known to the registry ahead of any
// calls targeting it.
func (r *Registry) RegisterAccount(a *call.Account) {
	r.runner.Post("registry.register-account", func() {
		r.accounts[a.ID] = &accountRecord{account: a}
		r.logger.Info("account registered", "account", a.ID, "subscription", a.Subscription)
	})
}

// ServiceDied forces every call owned by the named connection service
// into Disconnected(Error) and removes it. This is the registry's only
// unconditional teardown path.
func (r *Registry) ServiceDied(name string) {
	r.runner.Post("registry.service-died", func() {
		r.logger.Error("connection service died", "service", name)
		for _, c := range r.Calls() {
			if c.Service != nil && c.Service.Name() == name {
				r.setState(c, call.StateDisconnected, call.CauseError)
				r.remove(c)
			}
		}
	})
}
