package registry

import (
	"context"

	"github.com/flowpbx/telecore/internal/call"
)

// Command surface. Every method marshals onto the registry queue;
// callers never mutate call state inline. Commands referencing an
// unknown or stale call id are logged and ignored; a late command from
// a consumer that has not yet seen a removal is expected, not an error.

// PlaceOutgoingCall creates an outgoing call targeting the given account
// (nil to defer account selection) and runs admission control. The call
// record is returned immediately; all state flows through the queue.
// The call sits in the new-outgoing-call broadcast window until
// ProceedWithOutgoingCall or the window expires.
func (r *Registry) PlaceOutgoingCall(address string, account *call.Account, svc call.Service) *call.Call {
	c := call.New(false, address)
	c.Account = account
	c.Service = svc

	r.runner.Post("registry.place-outgoing", func() {
		r.add(c)

		if c.Address == "" {
			r.failOutgoing(c, call.CauseNoPhoneNumberSupplied)
			return
		}

		if account == nil {
			r.setState(c, call.StateSelectAccount, call.CauseUnknown)
		} else {
			r.setState(c, call.StateConnecting, call.CauseUnknown)
		}

		if !r.policy.MakeRoomForOutgoing(r, c) {
			r.logger.Warn("outgoing call rejected by admission control",
				"call_id", c.ID,
				"address", c.Address,
			)
			r.failOutgoing(c, call.CauseCanceled)
			return
		}

		r.pendingOutgoing[c.ID] = true
		id := c.ID
		r.runner.PostDelayed("registry.broadcast-recheck", r.cfg.OutgoingBroadcastWindow, func() {
			r.recheckPendingOutgoing(id)
		})
	})
	return c
}

// SelectAccount resolves a deferred account choice for an outgoing call
// and re-runs admission for the now-known subscription.
func (r *Registry) SelectAccount(id string, account *call.Account) {
	r.runner.Post("registry.select-account", func() {
		c := r.CallByID(id)
		if c == nil || c.State != call.StateSelectAccount {
			r.logger.Warn("select-account for unknown or non-pending call", "call_id", id)
			return
		}
		c.Account = account
		r.setState(c, call.StateConnecting, call.CauseUnknown)
		if !r.policy.MakeRoomForOutgoing(r, c) {
			r.failOutgoing(c, call.CauseCanceled)
		}
	})
}

// ProceedWithOutgoingCall ends the broadcast window and hands the call
// to its connection service.
func (r *Registry) ProceedWithOutgoingCall(ctx context.Context, id string) {
	r.runner.Post("registry.proceed-outgoing", func() {
		c := r.CallByID(id)
		if c == nil || !r.pendingOutgoing[id] {
			r.logger.Warn("proceed for unknown or non-pending call", "call_id", id)
			return
		}
		delete(r.pendingOutgoing, id)
		delete(r.pendingCancel, id)
		if c.Service == nil {
			r.failOutgoing(c, call.CauseError)
			return
		}
		if err := c.Service.CreateConnection(ctx, c); err != nil {
			r.logger.Error("create connection failed", "call_id", id, "error", err)
			r.failOutgoing(c, call.CauseError)
		}
	})
}

// CancelPendingOutgoingCall asks to cancel a call still inside the
// broadcast window. The call is not torn down immediately: the delayed
// re-check disconnects it if nothing reclaims it first.
func (r *Registry) CancelPendingOutgoingCall(id string) {
	r.runner.Post("registry.cancel-pending", func() {
		if !r.pendingOutgoing[id] {
			r.logger.Warn("cancel for call outside broadcast window", "call_id", id)
			return
		}
		r.pendingCancel[id] = true
	})
}

// recheckPendingOutgoing runs after the broadcast window closes and
// disconnects a cancelled call nobody reclaimed.
func (r *Registry) recheckPendingOutgoing(id string) {
	c := r.CallByID(id)
	if c == nil {
		return
	}
	if r.pendingCancel[id] {
		r.logger.Info("pending outgoing call cancelled", "call_id", id)
		r.failOutgoing(c, call.CauseCanceled)
	}
}

// failOutgoing terminates a never-connected outgoing call with the
// given cause and surfaces the failure to listeners. Never retried.
func (r *Registry) failOutgoing(c *call.Call, cause call.DisconnectCause) {
	delete(r.pendingOutgoing, c.ID)
	delete(r.pendingCancel, c.ID)
	r.notify(func(l Listener) { l.OnOutgoingCallFailed(c, cause) })
	r.setState(c, call.StateDisconnected, cause)
	r.remove(c)
}

// AddIncomingCall admits a ringing incoming call reported by a
// connection service.
func (r *Registry) AddIncomingCall(c *call.Call) {
	r.runner.Post("registry.add-incoming", func() {
		r.add(c)
		r.setState(c, call.StateRinging, call.CauseUnknown)
		r.notify(func(l Listener) { l.OnIncomingCall(c) })
	})
}

// UpdateCallState records a state transition reported by the connection
// service, which is authoritative.
func (r *Registry) UpdateCallState(id string, s call.State, cause call.DisconnectCause) {
	r.runner.Post("registry.update-state", func() {
		c := r.CallByID(id)
		if c == nil {
			r.logger.Warn("state update for unknown call", "call_id", id, "state", s.String())
			return
		}
		r.setState(c, s, cause)
	})
}

// SetCallCapabilities replaces a call's capability bitset.
func (r *Registry) SetCallCapabilities(id string, caps call.Capability) {
	r.runner.Post("registry.set-capabilities", func() {
		c := r.CallByID(id)
		if c == nil {
			return
		}
		c.Capabilities = caps
	})
}

// SetCallParent links or unlinks a call to a conference host. Passing an
// empty parentID detaches the call, which resurfaces it to audio
// classification like a fresh add.
func (r *Registry) SetCallParent(id, parentID string) {
	r.runner.Post("registry.set-parent", func() {
		c := r.CallByID(id)
		if c == nil {
			return
		}
		old := c.Parent
		var parent *call.Call
		if parentID != "" {
			parent = r.CallByID(parentID)
			if parent == nil {
				r.logger.Warn("parent call not found", "call_id", id, "parent_id", parentID)
				return
			}
		}
		if old == parent {
			return
		}

		if old != nil {
			for i, ch := range old.Children {
				if ch == c {
					old.Children = append(old.Children[:i], old.Children[i+1:]...)
					break
				}
			}
		}
		c.Parent = parent
		if parent != nil {
			parent.Children = append(parent.Children, c)
		}
		r.notify(func(l Listener) { l.OnParentChanged(c, old, parent) })
		r.updateDerived()
	})
}

// AnswerCall answers a ringing call. If the call declares the speed-up
// capability it is surfaced to audio classification immediately, before
// the connection service confirms the active state.
func (r *Registry) AnswerCall(id string, videoState int) {
	r.runner.Post("registry.answer", func() {
		c := r.CallByID(id)
		if c == nil || c.State != call.StateRinging {
			r.logger.Warn("answer for unknown or non-ringing call", "call_id", id)
			return
		}
		if c.Can(call.CapSpeedUpMTAudio) {
			c.SpeedingUpMTAudio = true
		}
		r.notify(func(l Listener) { l.OnIncomingCallAnswered(c) })
		if err := c.Service.Answer(c, videoState); err != nil {
			r.logger.Error("answer failed", "call_id", id, "error", err)
		}
	})
}

// RejectCall declines a ringing call, optionally with a text reply.
func (r *Registry) RejectCall(id string, withMessage bool, text string) {
	r.runner.Post("registry.reject", func() {
		c := r.CallByID(id)
		if c == nil || c.State != call.StateRinging {
			r.logger.Warn("reject for unknown or non-ringing call", "call_id", id)
			return
		}
		if withMessage && !c.Can(call.CapRespondViaText) {
			r.logger.Warn("reject-with-message without capability", "call_id", id)
			withMessage = false
		}
		if err := c.Service.Reject(c, withMessage, text); err != nil {
			r.logger.Error("reject failed", "call_id", id, "error", err)
		}
	})
}

// DisconnectCall hangs up a call. The call shows Disconnecting until the
// connection service confirms.
func (r *Registry) DisconnectCall(id string) {
	r.runner.Post("registry.disconnect", func() {
		c := r.CallByID(id)
		if c == nil {
			r.logger.Warn("disconnect for unknown call", "call_id", id)
			return
		}
		if c.State.IsTerminal() {
			return
		}
		r.locallyDisconnecting[c.ID] = true
		r.setState(c, call.StateDisconnecting, call.CauseUnknown)
		if err := c.Service.Disconnect(c); err != nil {
			r.logger.Error("disconnect failed", "call_id", id, "error", err)
		}
	})
}

// HoldCall places a call on hold, validated against CapHold.
func (r *Registry) HoldCall(id string) {
	r.runner.Post("registry.hold", func() {
		c := r.CallByID(id)
		if c == nil || !c.Can(call.CapHold) {
			r.logger.Warn("hold for unknown or unholdable call", "call_id", id)
			return
		}
		if err := c.Service.Hold(c); err != nil {
			r.logger.Error("hold failed", "call_id", id, "error", err)
		}
	})
}

// UnholdCall resumes a held call.
func (r *Registry) UnholdCall(id string) {
	r.runner.Post("registry.unhold", func() {
		c := r.CallByID(id)
		if c == nil || c.State != call.StateOnHold {
			r.logger.Warn("unhold for unknown or non-held call", "call_id", id)
			return
		}
		r.serviceUnhold(c)
	})
}

// PlayDTMF starts a DTMF digit on the call.
func (r *Registry) PlayDTMF(id string, digit rune) {
	r.runner.Post("registry.play-dtmf", func() {
		c := r.CallByID(id)
		if c == nil {
			return
		}
		if err := c.Service.PlayDTMF(c, digit); err != nil {
			r.logger.Error("play dtmf failed", "call_id", id, "error", err)
		}
	})
}

// StopDTMF stops any in-progress DTMF digit on the call.
func (r *Registry) StopDTMF(id string) {
	r.runner.Post("registry.stop-dtmf", func() {
		c := r.CallByID(id)
		if c == nil {
			return
		}
		if err := c.Service.StopDTMF(c); err != nil {
			r.logger.Error("stop dtmf failed", "call_id", id, "error", err)
		}
	})
}

// ConferenceCalls merges two calls into a conference, validated against
// CapMergeConference. On failure the calls keep their prior state and
// OnMergeFailed is fanned out so the UI can show feedback.
func (r *Registry) ConferenceCalls(id, otherID string) {
	r.runner.Post("registry.conference", func() {
		c := r.CallByID(id)
		other := r.CallByID(otherID)
		if c == nil || other == nil {
			r.logger.Warn("conference with unknown call", "call_id", id, "other_id", otherID)
			return
		}
		if !c.Can(call.CapMergeConference) {
			r.logger.Warn("conference without merge capability", "call_id", id)
			r.notify(func(l Listener) { l.OnMergeFailed(c) })
			return
		}
		if err := c.Service.Conference(c, other); err != nil {
			r.logger.Error("conference failed", "call_id", id, "error", err)
			r.notify(func(l Listener) { l.OnMergeFailed(c) })
		}
	})
}

// ---- In-queue service helpers shared with admission control.

// holdForAdmission holds an existing live call to free a slot for a new
// outgoing call. Runs on the queue during admission.
func (r *Registry) holdForAdmission(c *call.Call) {
	r.logger.Info("holding live call to admit outgoing", "call_id", c.ID)
	if err := c.Service.Hold(c); err != nil {
		r.logger.Error("admission hold failed", "call_id", c.ID, "error", err)
	}
}

// disconnectForEmergency force-disconnects a live call so an emergency
// call can take its slot.
func (r *Registry) disconnectForEmergency(c *call.Call) {
	r.logger.Warn("disconnecting call for emergency", "call_id", c.ID)
	r.locallyDisconnecting[c.ID] = true
	r.setState(c, call.StateDisconnecting, call.CauseUnknown)
	if c.Service != nil {
		if err := c.Service.Disconnect(c); err != nil {
			r.logger.Error("emergency disconnect failed", "call_id", c.ID, "error", err)
		}
	}
}

func (r *Registry) serviceUnhold(c *call.Call) {
	if err := c.Service.Unhold(c); err != nil {
		r.logger.Error("unhold failed", "call_id", c.ID, "error", err)
	}
}
