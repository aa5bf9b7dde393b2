package registry

import "github.com/flowpbx/telecore/internal/call"

// Local call hold (LCH) is the dual-subscription policy that parks the
// background subscription's call while the user converses on the other
// subscription. It is device-local: the network never sees it as a hold
// request beyond the hold command itself, so a periodic supervisory DTMF
// burst gives the parked party an audible cue. LCH is tracked as a
// distinct bit on the account record, never conflated with a call's
// StateOnHold.

// SetActiveSubscription moves conversational focus to the given
// subscription slot. Any other subscription with a live call is placed
// into LCH; a subscription regaining focus leaves LCH and its call is
// unheld strictly after every other update for the transition.
func (r *Registry) SetActiveSubscription(sub int) {
	r.runner.Post("registry.set-active-sub", func() {
		if r.activeSub == sub {
			return
		}
		r.logger.Info("active subscription changed", "old", r.activeSub, "new", sub)
		r.activeSub = sub

		// Release LCH on the subscription regaining focus first, so at
		// most one account is ever flagged.
		for _, rec := range r.accounts {
			if rec.lch && rec.account.Subscription == sub {
				r.clearLCH(rec)
			}
		}

		// Park the first other subscription that still has a live call.
		for _, c := range r.topLevelCalls() {
			if !c.State.IsAlive() || c.Subscription() == sub || c.Subscription() < 0 {
				continue
			}
			rec := r.accounts[c.Account.ID]
			if rec == nil || rec.lch {
				continue
			}
			r.enterLCH(rec, c)
			break
		}

		r.updateDerived()
	})
}

// lchSubscription returns the subscription slot currently under LCH, or
// -1 when none is flagged.
func (r *Registry) lchSubscription() int {
	for _, rec := range r.accounts {
		if rec.lch {
			return rec.account.Subscription
		}
	}
	return -1
}

// IsAccountLCH reports whether the account is currently LCH-flagged.
// Must run on the registry queue.
func (r *Registry) IsAccountLCH(accountID string) bool {
	rec := r.accounts[accountID]
	return rec != nil && rec.lch
}

// enterLCH holds the subscription's live call, flags the account and
// starts the supervisory keep-alive.
func (r *Registry) enterLCH(rec *accountRecord, c *call.Call) {
	r.logger.Info("entering local call hold",
		"account", rec.account.ID,
		"subscription", rec.account.Subscription,
		"call_id", c.ID,
	)
	rec.lch = true
	rec.lchGen++

	if c.State != call.StateOnHold {
		if err := c.Service.Hold(c); err != nil {
			r.logger.Error("lch hold failed", "call_id", c.ID, "error", err)
		}
	}
	r.scheduleLCHKeepAlive(rec)
}

// clearLCH unflags the account and unholds its held call. The unhold is
// posted to the back of the queue so it lands strictly after all other
// state updates for the focus switch.
func (r *Registry) clearLCH(rec *accountRecord) {
	r.logger.Info("leaving local call hold",
		"account", rec.account.ID,
		"subscription", rec.account.Subscription,
	)
	rec.lch = false
	rec.lchGen++

	accountID := rec.account.ID
	r.runner.Post("registry.lch-unhold", func() {
		for _, c := range r.topLevelCalls() {
			if c.Account != nil && c.Account.ID == accountID && c.State == call.StateOnHold {
				r.serviceUnhold(c)
				return
			}
		}
	})
}

// scheduleLCHKeepAlive arms the next supervisory DTMF burst for a
// flagged account. The generation counter invalidates bursts armed
// before the flag was cleared and re-set.
func (r *Registry) scheduleLCHKeepAlive(rec *accountRecord) {
	gen := rec.lchGen
	r.runner.PostDelayed("registry.lch-keepalive", r.cfg.LCHTonePeriod, func() {
		if !rec.lch || rec.lchGen != gen {
			return
		}
		r.playLCHTone(rec)
		r.scheduleLCHKeepAlive(rec)
	})
}

// playLCHTone plays one supervisory DTMF burst on the parked
// subscription's held call.
func (r *Registry) playLCHTone(rec *accountRecord) {
	for _, c := range r.topLevelCalls() {
		if c.Account == nil || c.Account.ID != rec.account.ID {
			continue
		}
		if c.State != call.StateOnHold {
			continue
		}
		if err := c.Service.PlayDTMF(c, r.cfg.LCHToneDigit); err != nil {
			r.logger.Error("lch keep-alive tone failed", "call_id", c.ID, "error", err)
			return
		}
		if err := c.Service.StopDTMF(c); err != nil {
			r.logger.Error("lch keep-alive stop failed", "call_id", c.ID, "error", err)
		}
		return
	}
}
