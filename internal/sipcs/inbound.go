package sipcs

import (
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/telecore/internal/call"
)

const (
	decisionCancel decision = iota + 10
)

// handleInvite admits an inbound call into the registry and parks the
// INVITE transaction until the user (or the ring timeout) decides its
// fate. The handler goroutine is the leg goroutine for inbound calls.
func (c *Connector) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	from := req.From()
	if from == nil {
		c.respondError(req, tx, 400, "Bad Request")
		return
	}

	// Stop UAC retransmissions right away.
	if err := tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil)); err != nil {
		c.logger.Error("failed to send 100 trying", "error", err)
		return
	}

	in := call.New(true, from.Address.User)
	in.DisplayName = from.DisplayName
	in.Account = c.account
	in.Service = c

	d := &dialog{
		callID:   in.ID,
		remote:   from.Address.User,
		invite:   req,
		serverTx: tx,
		localTag: sip.GenerateTagN(16),
		decided:  make(chan decision, 1),
	}
	if cid := req.CallID(); cid != nil {
		d.sipCallID = cid.Value()
	}
	c.track(in.ID, d)

	c.logger.Info("inbound call ringing",
		"call_id", in.ID,
		"sip_call_id", d.sipCallID,
		"from", d.remote,
	)

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	c.tagResponse(ringing, d.localTag)
	if err := tx.Respond(ringing); err != nil {
		c.logger.Error("failed to send 180 ringing", "call_id", in.ID, "error", err)
		c.untrack(in.ID)
		return
	}

	c.reg.AddIncomingCall(in)
	c.reg.SetCallCapabilities(in.ID,
		call.CapHold|call.CapSupportHold|call.CapMute|call.CapSpeedUpMTAudio)

	select {
	case dec := <-d.decided:
		switch dec {
		case decisionAnswer:
			ok := sip.NewResponseFromRequest(req, 200, "OK",
				buildSDP(c.cfg.MediaIP, c.cfg.MediaPort, directionSendrecv))
			c.tagResponse(ok, d.localTag)
			ok.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
			if err := tx.Respond(ok); err != nil {
				c.logger.Error("failed to send 200 ok", "call_id", in.ID, "error", err)
				c.finishLeg(d, call.CauseError)
				return
			}
			d.mu.Lock()
			d.response = ok
			d.mu.Unlock()
			c.reg.UpdateCallState(in.ID, call.StateActive, call.CauseUnknown)

		case decisionReject:
			c.respondError(req, tx, 486, "Busy Here")
			c.finishLeg(d, call.CauseRejected)

		case decisionCancel:
			c.respondError(req, tx, 487, "Request Terminated")
			c.finishLeg(d, call.CauseMissed)
		}

	case <-time.After(c.cfg.RingTimeout):
		c.logger.Info("inbound call rang out", "call_id", in.ID)
		c.respondError(req, tx, 480, "Temporarily Unavailable")
		c.finishLeg(d, call.CauseMissed)
	}
}

// handleBye ends an established dialog at the far end's request.
func (c *Connector) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		c.logger.Error("failed to respond to bye", "error", err)
	}

	cid := req.CallID()
	if cid == nil {
		return
	}
	d := c.dialogBySIPCallID(cid.Value())
	if d == nil {
		c.logger.Warn("bye for unknown dialog", "sip_call_id", cid.Value())
		return
	}
	c.logger.Info("remote hangup", "call_id", d.callID)
	c.finishLeg(d, call.CauseRemote)
}

// handleCancel resolves a still-ringing inbound leg as missed.
func (c *Connector) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		c.logger.Error("failed to respond to cancel", "error", err)
	}
	cid := req.CallID()
	if cid == nil {
		return
	}
	if d := c.dialogBySIPCallID(cid.Value()); d != nil {
		d.decide(decisionCancel)
	}
}

func (c *Connector) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	// The 2xx ACK completes the handshake; nothing left to do.
}

// handleInfo acknowledges INFO requests. Inbound DTMF is a media-layer
// concern this connector does not consume.
func (c *Connector) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		c.logger.Error("failed to respond to info", "error", err)
	}
}

func (c *Connector) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		c.logger.Error("failed to send error response",
			"status", code,
			"error", err,
		)
	}
}

// tagResponse stamps our dialog tag onto the To header.
func (c *Connector) tagResponse(res *sip.Response, tag string) {
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", tag)
	}
}
