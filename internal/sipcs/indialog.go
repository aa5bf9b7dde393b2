package sipcs

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/telecore/internal/call"
)

// inDialogTimeout bounds BYE, re-INVITE, and INFO round trips.
const inDialogTimeout = 10 * time.Second

// buildInDialogRequest constructs a request inside an established
// dialog: From carries our tag, To the remote tag, and the CSeq
// continues our local sequence.
func (d *dialog) buildInDialogRequest(method sip.RequestMethod) (*sip.Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.response == nil {
		return nil, fmt.Errorf("dialog for call %s not established", d.callID)
	}

	var (
		from   *sip.FromHeader
		to     *sip.ToHeader
		target *sip.Uri
	)
	if d.serverTx != nil {
		// Inbound leg: we are the To of the original INVITE. Our tag was
		// stamped on the 200, the remote tag lives on the INVITE's From.
		remoteFrom := d.invite.From()
		localTo := d.response.To()
		from = &sip.FromHeader{
			DisplayName: localTo.DisplayName,
			Address:     *localTo.Address.Clone(),
			Params:      tagParams(localTo.Params),
		}
		to = &sip.ToHeader{
			DisplayName: remoteFrom.DisplayName,
			Address:     *remoteFrom.Address.Clone(),
			Params:      tagParams(remoteFrom.Params),
		}
		target = &d.invite.Recipient
		if contact := d.invite.Contact(); contact != nil {
			target = &contact.Address
		}
	} else {
		// Outbound leg: headers mirror the original INVITE and its 2xx.
		localFrom := d.invite.From()
		remoteTo := d.response.To()
		from = &sip.FromHeader{
			DisplayName: localFrom.DisplayName,
			Address:     *localFrom.Address.Clone(),
			Params:      tagParams(localFrom.Params),
		}
		to = &sip.ToHeader{
			DisplayName: remoteTo.DisplayName,
			Address:     *remoteTo.Address.Clone(),
			Params:      tagParams(remoteTo.Params),
		}
		target = &d.invite.Recipient
		if contact := d.response.Contact(); contact != nil {
			target = &contact.Address
		}
	}

	req := sip.NewRequest(method, *target.Clone())
	req.SetTransport(d.invite.Transport())
	req.AppendHeader(from)
	req.AppendHeader(to)

	callID := sip.CallIDHeader(d.sipCallID)
	req.AppendHeader(&callID)

	cseq := &sip.CSeqHeader{SeqNo: d.nextCSeq(), MethodName: method}
	req.AppendHeader(cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	return req, nil
}

// tagParams carries only the dialog tag over into a fresh parameter
// set; other display parameters from the original headers are not part
// of dialog identity.
func tagParams(src sip.HeaderParams) sip.HeaderParams {
	params := sip.NewParams()
	if src != nil {
		if tag, ok := src.Get("tag"); ok {
			params.Add("tag", tag)
		}
	}
	return params
}

// sendInDialog sends a request within the dialog and waits for its
// final response.
func (c *Connector) sendInDialog(d *dialog, req *sip.Request) (*sip.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), inDialogTimeout)
	defer cancel()

	tx, err := c.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			return nil, err
		}
		if res.StatusCode >= 200 {
			return res, nil
		}
	}
}

// sendBye ends an established call from our side.
func (c *Connector) sendBye(d *dialog) {
	req, err := d.buildInDialogRequest(sip.BYE)
	if err != nil {
		c.logger.Warn("bye skipped", "call_id", d.callID, "error", err)
		c.finishLeg(d, call.CauseLocal)
		return
	}
	if _, err := c.sendInDialog(d, req); err != nil {
		c.logger.Warn("bye failed, tearing down anyway", "call_id", d.callID, "error", err)
	}
	c.finishLeg(d, call.CauseLocal)
}

// reinvite renegotiates the media direction (sendonly for hold,
// sendrecv for resume) and reports the resulting call state.
func (c *Connector) reinvite(d *dialog, direction string, confirmed call.State) {
	req, err := d.buildInDialogRequest(sip.INVITE)
	if err != nil {
		c.logger.Warn("reinvite skipped", "call_id", d.callID, "error", err)
		return
	}
	req.SetBody(buildSDP(c.cfg.MediaIP, c.cfg.MediaPort, direction))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	res, err := c.sendInDialog(d, req)
	if err != nil {
		c.logger.Warn("reinvite failed", "call_id", d.callID, "direction", direction, "error", err)
		return
	}
	if res.StatusCode != 200 {
		c.logger.Warn("reinvite rejected",
			"call_id", d.callID,
			"direction", direction,
			"status", res.StatusCode,
		)
		return
	}
	if err := c.client.WriteRequest(buildACKFor2xx(req, res)); err != nil {
		c.logger.Warn("failed to ack reinvite", "call_id", d.callID, "error", err)
	}
	c.reg.UpdateCallState(d.callID, confirmed, call.CauseUnknown)
}

// sendDTMFInfo relays one digit via SIP INFO using dtmf-relay framing.
func (c *Connector) sendDTMFInfo(d *dialog, digit rune) {
	req, err := d.buildInDialogRequest(sip.INFO)
	if err != nil {
		c.logger.Warn("dtmf info skipped", "call_id", d.callID, "error", err)
		return
	}
	req.SetBody(dtmfRelayBody(digit))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))

	if res, err := c.sendInDialog(d, req); err != nil {
		c.logger.Warn("dtmf info failed", "call_id", d.callID, "error", err)
	} else if res.StatusCode != 200 {
		c.logger.Warn("dtmf info rejected", "call_id", d.callID, "status", res.StatusCode)
	}
}
