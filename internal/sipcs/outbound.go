package sipcs

import (
	"context"
	"fmt"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/flowpbx/telecore/internal/call"
)

// newOutboundDialog builds the INVITE for an outbound call. The request
// is not sent until runOutboundLeg.
func (c *Connector) newOutboundDialog(target *call.Call) (*dialog, error) {
	recipientStr := fmt.Sprintf("sip:%s@%s:%d", target.Address, c.cfg.Host, c.cfg.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return nil, fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(c.cfg.Transport))
	req.SetBody(buildSDP(c.cfg.MediaIP, c.cfg.MediaPort, directionSendrecv))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	d := &dialog{
		callID:  target.ID,
		remote:  target.Address,
		invite:  req,
		decided: make(chan decision, 1),
	}
	return d, nil
}

// runOutboundLeg sends the INVITE and drives the call through the
// registry as responses arrive. It owns the leg until a final response
// or cancellation.
func (c *Connector) runOutboundLeg(d *dialog) {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancelLeg = cancel
	defer cancel()

	tx, err := c.client.TransactionRequest(ctx, d.invite, sipgo.ClientRequestBuild)
	if err != nil {
		c.logger.Error("outbound invite failed to send", "call_id", d.callID, "error", err)
		c.untrack(d.callID)
		c.reg.UpdateCallState(d.callID, call.StateDisconnected, call.CauseError)
		return
	}
	d.mu.Lock()
	d.tx = tx
	if cid := d.invite.CallID(); cid != nil {
		d.sipCallID = cid.Value()
	}
	d.mu.Unlock()
	defer tx.Terminate()

	// The INVITE is on the wire: the call is now dialing.
	c.reg.UpdateCallState(d.callID, call.StateDialing, call.CauseUnknown)

	authRetried := false
	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("outbound leg transaction failed", "call_id", d.callID, "error", err)
			c.finishLeg(d, call.CauseError)
			return
		}

		switch {
		case res.StatusCode < 200:
			// 180/183: keep dialing, nothing to report separately.
			continue

		case res.StatusCode == 200:
			ack := buildACKFor2xx(d.invite, res)
			if err := c.client.WriteRequest(ack); err != nil {
				c.logger.Error("failed to ack 200", "call_id", d.callID, "error", err)
				c.finishLeg(d, call.CauseError)
				return
			}
			d.mu.Lock()
			d.response = res
			d.mu.Unlock()
			c.reg.UpdateCallState(d.callID, call.StateActive, call.CauseUnknown)
			return

		case (res.StatusCode == 401 || res.StatusCode == 407) && !authRetried:
			authRetried = true
			authTx, err := c.resendWithAuth(ctx, d.invite, res)
			if err != nil {
				c.logger.Error("digest auth on invite failed", "call_id", d.callID, "error", err)
				c.finishLeg(d, call.CauseError)
				return
			}
			tx.Terminate()
			tx = authTx
			d.mu.Lock()
			d.tx = tx
			d.mu.Unlock()
			continue

		default:
			c.logger.Info("outbound call ended by final response",
				"call_id", d.callID,
				"status", res.StatusCode,
				"reason", res.Reason,
			)
			c.finishLeg(d, causeForStatus(res.StatusCode))
			return
		}
	}
}

func (c *Connector) finishLeg(d *dialog, cause call.DisconnectCause) {
	if !d.markEnded() {
		return
	}
	c.untrack(d.callID)
	c.reg.UpdateCallState(d.callID, call.StateDisconnected, cause)
}

// resendWithAuth answers a 401/407 challenge on the original request.
func (c *Connector) resendWithAuth(ctx context.Context, req *sip.Request, res *sip.Response) (sip.ClientTransaction, error) {
	authHeader, authzHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		authHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	challenge := res.GetHeader(authHeader)
	if challenge == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	authUser := c.cfg.Username
	if c.cfg.AuthUsername != "" {
		authUser = c.cfg.AuthUsername
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: authUser,
		Password: c.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.RemoveHeader(authzHeader)
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	return c.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
}

// cancelOutboundLeg abandons an unanswered INVITE with a CANCEL. The
// far end's 487 then finishes the leg with the canceled cause.
func (c *Connector) cancelOutboundLeg(d *dialog) {
	d.mu.Lock()
	req := d.invite
	d.mu.Unlock()

	cancelReq := sip.NewRequest(sip.CANCEL, req.Recipient)
	cancelReq.SetTransport(req.Transport())
	if cid := req.CallID(); cid != nil {
		cancelReq.AppendHeader(sip.NewHeader("Call-ID", cid.Value()))
	}

	tx, err := c.client.TransactionRequest(context.Background(), cancelReq, sipgo.ClientRequestBuild)
	if err != nil {
		c.logger.Warn("failed to cancel outbound leg", "call_id", d.callID, "error", err)
		// Make sure the registry still sees the call die.
		c.finishLeg(d, call.CauseCanceled)
		return
	}
	tx.Terminate()
}

// buildACKFor2xx creates the ACK for a 2xx INVITE response. Per RFC
// 3261 the UAC core generates this ACK, not the transaction layer. The
// Request-URI comes from the response Contact when present.
func buildACKFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion
	ack.SetTransport(inviteReq.Transport())

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To comes from the response so the remote tag is included.
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	return ack
}

// getResponse waits for the next response on a client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}
