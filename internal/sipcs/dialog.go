package sipcs

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/flowpbx/telecore/internal/call"
)

type decision int

const (
	decisionAnswer decision = iota
	decisionReject
)

// dialog tracks the SIP state for one call leg. The connector methods
// touch it from the work queue and from leg goroutines, so the mutable
// parts are guarded.
type dialog struct {
	callID    string // registry call ID
	sipCallID string
	remote    string // remote party address (user part)

	mu       sync.Mutex
	invite   *sip.Request  // the INVITE that opened the leg
	response *sip.Response // final 2xx, nil until established
	tx       sip.ClientTransaction
	serverTx sip.ServerTransaction
	localTag string
	ended    bool

	decided   chan decision // inbound legs only, buffered
	localSeq  atomic.Uint32
	cancelLeg func()
}

func (d *dialog) inbound() bool { return d.serverTx != nil }

func (d *dialog) established() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.response != nil
}

func (d *dialog) markEnded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ended {
		return false
	}
	d.ended = true
	return true
}

// decide resolves an inbound leg exactly once; later decisions are
// dropped.
func (d *dialog) decide(dec decision) {
	select {
	case d.decided <- dec:
	default:
	}
}

// nextCSeq returns the next in-dialog sequence number for requests we
// originate.
func (d *dialog) nextCSeq() uint32 {
	return d.localSeq.Add(1)
}

// Media direction attributes for SDP bodies.
const (
	directionSendrecv = "sendrecv"
	directionSendonly = "sendonly"
)

// buildSDP produces a minimal audio-only session description. The media
// plane is terminated elsewhere; this body only needs to carry a valid
// transport address and direction.
func buildSDP(mediaIP string, mediaPort int, direction string) []byte {
	if mediaIP == "" {
		mediaIP = "0.0.0.0"
	}
	if mediaPort == 0 {
		mediaPort = 4000
	}
	sessID := uuid.New().ID()
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=telecore %d %d IN IP4 %s\r\n", sessID, sessID, mediaIP)
	fmt.Fprintf(&b, "s=call\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", mediaIP)
	fmt.Fprintf(&b, "t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio %d RTP/AVP 0 8 101\r\n", mediaPort)
	fmt.Fprintf(&b, "a=rtpmap:0 PCMU/8000\r\n")
	fmt.Fprintf(&b, "a=rtpmap:8 PCMA/8000\r\n")
	fmt.Fprintf(&b, "a=rtpmap:101 telephone-event/8000\r\n")
	fmt.Fprintf(&b, "a=%s\r\n", direction)
	return []byte(b.String())
}

// dtmfRelayBody formats one digit as an application/dtmf-relay INFO
// payload.
func dtmfRelayBody(digit rune) []byte {
	return []byte(fmt.Sprintf("Signal=%c\r\nDuration=250\r\n", digit))
}

// causeForStatus maps a SIP final response code onto the registry's
// disconnect cause taxonomy.
func causeForStatus(code int) call.DisconnectCause {
	switch code {
	case 486, 600:
		return call.CauseBusy
	case 603:
		return call.CauseRejected
	case 404, 410, 484, 604:
		return call.CauseUnobtainableNumber
	case 416, 502:
		return call.CauseInvalidNumber
	case 487:
		return call.CauseCanceled
	case 503:
		return call.CauseCongestion
	default:
		return call.CauseError
	}
}
