package call

import "context"

// Service is the connection-service side of a call: the component that
// talks to the underlying network (SIP trunk, cellular radio) and owns
// the physical connection. The registry validates commands against the
// call's capabilities and forwards them here; the service reports state
// back by mutating the call through registry command methods, never
// directly.
type Service interface {
	// Name identifies the service in logs and for death handling.
	Name() string

	// CreateConnection asks the service to place the outgoing call. The
	// service drives the call through Connecting/Dialing/Active (or a
	// terminal state) via the registry as the network responds.
	CreateConnection(ctx context.Context, c *Call) error

	// Answer accepts the ringing call. videoState is the requested video
	// mode (0 = audio only).
	Answer(c *Call, videoState int) error

	// Reject declines the ringing call, optionally sending a text reply.
	Reject(c *Call, withMessage bool, text string) error

	// Disconnect hangs up the call.
	Disconnect(c *Call) error

	// Hold places the call on hold.
	Hold(c *Call) error

	// Unhold resumes the held call.
	Unhold(c *Call) error

	// PlayDTMF starts playing a DTMF digit on the call.
	PlayDTMF(c *Call, digit rune) error

	// StopDTMF stops any in-progress DTMF digit.
	StopDTMF(c *Call) error

	// Conference merges the call with another into a conference.
	Conference(c *Call, other *Call) error
}
