package call

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type-of-address values for the headset protocol: 145 for numbers in
// international format, 129 otherwise.
const (
	TOAInternational = 145
	TOAUnknown       = 129
)

// Call is the mutable record of one logical call, incoming or outgoing,
// possibly part of a conference. The registry is the sole writer: every
// other component receives a *Call for reading and routes mutations back
// through registry command methods. All access happens on the registry's
// work queue, so no locking is needed on the struct itself.
type Call struct {
	// ID is the opaque stable identity, immutable for the call's lifetime.
	ID string

	// Incoming is true for mobile-terminated calls.
	Incoming bool

	// Address is the remote party's number (dialed number for outgoing,
	// caller ID for incoming). May be empty before the connection service
	// populates it.
	Address string

	// DisplayName is the remote party's presentation name, if known.
	DisplayName string

	// State is the current lifecycle state.
	State State

	// Cause records why the call disconnected. Meaningless before the
	// call reaches a terminal state.
	Cause DisconnectCause

	// Account is the phone account that owns the call. Nil for an
	// outgoing call that has not yet selected an account.
	Account *Account

	// Capabilities declares which commands are currently valid.
	Capabilities Capability

	// Parent is the conference this call belongs to, or nil. A call with
	// a parent is never counted toward top-level capacity or foreground
	// selection.
	Parent *Call

	// Children are the calls aggregated under this conference, in join
	// order.
	Children []*Call

	// Conference marks a call created purely to host children. A
	// conference with CapNoChildrenVisible is rendered flat.
	Conference bool

	// StartWithSpeaker requests the speaker route when audio focus is
	// first acquired for this call.
	StartWithSpeaker bool

	// VoIPAudioMode selects the communication audio mode instead of the
	// cellular in-call mode.
	VoIPAudioMode bool

	// RingbackRequested asks the arbiter to play locally-generated
	// ringback while the call is dialing.
	RingbackRequested bool

	// Emergency marks an emergency call, which bypasses admission control.
	Emergency bool

	// SpeedingUpMTAudio is set when an answered incoming call has been
	// reclassified into the active bucket before the connection service
	// confirmed the active state.
	SpeedingUpMTAudio bool

	// Service is the connection service that owns the physical connection.
	Service Service

	// CreateTime is when the connection attempt began.
	CreateTime time.Time

	// ConnectTime is when the call became active. Zero if never answered.
	ConnectTime time.Time

	// DisconnectTime is when the call reached a terminal state.
	DisconnectTime time.Time
}

// New creates a call record in StateNew with a fresh identity.
func New(incoming bool, address string) *Call {
	return &Call{
		ID:         uuid.NewString(),
		Incoming:   incoming,
		Address:    address,
		State:      StateNew,
		CreateTime: time.Now(),
	}
}

// Can reports whether every capability in mask is currently declared.
func (c *Call) Can(mask Capability) bool {
	return c.Capabilities.Has(mask)
}

// TopLevel reports whether the call stands on its own (not a conference
// child).
func (c *Call) TopLevel() bool {
	return c.Parent == nil
}

// Multiparty reports whether the call participates in a conference,
// either as the conference host or as a child.
func (c *Call) Multiparty() bool {
	return c.Parent != nil || len(c.Children) > 0
}

// AddressType returns the headset-protocol type-of-address for the
// call's address.
func (c *Call) AddressType() int {
	if strings.HasPrefix(c.Address, "+") {
		return TOAInternational
	}
	return TOAUnknown
}

// Duration returns how long the call has been (or was) connected.
// Returns zero for calls that never became active.
func (c *Call) Duration() time.Duration {
	if c.ConnectTime.IsZero() {
		return 0
	}
	end := c.DisconnectTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(c.ConnectTime)
}

// Subscription returns the subscription slot of the owning account, or
// -1 when no account is selected yet.
func (c *Call) Subscription() int {
	if c.Account == nil {
		return -1
	}
	return c.Account.Subscription
}
