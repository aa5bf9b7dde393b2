// Package sipcs implements a SIP connection service: it terminates the
// registry's connection commands (dial, answer, hold, DTMF) into SIP
// transactions against an upstream provider, and feeds inbound INVITEs
// back into the registry as ringing calls.
package sipcs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"

	"github.com/flowpbx/telecore/internal/call"
	"github.com/flowpbx/telecore/internal/registry"
)

// Config describes the upstream SIP account this connector fronts.
type Config struct {
	// Name identifies the connector in the registry (call.Service.Name).
	Name string

	// Host and Port locate the upstream provider.
	Host string
	Port int

	// Transport is udp, tcp, or tls.
	Transport string

	// Username is the account identity; AuthUsername overrides it for
	// digest authentication when the provider separates the two.
	Username     string
	AuthUsername string
	Password     string

	// ListenAddr is the local bind address for the inbound SIP listener.
	ListenAddr string

	// MediaIP and MediaPort are advertised in SDP offers and answers.
	MediaIP   string
	MediaPort int

	// RegisterExpiry is the requested registration lifetime in seconds.
	RegisterExpiry int

	// RingTimeout bounds how long an unanswered inbound call rings
	// before it is reported missed.
	RingTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "sip"
	}
	if c.Port == 0 {
		c.Port = 5060
	}
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.RegisterExpiry <= 0 {
		c.RegisterExpiry = 300
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = 60 * time.Second
	}
	return c
}

// Connector is the call.Service implementation for one SIP account. All
// call.Service methods are invoked on the registry's work queue and must
// not block; the SIP transactions they start run on their own goroutines
// and report outcomes back through registry.UpdateCallState.
type Connector struct {
	cfg       Config
	reg       *registry.Registry
	account   *call.Account
	ua        *sipgo.UserAgent
	client    *sipgo.Client
	srv       *sipgo.Server
	registrar *Registrar
	logger    *slog.Logger

	mu      sync.Mutex
	dialogs map[string]*dialog // keyed by registry call ID
}

// New builds the SIP stack for one upstream account. The connector is
// idle until Start is called.
func New(cfg Config, reg *registry.Registry, account *call.Account, logger *slog.Logger) (*Connector, error) {
	cfg = cfg.withDefaults()
	l := logger.With("subsystem", "sipcs", "account", cfg.Name)

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("telecore"),
		sipgo.WithUserAgentHostname(cfg.Host),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(l),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(l),
	)
	if err != nil {
		client.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	c := &Connector{
		cfg:     cfg,
		reg:     reg,
		account: account,
		ua:      ua,
		client:  client,
		srv:     srv,
		logger:  l,
		dialogs: make(map[string]*dialog),
	}
	c.registrar = NewRegistrar(cfg, client, l)

	srv.OnInvite(c.handleInvite)
	srv.OnBye(c.handleBye)
	srv.OnCancel(c.handleCancel)
	srv.OnAck(c.handleAck)
	srv.OnInfo(c.handleInfo)
	return c, nil
}

// Start brings up the inbound listener and the registration loop. It
// returns once the listener goroutines are running.
func (c *Connector) Start(ctx context.Context) {
	if c.cfg.ListenAddr != "" {
		go func() {
			c.logger.Info("sip listener starting", "addr", c.cfg.ListenAddr, "transport", c.cfg.Transport)
			if err := c.srv.ListenAndServe(ctx, c.cfg.Transport, c.cfg.ListenAddr); err != nil {
				c.logger.Error("sip listener stopped", "error", err)
			}
		}()
	}
	if c.cfg.Password != "" {
		c.registrar.Start(ctx)
	}
}

// Close tears down the SIP stack. Calls still owned by this connector
// are reported dead to the registry first.
func (c *Connector) Close() {
	c.reg.ServiceDied(c.cfg.Name)
	c.registrar.Stop()
	c.srv.Close()
	c.client.Close()
	c.ua.Close()
}

// RegistrationState exposes the upstream registration status for the
// API and metrics surfaces.
func (c *Connector) RegistrationState() RegistrationState {
	return c.registrar.State()
}

func (c *Connector) track(id string, d *dialog) {
	c.mu.Lock()
	c.dialogs[id] = d
	c.mu.Unlock()
}

func (c *Connector) lookup(id string) *dialog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialogs[id]
}

func (c *Connector) untrack(id string) {
	c.mu.Lock()
	delete(c.dialogs, id)
	c.mu.Unlock()
}

func (c *Connector) dialogBySIPCallID(sipCallID string) *dialog {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.dialogs {
		if d.sipCallID == sipCallID {
			return d
		}
	}
	return nil
}

// --- call.Service ---

func (c *Connector) Name() string { return c.cfg.Name }

// CreateConnection starts the outbound INVITE leg. The leg goroutine
// reports ringing and final outcomes back through the registry.
func (c *Connector) CreateConnection(ctx context.Context, target *call.Call) error {
	if target.Address == "" {
		return fmt.Errorf("outbound call %s has no address", target.ID)
	}
	d, err := c.newOutboundDialog(target)
	if err != nil {
		return err
	}
	c.track(target.ID, d)
	go c.runOutboundLeg(d)
	return nil
}

// Answer accepts an inbound call by releasing its held INVITE
// transaction with a 200 OK.
func (c *Connector) Answer(target *call.Call, _ int) error {
	d := c.lookup(target.ID)
	if d == nil {
		return fmt.Errorf("no dialog for call %s", target.ID)
	}
	d.decide(decisionAnswer)
	return nil
}

// Reject declines an inbound call. Reject-with-message has no SIP
// equivalent on this leg, so the text is dropped after logging.
func (c *Connector) Reject(target *call.Call, withMessage bool, text string) error {
	d := c.lookup(target.ID)
	if d == nil {
		return fmt.Errorf("no dialog for call %s", target.ID)
	}
	if withMessage {
		c.logger.Info("reject message dropped, not supported over sip", "call_id", target.ID, "text", text)
	}
	d.decide(decisionReject)
	return nil
}

// Disconnect ends the call whatever leg it is on: CANCEL for an
// unanswered outbound INVITE, a reject decision for an unanswered
// inbound one, BYE for an established dialog.
func (c *Connector) Disconnect(target *call.Call) error {
	d := c.lookup(target.ID)
	if d == nil {
		return fmt.Errorf("no dialog for call %s", target.ID)
	}
	if !d.established() {
		if d.inbound() {
			d.decide(decisionReject)
		} else {
			go c.cancelOutboundLeg(d)
		}
		return nil
	}
	go c.sendBye(d)
	return nil
}

// Hold sends a sendonly re-INVITE and reports the held state once the
// far end confirms.
func (c *Connector) Hold(target *call.Call) error {
	d := c.lookup(target.ID)
	if d == nil || !d.established() {
		return fmt.Errorf("no established dialog for call %s", target.ID)
	}
	go c.reinvite(d, directionSendonly, call.StateOnHold)
	return nil
}

// Unhold sends a sendrecv re-INVITE restoring two-way media.
func (c *Connector) Unhold(target *call.Call) error {
	d := c.lookup(target.ID)
	if d == nil || !d.established() {
		return fmt.Errorf("no established dialog for call %s", target.ID)
	}
	go c.reinvite(d, directionSendrecv, call.StateActive)
	return nil
}

// PlayDTMF relays one digit as a SIP INFO dtmf-relay message.
func (c *Connector) PlayDTMF(target *call.Call, digit rune) error {
	d := c.lookup(target.ID)
	if d == nil || !d.established() {
		return fmt.Errorf("no established dialog for call %s", target.ID)
	}
	go c.sendDTMFInfo(d, digit)
	return nil
}

// StopDTMF is a no-op on the wire: dtmf-relay INFO messages carry their
// own duration.
func (c *Connector) StopDTMF(*call.Call) error { return nil }

// Conference is not supported by this connector: a provider trunk has
// no network-hosted mixer, and local mixing is a media-layer concern.
// The registry surfaces the error as a merge failure.
func (c *Connector) Conference(a, b *call.Call) error {
	return fmt.Errorf("conference not supported by %s", c.cfg.Name)
}
