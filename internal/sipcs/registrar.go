package sipcs

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// RegistrationStatus is the coarse upstream registration state.
type RegistrationStatus string

const (
	StatusUnregistered RegistrationStatus = "unregistered"
	StatusRegistering  RegistrationStatus = "registering"
	StatusRegistered   RegistrationStatus = "registered"
	StatusFailed       RegistrationStatus = "failed"
)

// RegistrationState is a snapshot of the registration lifecycle.
type RegistrationState struct {
	Status       RegistrationStatus
	LastError    string
	RetryAttempt int
	RegisteredAt *time.Time
	ExpiresAt    *time.Time
}

// Registrar maintains the REGISTER binding with the upstream provider:
// initial registration with digest auth, refresh before expiry, and
// exponential backoff with jitter on failure.
type Registrar struct {
	cfg    Config
	client *sipgo.Client
	logger *slog.Logger

	mu     sync.RWMutex
	state  RegistrationState
	cancel context.CancelFunc
}

// NewRegistrar builds a registrar. It is idle until Start.
func NewRegistrar(cfg Config, client *sipgo.Client, logger *slog.Logger) *Registrar {
	return &Registrar{
		cfg:    cfg,
		client: client,
		logger: logger.With("subsystem", "sip-registrar"),
		state:  RegistrationState{Status: StatusUnregistered},
	}
}

// State returns a snapshot of the current registration state.
func (r *Registrar) State() RegistrationState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Start launches the registration loop. The loop uses its own context
// chained to ctx so Stop can end it independently.
func (r *Registrar) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.state.Status = StatusRegistering
	r.mu.Unlock()
	go r.loop(loopCtx)
}

// Stop cancels the loop and sends a best-effort un-register.
func (r *Registrar) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	wasRegistered := r.state.Status == StatusRegistered
	r.state.Status = StatusUnregistered
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	if wasRegistered {
		unregCtx, unregCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer unregCancel()
		if _, err := r.sendRegister(unregCtx, 0); err != nil {
			r.logger.Warn("failed to un-register", "error", err)
		}
	}
}

func (r *Registrar) loop(ctx context.Context) {
	expiry := r.cfg.RegisterExpiry
	r.logger.Info("starting registration",
		"host", r.cfg.Host,
		"port", r.cfg.Port,
		"transport", r.cfg.Transport,
		"expiry", expiry,
	)

	backoff := newBackoff()
	for {
		granted, err := r.sendRegister(ctx, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			retryDelay := backoff.next()
			r.logger.Error("registration failed",
				"error", err,
				"attempt", backoff.attempt,
				"retry_in", retryDelay.String(),
			)
			r.mu.Lock()
			r.state.Status = StatusFailed
			r.state.LastError = err.Error()
			r.state.RetryAttempt = backoff.attempt
			r.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		backoff.reset()
		now := time.Now()
		expiresAt := now.Add(time.Duration(granted) * time.Second)
		r.mu.Lock()
		r.state.Status = StatusRegistered
		r.state.LastError = ""
		r.state.RetryAttempt = 0
		r.state.RegisteredAt = &now
		r.state.ExpiresAt = &expiresAt
		r.mu.Unlock()
		r.logger.Info("registered", "expires_in", granted)

		// Refresh at 80% of the granted lifetime to absorb network delay.
		refresh := time.Duration(float64(granted)*0.8) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
		}
	}
}

// sendRegister sends one REGISTER with digest auth handling and returns
// the server-granted expiry. The registrar may shorten the requested
// expiry (RFC 3261 §10.2.4), so the response is consulted first.
func (r *Registrar) sendRegister(ctx context.Context, expiry int) (int, error) {
	recipientStr := fmt.Sprintf("sip:%s:%d", r.cfg.Host, r.cfg.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(r.cfg.Transport))

	aor := fmt.Sprintf("<sip:%s@%s>", r.cfg.Username, r.cfg.Host)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", r.cfg.Username, r.cfg.Host)))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader, authzHeader := "WWW-Authenticate", "Authorization"
		if res.StatusCode == 407 {
			authHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
		}
		challenge := res.GetHeader(authHeader)
		if challenge == nil {
			return 0, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
		}
		chal, err := digest.ParseChallenge(challenge.Value())
		if err != nil {
			return 0, fmt.Errorf("parsing auth challenge: %w", err)
		}

		authUser := r.cfg.Username
		if r.cfg.AuthUsername != "" {
			authUser = r.cfg.AuthUsername
		}
		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      recipientStr,
			Username: authUser,
			Password: r.cfg.Password,
		})
		if err != nil {
			return 0, fmt.Errorf("computing digest: %w", err)
		}

		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

		tx2, err := r.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed, err := strconv.Atoi(strings.TrimSpace(expiresHdr.Value())); err == nil && parsed > 0 {
			granted = parsed
		}
	}
	return granted, nil
}

// parseContactExpires extracts the expires parameter from a Contact
// header value such as <sip:user@host>;expires=3600. Returns 0 when the
// parameter is absent or malformed.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]
	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}
	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || val < 0 {
		return 0
	}
	return val
}

type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// ±20% jitter keeps re-registration attempts from synchronizing.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
