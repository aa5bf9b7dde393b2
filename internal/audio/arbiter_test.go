package audio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/telecore/internal/call"
	"github.com/flowpbx/telecore/internal/registry"
	"github.com/flowpbx/telecore/internal/serial"
)

type fakeRinger struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (r *fakeRinger) Start(c *call.Call) {
	r.mu.Lock()
	r.starts++
	r.mu.Unlock()
}

func (r *fakeRinger) Stop() {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
}

func (r *fakeRinger) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

type fakeTones struct {
	mu     sync.Mutex
	events []string
}

func (t *fakeTones) record(s string) {
	t.mu.Lock()
	t.events = append(t.events, s)
	t.mu.Unlock()
}

func (t *fakeTones) PlayCallWaiting()          { t.record("call_waiting") }
func (t *fakeTones) StopCallWaiting()          { t.record("stop_call_waiting") }
func (t *fakeTones) StartRingback()            { t.record("ringback") }
func (t *fakeTones) StopRingback()             { t.record("stop_ringback") }
func (t *fakeTones) PlayDisconnectTone(n Tone) { t.record("disconnect:" + n.String()) }

func (t *fakeTones) count(s string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.events {
		if e == s {
			n++
		}
	}
	return n
}

type fakeFocus struct {
	mu    sync.Mutex
	modes []FocusMode
}

func (f *fakeFocus) SetMode(m FocusMode) {
	f.mu.Lock()
	f.modes = append(f.modes, m)
	f.mu.Unlock()
}

func (f *fakeFocus) count(m FocusMode) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, got := range f.modes {
		if got == m {
			n++
		}
	}
	return n
}

// stubService drives state transitions back through the registry like a
// real connection service.
type stubService struct {
	reg *registry.Registry
}

func (s *stubService) Name() string { return "stub" }

func (s *stubService) CreateConnection(_ context.Context, c *call.Call) error {
	s.reg.UpdateCallState(c.ID, call.StateDialing, call.CauseUnknown)
	return nil
}

func (s *stubService) Answer(c *call.Call, _ int) error {
	s.reg.UpdateCallState(c.ID, call.StateActive, call.CauseUnknown)
	return nil
}

func (s *stubService) Reject(c *call.Call, _ bool, _ string) error {
	s.reg.UpdateCallState(c.ID, call.StateDisconnected, call.CauseRejected)
	return nil
}

func (s *stubService) Disconnect(c *call.Call) error {
	s.reg.UpdateCallState(c.ID, call.StateDisconnected, call.CauseLocal)
	return nil
}

func (s *stubService) Hold(c *call.Call) error {
	s.reg.UpdateCallState(c.ID, call.StateOnHold, call.CauseUnknown)
	return nil
}

func (s *stubService) Unhold(c *call.Call) error {
	s.reg.UpdateCallState(c.ID, call.StateActive, call.CauseUnknown)
	return nil
}

func (s *stubService) PlayDTMF(c *call.Call, digit rune) error { return nil }
func (s *stubService) StopDTMF(c *call.Call) error             { return nil }
func (s *stubService) Conference(c, other *call.Call) error    { return nil }

type arbiterEnv struct {
	runner  *serial.Runner
	reg     *registry.Registry
	svc     *stubService
	sm      *RouteSM
	hw      *fakeHardware
	ringer  *fakeRinger
	tones   *fakeTones
	focus   *fakeFocus
	arbiter *Arbiter
}

func newArbiterEnv(t *testing.T) *arbiterEnv {
	t.Helper()
	runner := serial.NewRunner(testLogger())
	t.Cleanup(runner.Stop)

	reg := registry.New(runner, registry.SingleSubPolicy{}, registry.Config{
		OutgoingBroadcastWindow: 10 * time.Millisecond,
		DisconnectedLinger:      time.Minute, // keep disconnected calls around for assertions
		LCHTonePeriod:           time.Minute,
	}, testLogger())

	e := &arbiterEnv{
		runner: runner,
		reg:    reg,
		svc:    &stubService{reg: reg},
		hw:     &fakeHardware{},
		ringer: &fakeRinger{},
		tones:  &fakeTones{},
		focus:  &fakeFocus{},
	}
	e.sm = NewRouteSM(runner, e.hw, testLogger())
	e.arbiter = NewArbiter(reg, e.sm, e.ringer, e.tones, e.focus, testLogger())
	return e
}

func (e *arbiterEnv) flush() {
	for i := 0; i < 4; i++ {
		serial.Submit(e.runner, "test.flush", func() bool { return true })
	}
}

func (e *arbiterEnv) account() *call.Account {
	return &call.Account{ID: "sim0", Subscription: 0}
}

func (e *arbiterEnv) activeCall(t *testing.T, address string) *call.Call {
	t.Helper()
	c := e.reg.PlaceOutgoingCall(address, e.account(), e.svc)
	e.flush()
	e.reg.ProceedWithOutgoingCall(context.Background(), c.ID)
	e.flush()
	e.reg.UpdateCallState(c.ID, call.StateActive, call.CauseUnknown)
	e.flush()
	return c
}

func (e *arbiterEnv) ringingCall(caps call.Capability) *call.Call {
	c := call.New(true, "+15550001111")
	c.Account = e.account()
	c.Service = e.svc
	c.Capabilities = caps
	e.reg.AddIncomingCall(c)
	e.flush()
	return c
}

func TestRingerStartsOnceForRingingBucket(t *testing.T) {
	e := newArbiterEnv(t)

	e.ringingCall(0)
	first := e.ringingCall(0)
	_ = first

	starts, _ := e.ringer.counts()
	if starts != 1 {
		t.Fatalf("ringer started %d times for one bucket fill, want 1", starts)
	}
}

func TestRingerStopsWhenRingingBucketEmpties(t *testing.T) {
	e := newArbiterEnv(t)

	c := e.ringingCall(0)
	e.reg.AnswerCall(c.ID, 0)
	e.flush()

	starts, stops := e.ringer.counts()
	if starts != 1 || stops != 1 {
		t.Fatalf("ringer starts/stops = %d/%d, want 1/1", starts, stops)
	}
	if e.focus.count(ModeInCall) == 0 {
		t.Fatal("in-call mode never requested after answer")
	}
}

func TestBucketEdgeTriggerIdempotent(t *testing.T) {
	e := newArbiterEnv(t)

	e.activeCall(t, "100")
	if got := e.focus.count(ModeInCall); got != 1 {
		t.Fatalf("in-call mode requested %d times, want 1", got)
	}

	// A second call entering the already-nonempty bucket must not
	// re-request the mode.
	e.activeCall(t, "200")
	if got := e.focus.count(ModeInCall); got != 1 {
		t.Fatalf("steady-state bucket change re-requested mode (%d times)", got)
	}
}

func TestCallWaitingToneForRingBehindActive(t *testing.T) {
	e := newArbiterEnv(t)

	e.activeCall(t, "100")
	e.ringingCall(0)

	if got := e.tones.count("call_waiting"); got != 1 {
		t.Fatalf("call waiting played %d times, want 1", got)
	}
	if starts, _ := e.ringer.counts(); starts != 0 {
		t.Fatal("ringer must not start while a call is active")
	}
}

func TestRingerTakesOverWhenActiveCallEnds(t *testing.T) {
	e := newArbiterEnv(t)

	a := e.activeCall(t, "100")
	e.ringingCall(0)

	if starts, _ := e.ringer.counts(); starts != 0 {
		t.Fatal("ringer must not start while a call is active")
	}

	e.reg.UpdateCallState(a.ID, call.StateDisconnected, call.CauseRemote)
	e.flush()

	// With nothing active left, the still-ringing call becomes audible
	// through the ringer and the call-waiting tone stops.
	if starts, stops := e.ringer.counts(); starts != 1 || stops != 0 {
		t.Fatalf("ringer starts/stops = %d/%d after active call ended, want 1/0", starts, stops)
	}
	if got := e.tones.count("stop_call_waiting"); got != 1 {
		t.Fatalf("call-waiting tone not stopped (count=%d)", got)
	}
}

func TestDisconnectToneSuppressedForBackgroundCall(t *testing.T) {
	e := newArbiterEnv(t)

	fg := e.activeCall(t, "100")
	bg := e.activeCall(t, "200")
	e.reg.SetCallCapabilities(bg.ID, call.CapHold)
	e.flush()
	e.reg.HoldCall(bg.ID)
	e.flush()
	_ = fg

	// The held background call disconnects remotely. No tone: another
	// call is still in conversation.
	e.reg.UpdateCallState(bg.ID, call.StateDisconnected, call.CauseRemote)
	e.flush()

	if got := e.tones.count("disconnect:call_ended"); got != 0 {
		t.Fatal("disconnect tone played for a background call")
	}
}

func TestDisconnectTonePlayedForForegroundCall(t *testing.T) {
	e := newArbiterEnv(t)

	c := e.activeCall(t, "100")
	e.reg.UpdateCallState(c.ID, call.StateDisconnected, call.CauseRemote)
	e.flush()

	if got := e.tones.count("disconnect:call_ended"); got != 1 {
		t.Fatalf("disconnect tone played %d times, want 1", got)
	}
}

func TestBusyCauseMapsToBusyTone(t *testing.T) {
	e := newArbiterEnv(t)

	c := e.reg.PlaceOutgoingCall("100", e.account(), e.svc)
	e.flush()
	e.reg.ProceedWithOutgoingCall(context.Background(), c.ID)
	e.flush()
	e.reg.UpdateCallState(c.ID, call.StateDisconnected, call.CauseBusy)
	e.flush()

	if got := e.tones.count("disconnect:busy"); got != 1 {
		t.Fatalf("busy tone played %d times, want 1", got)
	}
}

func TestSpeedUpMTAudioReclassifiesEarly(t *testing.T) {
	e := newArbiterEnv(t)

	c := e.ringingCall(call.CapSpeedUpMTAudio)

	// Answer through a service that does NOT confirm, so the call stays
	// in StateRinging.
	silent := &silentService{}
	serial.Submit(e.runner, "test.swap-service", func() bool {
		c.Service = silent
		return true
	})
	e.reg.AnswerCall(c.ID, 0)
	e.flush()

	// The arbiter must already treat it as active-or-dialing.
	if e.focus.count(ModeInCall) == 0 {
		t.Fatal("in-call mode not requested before service confirmation")
	}
	if _, stops := e.ringer.counts(); stops == 0 {
		t.Fatal("ringer still running after early reclassification")
	}
}

func TestRingbackFollowsDialingForegroundCall(t *testing.T) {
	e := newArbiterEnv(t)

	c := e.reg.PlaceOutgoingCall("100", e.account(), e.svc)
	e.flush()
	serial.Submit(e.runner, "test.set-ringback", func() bool {
		c.RingbackRequested = true
		return true
	})
	e.reg.ProceedWithOutgoingCall(context.Background(), c.ID)
	e.flush()

	if got := e.tones.count("ringback"); got != 1 {
		t.Fatalf("ringback started %d times while dialing, want 1", got)
	}

	e.reg.UpdateCallState(c.ID, call.StateActive, call.CauseUnknown)
	e.flush()
	if got := e.tones.count("stop_ringback"); got != 1 {
		t.Fatalf("ringback not stopped on answer (stops=%d)", got)
	}
}

func TestFocusAbandonedWhenLastCallEnds(t *testing.T) {
	e := newArbiterEnv(t)

	c := e.activeCall(t, "100")
	e.reg.UpdateCallState(c.ID, call.StateDisconnected, call.CauseRemote)
	e.flush()

	if e.focus.count(ModeNone) == 0 {
		t.Fatal("audio mode not abandoned after the last call ended")
	}
}

// silentService accepts commands without ever confirming transitions.
type silentService struct{}

func (silentService) Name() string                                       { return "silent" }
func (silentService) CreateConnection(context.Context, *call.Call) error { return nil }
func (silentService) Answer(*call.Call, int) error                       { return nil }
func (silentService) Reject(*call.Call, bool, string) error              { return nil }
func (silentService) Disconnect(*call.Call) error                        { return nil }
func (silentService) Hold(*call.Call) error                              { return nil }
func (silentService) Unhold(*call.Call) error                            { return nil }
func (silentService) PlayDTMF(*call.Call, rune) error                    { return nil }
func (silentService) StopDTMF(*call.Call) error                          { return nil }
func (silentService) Conference(*call.Call, *call.Call) error            { return nil }
