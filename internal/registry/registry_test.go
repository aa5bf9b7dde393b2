package registry

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/telecore/internal/call"
	"github.com/flowpbx/telecore/internal/serial"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() Config {
	return Config{
		OutgoingBroadcastWindow: 20 * time.Millisecond,
		DisconnectedLinger:      30 * time.Millisecond,
		LCHTonePeriod:           25 * time.Millisecond,
		LCHToneDigit:            '#',
	}
}

// fakeService records every command and, when autoConfirm is set,
// reports the resulting state transition back through the registry the
// way a real connection service would.
type fakeService struct {
	mu          sync.Mutex
	name        string
	reg         *Registry
	autoConfirm bool
	commands    []string
}

func (f *fakeService) record(cmd string, c *call.Call) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd+":"+c.Address)
	f.mu.Unlock()
}

func (f *fakeService) has(cmd string, c *call.Call) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, got := range f.commands {
		if got == cmd+":"+c.Address {
			return true
		}
	}
	return false
}

func (f *fakeService) count(cmd string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, got := range f.commands {
		if strings.HasPrefix(got, cmd+":") {
			n++
		}
	}
	return n
}

func (f *fakeService) countFor(cmd string, c *call.Call) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, got := range f.commands {
		if got == cmd+":"+c.Address {
			n++
		}
	}
	return n
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) CreateConnection(_ context.Context, c *call.Call) error {
	f.record("create", c)
	if f.autoConfirm {
		f.reg.UpdateCallState(c.ID, call.StateDialing, call.CauseUnknown)
	}
	return nil
}

func (f *fakeService) Answer(c *call.Call, _ int) error {
	f.record("answer", c)
	if f.autoConfirm {
		f.reg.UpdateCallState(c.ID, call.StateActive, call.CauseUnknown)
	}
	return nil
}

func (f *fakeService) Reject(c *call.Call, _ bool, _ string) error {
	f.record("reject", c)
	if f.autoConfirm {
		f.reg.UpdateCallState(c.ID, call.StateDisconnected, call.CauseRejected)
	}
	return nil
}

func (f *fakeService) Disconnect(c *call.Call) error {
	f.record("disconnect", c)
	if f.autoConfirm {
		f.reg.UpdateCallState(c.ID, call.StateDisconnected, call.CauseLocal)
	}
	return nil
}

func (f *fakeService) Hold(c *call.Call) error {
	f.record("hold", c)
	if f.autoConfirm {
		f.reg.UpdateCallState(c.ID, call.StateOnHold, call.CauseUnknown)
	}
	return nil
}

func (f *fakeService) Unhold(c *call.Call) error {
	f.record("unhold", c)
	if f.autoConfirm {
		f.reg.UpdateCallState(c.ID, call.StateActive, call.CauseUnknown)
	}
	return nil
}

func (f *fakeService) PlayDTMF(c *call.Call, digit rune) error {
	f.record("dtmf-"+string(digit), c)
	return nil
}

func (f *fakeService) StopDTMF(c *call.Call) error {
	f.record("dtmf-stop", c)
	return nil
}

func (f *fakeService) Conference(c *call.Call, other *call.Call) error {
	f.record("conference", c)
	return nil
}

type testEnv struct {
	runner *serial.Runner
	reg    *Registry
	svc    *fakeService
}

func newTestEnv(t *testing.T, policy Policy) *testEnv {
	t.Helper()
	runner := serial.NewRunner(testLogger())
	t.Cleanup(runner.Stop)

	reg := New(runner, policy, testConfig(), testLogger())
	svc := &fakeService{name: "fake", reg: reg, autoConfirm: true}
	return &testEnv{runner: runner, reg: reg, svc: svc}
}

// flush waits until every message queued so far has been processed.
// Auto-confirmed transitions post follow-up messages, so flush twice
// when a command round-trips through the fake service.
func (e *testEnv) flush() {
	for i := 0; i < 3; i++ {
		serial.Submit(e.runner, "test.flush", func() bool { return true })
	}
}

// addActiveCall places an outgoing call and drives it to active.
func (e *testEnv) addActiveCall(t *testing.T, address string, account *call.Account) *call.Call {
	t.Helper()
	c := e.reg.PlaceOutgoingCall(address, account, e.svc)
	e.flush()
	e.reg.ProceedWithOutgoingCall(context.Background(), c.ID)
	e.flush()
	e.reg.UpdateCallState(c.ID, call.StateActive, call.CauseUnknown)
	e.flush()
	return c
}

func (e *testEnv) foreground() *call.Call {
	return serial.Submit(e.runner, "test.fg", func() *call.Call {
		return e.reg.ForegroundCall()
	})
}

func (e *testEnv) state(c *call.Call) call.State {
	return serial.Submit(e.runner, "test.state", func() call.State { return c.State })
}

func acct(id string, sub int) *call.Account {
	return &call.Account{ID: id, Subscription: sub, Label: id}
}

func TestOutgoingCallRoundTrip(t *testing.T) {
	e := newTestEnv(t, SingleSubPolicy{})

	c := e.reg.PlaceOutgoingCall("+15551234567", acct("sim0", 0), e.svc)
	e.flush()

	if got := e.state(c); got != call.StateConnecting {
		t.Fatalf("state after placement = %v, want connecting", got)
	}

	e.reg.ProceedWithOutgoingCall(context.Background(), c.ID)
	e.flush()
	if got := e.state(c); got != call.StateDialing {
		t.Fatalf("state after proceed = %v, want dialing", got)
	}
	if fg := e.foreground(); fg != c {
		t.Fatalf("foreground at dialing = %v, want the outgoing call", fg)
	}

	e.reg.UpdateCallState(c.ID, call.StateActive, call.CauseUnknown)
	e.flush()
	if got := e.state(c); got != call.StateActive {
		t.Fatalf("state = %v, want active", got)
	}
	if fg := e.foreground(); fg != c {
		t.Fatal("active call must be foreground")
	}
}

func TestForegroundActiveWinsOverRinging(t *testing.T) {
	e := newTestEnv(t, SingleSubPolicy{})

	active := e.addActiveCall(t, "100", acct("sim0", 0))

	ringing := call.New(true, "200")
	ringing.Account = acct("sim0", 0)
	ringing.Service = e.svc
	e.reg.AddIncomingCall(ringing)
	e.flush()

	if fg := e.foreground(); fg != active {
		t.Fatalf("foreground = %v, want the active call", fg)
	}
}

func TestForegroundLoneHeldCallPromoted(t *testing.T) {
	e := newTestEnv(t, SingleSubPolicy{})

	c := e.addActiveCall(t, "100", acct("sim0", 0))
	e.reg.SetCallCapabilities(c.ID, call.CapHold)
	e.flush()
	e.reg.HoldCall(c.ID)
	e.flush()

	if got := e.state(c); got != call.StateOnHold {
		t.Fatalf("state = %v, want on_hold", got)
	}
	if fg := e.foreground(); fg != c {
		t.Fatal("a lone held call must still be foreground")
	}
}

func TestAdmissionRejectsSecondCallWithoutHold(t *testing.T) {
	e := newTestEnv(t, SingleSubPolicy{})

	// First call cannot be held.
	first := e.addActiveCall(t, "100", acct("sim0", 0))
	if got := e.state(first); got != call.StateActive {
		t.Fatalf("first call state = %v", got)
	}

	second := e.reg.PlaceOutgoingCall("200", acct("sim1", 0), e.svc)
	e.flush()

	if got := e.state(second); got != call.StateDisconnected {
		t.Fatalf("second call state = %v, want disconnected", got)
	}
	if second.Cause != call.CauseCanceled {
		t.Fatalf("second call cause = %v, want canceled", second.Cause)
	}
	// The live call is untouched.
	if got := e.state(first); got != call.StateActive {
		t.Fatalf("first call state = %v, want active", got)
	}
}

func TestAdmissionHoldsLiveCallWhenHoldable(t *testing.T) {
	e := newTestEnv(t, SingleSubPolicy{})

	first := e.addActiveCall(t, "100", acct("sim0", 0))
	e.reg.SetCallCapabilities(first.ID, call.CapHold)
	e.flush()

	second := e.reg.PlaceOutgoingCall("200", acct("sim1", 0), e.svc)
	e.flush()
	e.flush()

	if got := e.state(first); got != call.StateOnHold {
		t.Fatalf("first call state = %v, want on_hold", got)
	}
	if got := e.state(second); got != call.StateConnecting {
		t.Fatalf("second call state = %v, want connecting", got)
	}
}

func TestAdmissionSameAccountDeferred(t *testing.T) {
	e := newTestEnv(t, SingleSubPolicy{})

	a := acct("sim0", 0)
	first := e.addActiveCall(t, "100", a)

	second := e.reg.PlaceOutgoingCall("200", a, e.svc)
	e.flush()

	// Same account: admitted without holding; the connection service
	// arbitrates.
	if got := e.state(second); got != call.StateConnecting {
		t.Fatalf("second call state = %v, want connecting", got)
	}
	if e.svc.has("hold", first) {
		t.Fatal("same-account admission must not hold the live call")
	}
}

func TestEmergencyCallForcesRoom(t *testing.T) {
	e := newTestEnv(t, SingleSubPolicy{})

	first := e.addActiveCall(t, "100", acct("sim0", 0))

	emergency := call.New(false, "911")
	emergency.Emergency = true
	emergency.Account = acct("sim0", 0)
	emergency.Service = e.svc
	e.reg.runner.Post("test.add-emergency", func() {
		e.reg.add(emergency)
		e.reg.setState(emergency, call.StateConnecting, call.CauseUnknown)
		if !e.reg.policy.MakeRoomForOutgoing(e.reg, emergency) {
			t.Error("emergency call must always be admitted")
		}
	})
	e.flush()

	if !e.svc.has("disconnect", first) {
		t.Fatal("emergency admission must disconnect the live non-emergency call")
	}
}

func TestMissingNumberFailsImmediately(t *testing.T) {
	e := newTestEnv(t, SingleSubPolicy{})

	var failedCause call.DisconnectCause
	l := &recordingListener{}
	e.reg.AddListener(l)

	c := e.reg.PlaceOutgoingCall("", acct("sim0", 0), e.svc)
	e.flush()

	if c.Cause != call.CauseNoPhoneNumberSupplied {
		t.Fatalf("cause = %v, want no_number", c.Cause)
	}
	l.mu.Lock()
	failedCause = l.outgoingFailedCause
	l.mu.Unlock()
	if failedCause != call.CauseNoPhoneNumberSupplied {
		t.Fatal("OnOutgoingCallFailed not fanned out with the failure cause")
	}
}

func TestCancelledBroadcastWindowDisconnects(t *testing.T) {
	e := newTestEnv(t, SingleSubPolicy{})

	c := e.reg.PlaceOutgoingCall("100", acct("sim0", 0), e.svc)
	e.flush()
	e.reg.CancelPendingOutgoingCall(c.ID)
	e.flush()

	// Still connecting until the window closes.
	if got := e.state(c); got != call.StateConnecting {
		t.Fatalf("state = %v, want connecting before window closes", got)
	}

	time.Sleep(2 * testConfig().OutgoingBroadcastWindow)
	e.flush()

	if got := e.state(c); got != call.StateDisconnected {
		t.Fatalf("state = %v, want disconnected after window", got)
	}
	if c.Cause != call.CauseCanceled {
		t.Fatalf("cause = %v, want canceled", c.Cause)
	}
}

func TestDisconnectedCallLingersThenRemoved(t *testing.T) {
	e := newTestEnv(t, SingleSubPolicy{})

	c := e.addActiveCall(t, "100", acct("sim0", 0))
	e.reg.DisconnectCall(c.ID)
	e.flush()

	// Visible in the disconnected state for the linger window.
	if got := serial.Submit(e.runner, "t", func() *call.Call { return e.reg.CallByID(c.ID) }); got == nil {
		t.Fatal("disconnected call removed before linger elapsed")
	}

	time.Sleep(2 * testConfig().DisconnectedLinger)
	e.flush()

	if got := serial.Submit(e.runner, "t", func() *call.Call { return e.reg.CallByID(c.ID) }); got != nil {
		t.Fatal("disconnected call not removed after linger")
	}
}

func TestServiceDeathDisconnectsOwnedCalls(t *testing.T) {
	e := newTestEnv(t, SingleSubPolicy{})
	e.svc.autoConfirm = false

	c := e.reg.PlaceOutgoingCall("100", acct("sim0", 0), e.svc)
	e.flush()

	e.reg.ServiceDied("fake")
	e.flush()

	if c.State != call.StateDisconnected || c.Cause != call.CauseError {
		t.Fatalf("state/cause = %v/%v, want disconnected/error", c.State, c.Cause)
	}
	if got := serial.Submit(e.runner, "t", func() int { return len(e.reg.Calls()) }); got != 0 {
		t.Fatalf("%d calls still tracked after service death", got)
	}
}

func TestListenerSeesUpdatedStateDuringCallback(t *testing.T) {
	e := newTestEnv(t, SingleSubPolicy{})

	var observed call.State
	done := make(chan struct{})
	e.reg.AddListener(&funcListener{
		stateChanged: func(c *call.Call, old, new call.State) {
			if new == call.StateActive {
				// The listener must see the new state on the call itself.
				observed = c.State
				select {
				case <-done:
				default:
					close(done)
				}
			}
		},
	})

	e.addActiveCall(t, "100", acct("sim0", 0))
	<-done
	if observed != call.StateActive {
		t.Fatalf("listener observed %v during callback, want active", observed)
	}
}

func TestStateOrderingPerCallBeforeForeground(t *testing.T) {
	e := newTestEnv(t, SingleSubPolicy{})

	var order []string
	var mu sync.Mutex
	e.reg.AddListener(&funcListener{
		added: func(c *call.Call) {
			mu.Lock()
			order = append(order, "added")
			mu.Unlock()
		},
		stateChanged: func(c *call.Call, old, new call.State) {
			mu.Lock()
			order = append(order, "state:"+new.String())
			mu.Unlock()
		},
		foregroundChanged: func(old, new *call.Call) {
			mu.Lock()
			order = append(order, "foreground")
			mu.Unlock()
		},
	})

	e.addActiveCall(t, "100", acct("sim0", 0))

	// The call is not a foreground candidate until it leaves StateNew, so
	// the first three notifications are fixed: per-call add, the
	// connecting transition, and only then the derived foreground change.
	mu.Lock()
	defer mu.Unlock()
	want := []string{"added", "state:connecting", "foreground"}
	if len(order) < len(want) {
		t.Fatalf("too few notifications: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("notification order = %v, want prefix %v", order, want)
		}
	}
}

func TestConferenceChildExcludedFromForeground(t *testing.T) {
	e := newTestEnv(t, SingleSubPolicy{})

	host := e.addActiveCall(t, "conf", acct("sim0", 0))
	child := e.addActiveCall(t, "100", acct("sim0", 0))

	e.reg.SetCallParent(child.ID, host.ID)
	e.flush()

	if fg := e.foreground(); fg != host {
		t.Fatalf("foreground = %v, want conference host", fg)
	}
	if got := serial.Submit(e.runner, "t", func() int { return len(e.reg.topLevelCalls()) }); got != 1 {
		t.Fatalf("top-level call count = %d, want 1", got)
	}
}

func TestDualSubLCHScenario(t *testing.T) {
	e := newTestEnv(t, DualSubPolicy{})

	subA := acct("simA", 0)
	subB := acct("simB", 1)
	e.reg.RegisterAccount(subA)
	e.reg.RegisterAccount(subB)
	e.flush()

	callA := e.addActiveCall(t, "100", subA)
	e.reg.SetCallCapabilities(callA.ID, call.CapHold)
	e.flush()
	callB := e.addActiveCall(t, "200", subB)
	_ = callB

	// Move focus to subscription B: A's call must be held and A flagged.
	e.reg.SetActiveSubscription(1)
	e.flush()
	e.flush()

	if got := e.state(callA); got != call.StateOnHold {
		t.Fatalf("sub A call state = %v, want on_hold", got)
	}
	lch := serial.Submit(e.runner, "t", func() bool { return e.reg.IsAccountLCH("simA") })
	if !lch {
		t.Fatal("account A must be LCH-flagged")
	}

	// The supervisory keep-alive must fire at the configured period.
	time.Sleep(3 * testConfig().LCHTonePeriod)
	e.flush()
	if e.svc.countFor("dtmf-#", callA) == 0 {
		t.Fatal("no supervisory DTMF keep-alive played while LCH-flagged")
	}

	// Moving focus back clears the flag and unholds A.
	e.reg.SetActiveSubscription(0)
	e.flush()
	e.flush()

	lch = serial.Submit(e.runner, "t", func() bool { return e.reg.IsAccountLCH("simA") })
	if lch {
		t.Fatal("account A still LCH-flagged after focus returned")
	}
	if !e.svc.has("unhold", callA) {
		t.Fatal("sub A call not unheld after leaving LCH")
	}

	// A's keep-alive must stop. B still has a live call, so its
	// subscription is parked in turn and may play its own tones; only
	// A's call must fall silent.
	before := e.svc.countFor("dtmf-#", callA)
	time.Sleep(3 * testConfig().LCHTonePeriod)
	if got := e.svc.countFor("dtmf-#", callA); got != before {
		t.Fatalf("keep-alive still firing on unparked call: %d -> %d", before, got)
	}
}

func TestRemoveAutoUnholdsNewForeground(t *testing.T) {
	e := newTestEnv(t, SingleSubPolicy{})

	first := e.addActiveCall(t, "100", acct("sim0", 0))
	e.reg.SetCallCapabilities(first.ID, call.CapHold)
	e.flush()

	// Second call on the same account so admission defers to the
	// service; then hold the first manually to emulate the swap.
	second := e.reg.PlaceOutgoingCall("200", acct("sim0", 0), e.svc)
	e.flush()
	e.reg.HoldCall(first.ID)
	e.flush()
	e.reg.ProceedWithOutgoingCall(context.Background(), second.ID)
	e.flush()
	e.reg.UpdateCallState(second.ID, call.StateActive, call.CauseUnknown)
	e.flush()

	// Hang up the active call; once removed, the held survivor becomes
	// foreground and must be unheld automatically.
	e.reg.DisconnectCall(second.ID)
	e.flush()
	time.Sleep(2 * testConfig().DisconnectedLinger)
	e.flush()
	e.flush()

	if !e.svc.has("unhold", first) {
		t.Fatal("surviving held call was not unheld after removal")
	}
}

// recordingListener captures selected events for assertions.
type recordingListener struct {
	ListenerBase
	mu                  sync.Mutex
	outgoingFailedCause call.DisconnectCause
}

func (l *recordingListener) OnOutgoingCallFailed(c *call.Call, cause call.DisconnectCause) {
	l.mu.Lock()
	l.outgoingFailedCause = cause
	l.mu.Unlock()
}

// funcListener adapts closures to the Listener interface.
type funcListener struct {
	ListenerBase
	added             func(c *call.Call)
	stateChanged      func(c *call.Call, old, new call.State)
	foregroundChanged func(old, new *call.Call)
}

func (l *funcListener) OnCallAdded(c *call.Call) {
	if l.added != nil {
		l.added(c)
	}
}

func (l *funcListener) OnCallStateChanged(c *call.Call, old, new call.State) {
	if l.stateChanged != nil {
		l.stateChanged(c, old, new)
	}
}

func (l *funcListener) OnForegroundChanged(old, new *call.Call) {
	if l.foregroundChanged != nil {
		l.foregroundChanged(old, new)
	}
}
