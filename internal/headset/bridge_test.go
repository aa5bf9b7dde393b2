package headset

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/telecore/internal/call"
	"github.com/flowpbx/telecore/internal/registry"
	"github.com/flowpbx/telecore/internal/serial"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTransport records every pushed update and CLCC record.
type fakeTransport struct {
	mu     sync.Mutex
	states []string
	clcc   []string
}

func (f *fakeTransport) PhoneStateChanged(numActive, numHeld int, state WireState, ringingAddress string, ringingAddressType int) {
	f.mu.Lock()
	f.states = append(f.states, fmt.Sprintf("%d/%d/%s/%s", numActive, numHeld, state, ringingAddress))
	f.mu.Unlock()
}

func (f *fakeTransport) ClccResponse(index, direction int, state WireState, multiparty bool, address string, addressType int) {
	f.mu.Lock()
	f.clcc = append(f.clcc, fmt.Sprintf("%d/%d/%s/%t/%s/%d", index, direction, state, multiparty, address, addressType))
	f.mu.Unlock()
}

func (f *fakeTransport) stateLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.states...)
}

func (f *fakeTransport) clccLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.clcc...)
}

func (f *fakeTransport) resetClcc() {
	f.mu.Lock()
	f.clcc = nil
	f.mu.Unlock()
}

// stubService confirms every command with the obvious state transition.
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

type bridgeEnv struct {
	runner   *serial.Runner
	reg      *registry.Registry
	svc      *stubService
	tr       *fakeTransport
	bridge   *Bridge
	accounts int
}

func newBridgeEnv(t *testing.T) *bridgeEnv {
	t.Helper()
	runner := serial.NewRunner(testLogger())
	t.Cleanup(runner.Stop)

	reg := registry.New(runner, registry.SingleSubPolicy{}, registry.Config{
		OutgoingBroadcastWindow: 10 * time.Millisecond,
		DisconnectedLinger:      5 * time.Millisecond,
		LCHTonePeriod:           time.Minute,
	}, testLogger())

	e := &bridgeEnv{
		runner: runner,
		reg:    reg,
		svc:    &stubService{reg: reg},
		tr:     &fakeTransport{},
	}
	e.bridge = NewBridge(reg, e.tr, Config{Operator: "flowpbx", SubscriberNumber: "+15550001111"}, testLogger())
	return e
}

func (e *bridgeEnv) flush() {
	for i := 0; i < 4; i++ {
		serial.Submit(e.runner, "test.flush", func() bool { return true })
	}
}

func (e *bridgeEnv) incomingCall(t *testing.T, address string) *call.Call {
	t.Helper()
	c := call.New(true, address)
	c.Service = e.svc
	c.Account = &call.Account{ID: "sim0", Subscription: 0}
	e.reg.AddIncomingCall(c)
	e.flush()
	return c
}

// activeCall dials out on a fresh account each time, so a second call
// forces the admission hold instead of the same-account fast path.
func (e *bridgeEnv) activeCall(t *testing.T, address string) *call.Call {
	t.Helper()
	acct := &call.Account{ID: fmt.Sprintf("out%d", e.accounts), Subscription: 0}
	e.accounts++
	c := e.reg.PlaceOutgoingCall(address, acct, e.svc)
	e.flush()
	e.reg.ProceedWithOutgoingCall(context.Background(), c.ID)
	e.flush()
	e.reg.SetCallCapabilities(c.ID, call.CapHold|call.CapSupportHold|call.CapMute)
	e.reg.UpdateCallState(c.ID, call.StateActive, call.CauseUnknown)
	e.flush()
	return c
}

func (e *bridgeEnv) index(c *call.Call) int {
	return serial.Submit(e.runner, "test.index", func() int { return e.bridge.indexFor(c) })
}

func TestClccIndexStableAndSmallestReused(t *testing.T) {
	e := newBridgeEnv(t)

	a := e.activeCall(t, "100")
	b := e.incomingCall(t, "200")

	ia, ib := e.index(a), e.index(b)
	if ia != 1 || ib != 2 {
		t.Fatalf("indices = %d, %d, want 1, 2", ia, ib)
	}

	// The index must not move while the call lives, whatever else happens.
	e.reg.UpdateCallState(a.ID, call.StateOnHold, call.CauseUnknown)
	e.flush()
	if got := e.index(a); got != ia {
		t.Fatalf("index changed across state transition: %d -> %d", ia, got)
	}

	// Removing the first call releases index 1 for the next newcomer.
	e.reg.DisconnectCall(a.ID)
	e.flush()
	time.Sleep(20 * time.Millisecond) // wait out the disconnected linger
	e.flush()

	c := e.incomingCall(t, "300")
	if got := e.index(c); got != 1 {
		t.Fatalf("new call index = %d, want reuse of released 1", got)
	}
	if got := e.index(b); got != ib {
		t.Fatalf("surviving call index moved to %d", got)
	}
}

func TestClccListStateMappingAndEndMarker(t *testing.T) {
	e := newBridgeEnv(t)

	e.activeCall(t, "+15551230001")
	e.incomingCall(t, "5551230002")

	e.tr.resetClcc()
	if !e.bridge.ListCurrentCalls() {
		t.Fatal("ListCurrentCalls returned false")
	}

	got := e.tr.clccLog()
	want := []string{
		"1/0/active/false/+15551230001/145",
		// An incoming call ringing behind an active one is "waiting",
		// not "incoming".
		"2/1/waiting/false/5551230002/129",
		"0/0/active/false//0",
	}
	if len(got) != len(want) {
		t.Fatalf("clcc records = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("clcc record %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestClccRingingForegroundReportedIncoming(t *testing.T) {
	e := newBridgeEnv(t)
	e.incomingCall(t, "+15551230003")

	e.tr.resetClcc()
	e.bridge.ListCurrentCalls()

	got := e.tr.clccLog()
	if len(got) != 2 || got[0] != "1/1/incoming/false/+15551230003/145" {
		t.Fatalf("clcc records = %v", got)
	}
}

func TestDialingSentBeforeAlerting(t *testing.T) {
	e := newBridgeEnv(t)

	c := e.reg.PlaceOutgoingCall("+15551230004", &call.Account{ID: "sim0", Subscription: 0}, e.svc)
	e.flush()
	e.reg.ProceedWithOutgoingCall(context.Background(), c.ID)
	e.flush()

	var dialingAt, alertingAt = -1, -1
	for i, s := range e.tr.stateLog() {
		switch s {
		case "0/0/dialing/":
			if dialingAt == -1 {
				dialingAt = i
			}
		case "0/0/alerting/":
			if alertingAt == -1 {
				alertingAt = i
			}
		}
	}
	if dialingAt == -1 || alertingAt == -1 {
		t.Fatalf("missing dialing or alerting update in %v", e.tr.stateLog())
	}
	if dialingAt > alertingAt {
		t.Fatalf("alerting sent before dialing: %v", e.tr.stateLog())
	}
}

func TestPhoneStateSuppressedWhileTwoCallsHeld(t *testing.T) {
	e := newBridgeEnv(t)

	a := e.activeCall(t, "100")
	b := e.activeCall(t, "200") // admission holds a first
	e.reg.UpdateCallState(b.ID, call.StateOnHold, call.CauseUnknown)
	e.flush()

	for _, s := range e.tr.stateLog() {
		if s == "0/2/idle/" {
			t.Fatalf("two-held transient was pushed: %v", e.tr.stateLog())
		}
	}
	_ = a
}

func TestPhoneStateDeduplicated(t *testing.T) {
	e := newBridgeEnv(t)

	c := e.activeCall(t, "100")
	before := len(e.tr.stateLog())

	// A capability change touches no tracked quantity.
	e.reg.SetCallCapabilities(c.ID, call.CapHold|call.CapMute|call.CapAddCall)
	e.flush()

	if after := len(e.tr.stateLog()); after != before {
		t.Fatalf("redundant phone-state update pushed: %v", e.tr.stateLog()[before:])
	}
}

func TestQueryPhoneStateForcesPush(t *testing.T) {
	e := newBridgeEnv(t)

	e.activeCall(t, "100")
	before := len(e.tr.stateLog())

	if !e.bridge.QueryPhoneState() {
		t.Fatal("QueryPhoneState returned false")
	}
	log := e.tr.stateLog()
	if len(log) != before+1 || log[len(log)-1] != "1/0/idle/" {
		t.Fatalf("forced push missing: %v", log)
	}
}

func TestAnswerCommandAnswersRingingCall(t *testing.T) {
	e := newBridgeEnv(t)
	c := e.incomingCall(t, "100")

	if !e.bridge.Answer() {
		t.Fatal("Answer returned false with a ringing call present")
	}
	e.flush()
	got := serial.Submit(e.runner, "test.state", func() call.State { return c.State })
	if got != call.StateActive {
		t.Fatalf("state after answer = %v, want active", got)
	}

	if e.bridge.Answer() {
		t.Fatal("Answer returned true with nothing ringing")
	}
}

func TestClccFlatConferenceListedAsSingleCall(t *testing.T) {
	e := newBridgeEnv(t)

	host := e.activeCall(t, "conf")
	child := e.activeCall(t, "200") // admission holds the host
	serial.Submit(e.runner, "test.mark-conference", func() bool {
		host.Conference = true
		host.Capabilities |= call.CapNoChildrenVisible
		return true
	})
	e.reg.SetCallParent(child.ID, host.ID)
	e.flush()
	e.reg.UnholdCall(host.ID)
	e.flush()

	e.tr.resetClcc()
	if !e.bridge.ListCurrentCalls() {
		t.Fatal("ListCurrentCalls returned false")
	}

	// A conference hiding its children stands in as one flat call: the
	// host's record and the end marker, nothing for the child leg.
	got := e.tr.clccLog()
	want := []string{
		"1/0/active/true/conf/129",
		"0/0/active/false//0",
	}
	if len(got) != len(want) {
		t.Fatalf("clcc records = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("clcc record %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestChldReleaseActiveAcceptHeld(t *testing.T) {
	e := newBridgeEnv(t)

	a := e.activeCall(t, "100")
	b := e.activeCall(t, "200") // holds a

	if !e.bridge.ProcessChld(ChldReleaseActiveAcceptHeld) {
		t.Fatal("CHLD=1 returned false")
	}
	e.flush()

	stateOf := func(c *call.Call) call.State {
		return serial.Submit(e.runner, "test.state", func() call.State { return c.State })
	}
	if got := stateOf(b); got != call.StateDisconnected {
		t.Fatalf("active call state = %v, want disconnected", got)
	}
	if got := stateOf(a); got != call.StateActive {
		t.Fatalf("held call state = %v, want active after accept", got)
	}
}

func TestChldRejectsWaitingCall(t *testing.T) {
	e := newBridgeEnv(t)

	e.activeCall(t, "100")
	w := e.incomingCall(t, "200")

	if !e.bridge.ProcessChld(ChldReleaseHeldOrRejectWaiting) {
		t.Fatal("CHLD=0 returned false")
	}
	e.flush()
	got := serial.Submit(e.runner, "test.state", func() call.State { return w.State })
	if got != call.StateDisconnected {
		t.Fatalf("waiting call state = %v, want disconnected", got)
	}
}

func TestHangupPrefersRingingCall(t *testing.T) {
	e := newBridgeEnv(t)

	a := e.activeCall(t, "100")
	w := e.incomingCall(t, "200")

	if !e.bridge.Hangup() {
		t.Fatal("Hangup returned false")
	}
	e.flush()
	stateOf := func(c *call.Call) call.State {
		return serial.Submit(e.runner, "test.state", func() call.State { return c.State })
	}
	if got := stateOf(w); got != call.StateDisconnected {
		t.Fatalf("ringing call state = %v, want disconnected", got)
	}
	if got := stateOf(a); got != call.StateActive {
		t.Fatalf("active call state = %v, want untouched active", got)
	}
}
