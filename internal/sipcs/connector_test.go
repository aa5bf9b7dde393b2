package sipcs

import (
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/telecore/internal/call"
)

func TestCauseForStatus(t *testing.T) {
	cases := []struct {
		status int
		want   call.DisconnectCause
	}{
		{486, call.CauseBusy},
		{600, call.CauseBusy},
		{603, call.CauseRejected},
		{404, call.CauseUnobtainableNumber},
		{484, call.CauseUnobtainableNumber},
		{416, call.CauseInvalidNumber},
		{487, call.CauseCanceled},
		{503, call.CauseCongestion},
		{500, call.CauseError},
		{403, call.CauseError},
	}
	for _, tc := range cases {
		if got := causeForStatus(tc.status); got != tc.want {
			t.Errorf("causeForStatus(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestBuildSDPDirections(t *testing.T) {
	body := string(buildSDP("192.0.2.10", 4010, directionSendonly))

	for _, want := range []string{
		"c=IN IP4 192.0.2.10",
		"m=audio 4010 RTP/AVP",
		"a=sendonly",
		"a=rtpmap:101 telephone-event/8000",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("sdp missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "a=sendrecv") {
		t.Errorf("hold sdp must not advertise sendrecv:\n%s", body)
	}
}

func TestBuildSDPDefaultsWhenUnconfigured(t *testing.T) {
	body := string(buildSDP("", 0, directionSendrecv))
	if !strings.Contains(body, "c=IN IP4 0.0.0.0") {
		t.Errorf("expected placeholder connection address:\n%s", body)
	}
	if !strings.Contains(body, "m=audio 4000 ") {
		t.Errorf("expected default media port:\n%s", body)
	}
}

func TestDTMFRelayBody(t *testing.T) {
	got := string(dtmfRelayBody('5'))
	if got != "Signal=5\r\nDuration=250\r\n" {
		t.Errorf("dtmf body = %q", got)
	}
}

func TestParseContactExpires(t *testing.T) {
	cases := []struct {
		value string
		want  int
	}{
		{"<sip:100@198.51.100.7>;expires=3600", 3600},
		{"<sip:100@198.51.100.7>;Expires=120;q=0.5", 120},
		{"<sip:100@198.51.100.7>", 0},
		{"<sip:100@198.51.100.7>;expires=bogus", 0},
	}
	for _, tc := range cases {
		if got := parseContactExpires(tc.value); got != tc.want {
			t.Errorf("parseContactExpires(%q) = %d, want %d", tc.value, got, tc.want)
		}
	}
}

func TestDialogDecideIsOneShot(t *testing.T) {
	d := &dialog{decided: make(chan decision, 1)}
	d.decide(decisionAnswer)
	d.decide(decisionReject) // must be dropped

	select {
	case dec := <-d.decided:
		if dec != decisionAnswer {
			t.Fatalf("decision = %v, want answer", dec)
		}
	default:
		t.Fatal("no decision delivered")
	}
	select {
	case dec := <-d.decided:
		t.Fatalf("second decision leaked: %v", dec)
	default:
	}
}

func TestDialogMarkEndedIsOneShot(t *testing.T) {
	d := &dialog{}
	if !d.markEnded() {
		t.Fatal("first markEnded returned false")
	}
	if d.markEnded() {
		t.Fatal("second markEnded returned true")
	}
}

func TestBackoffGrowthAndReset(t *testing.T) {
	b := newBackoff()

	// 5s base doubling toward the 5m cap, with ±20% jitter allowed.
	expected := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
	}
	for i, want := range expected {
		d := b.next()
		low := time.Duration(float64(want) * 0.75)
		high := time.Duration(float64(want) * 1.25)
		if d < low || d > high {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", i, d, low, high)
		}
	}

	b.reset()
	d := b.next()
	if d < 3*time.Second || d > 7*time.Second {
		t.Errorf("delay after reset = %v, want ~5s", d)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Host: "sip.example.net"}.withDefaults()
	if cfg.Port != 5060 || cfg.Transport != "udp" || cfg.Name != "sip" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.RegisterExpiry != 300 || cfg.RingTimeout != 60*time.Second {
		t.Fatalf("timing defaults not applied: %+v", cfg)
	}
}
