package audio

import (
	"log/slog"

	"github.com/flowpbx/telecore/internal/call"
)

// Logging implementations of the audio hardware interfaces, wired when
// no platform integration is plugged in. Transitions are observable in
// the log and via the published CallAudioState.

// LogHardware logs route hardware flag changes.
type LogHardware struct {
	logger *slog.Logger
}

func NewLogHardware(logger *slog.Logger) *LogHardware {
	return &LogHardware{logger: logger.With("subsystem", "audio-hw")}
}

func (h *LogHardware) SetSpeakerphoneOn(on bool) {
	h.logger.Info("speakerphone", "on", on)
}

func (h *LogHardware) SetBluetoothScoOn(on bool) {
	h.logger.Info("bluetooth sco", "on", on)
}

func (h *LogHardware) SetMuted(muted bool) {
	h.logger.Info("microphone mute", "muted", muted)
}

// LogRinger logs ring start and stop.
type LogRinger struct {
	logger *slog.Logger
}

func NewLogRinger(logger *slog.Logger) *LogRinger {
	return &LogRinger{logger: logger.With("subsystem", "ringer")}
}

func (r *LogRinger) Start(c *call.Call) {
	r.logger.Info("ringing", "call_id", c.ID, "address", c.Address)
}

func (r *LogRinger) Stop() {
	r.logger.Info("ringer stopped")
}

// LogTones logs in-call tone requests.
type LogTones struct {
	logger *slog.Logger
}

func NewLogTones(logger *slog.Logger) *LogTones {
	return &LogTones{logger: logger.With("subsystem", "tones")}
}

func (t *LogTones) PlayCallWaiting() { t.logger.Info("call waiting tone on") }
func (t *LogTones) StopCallWaiting() { t.logger.Info("call waiting tone off") }
func (t *LogTones) StartRingback()   { t.logger.Info("ringback on") }
func (t *LogTones) StopRingback()    { t.logger.Info("ringback off") }

func (t *LogTones) PlayDisconnectTone(tone Tone) {
	t.logger.Info("disconnect tone", "tone", tone.String())
}

// LogFocus logs audio focus mode requests.
type LogFocus struct {
	logger *slog.Logger
}

func NewLogFocus(logger *slog.Logger) *LogFocus {
	return &LogFocus{logger: logger.With("subsystem", "audio-focus")}
}

func (f *LogFocus) SetMode(m FocusMode) {
	f.logger.Info("audio focus", "mode", m.String())
}
