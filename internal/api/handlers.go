package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/flowpbx/telecore/internal/audio"
	"github.com/flowpbx/telecore/internal/calllog"
	"github.com/flowpbx/telecore/internal/serial"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !s.checkLogin(req.Username, req.Password) {
		s.logger.Warn("failed login attempt", "ip", clientIP(r), "user", req.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := GenerateToken(s.cfg.Secret, req.Username)
	if err != nil {
		s.logger.Error("token generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	sv := serial.Submit(s.reg.Runner(), "api.state", func() snapshotView {
		return snapshotOnQueue(s.reg, s.routes)
	})
	writeJSON(w, http.StatusOK, sv)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	views := serial.Submit(s.reg.Runner(), "api.list-calls", func() []callView {
		out := []callView{}
		for _, c := range s.reg.Calls() {
			out = append(out, viewOfCall(c))
		}
		return out
	})
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view := serial.Submit(s.reg.Runner(), "api.get-call", func() *callView {
		c := s.reg.CallByID(id)
		if c == nil {
			return nil
		}
		v := viewOfCall(c)
		return &v
	})
	if view == nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	if s.dialer == nil {
		writeError(w, http.StatusServiceUnavailable, "no connection service configured")
		return
	}

	var req struct {
		Address string `json:"address"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}

	c := s.reg.PlaceOutgoingCall(req.Address, s.dialer.Account(), s.dialer.Service())

	// The HTTP surface has no broadcast round to wait out, so the call
	// proceeds to its connection service immediately.
	s.reg.ProceedWithOutgoingCall(r.Context(), c.ID)

	view := serial.Submit(s.reg.Runner(), "api.place-call", func() callView {
		if cur := s.reg.CallByID(c.ID); cur != nil {
			return viewOfCall(cur)
		}
		return viewOfCall(c)
	})
	writeJSON(w, http.StatusAccepted, view)
}

// resolveCall checks on the queue that the call id is live.
func (s *Server) resolveCall(id string) bool {
	return serial.Submit(s.reg.Runner(), "api.resolve-call", func() bool {
		return s.reg.CallByID(id) != nil
	})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.resolveCall(id) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	s.reg.AnswerCall(id, 0)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.resolveCall(id) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	s.reg.RejectCall(id, req.Message != "", req.Message)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.resolveCall(id) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	s.reg.DisconnectCall(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.resolveCall(id) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	s.reg.HoldCall(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleUnhold(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.resolveCall(id) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	s.reg.UnholdCall(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.resolveCall(id) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	var req struct {
		Digits string `json:"digits"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Digits == "" {
		writeError(w, http.StatusBadRequest, "digits is required")
		return
	}
	for _, d := range req.Digits {
		if !validDTMF(d) {
			writeError(w, http.StatusBadRequest, "invalid dtmf digit")
			return
		}
	}

	for _, d := range req.Digits {
		s.reg.PlayDTMF(id, d)
		s.reg.StopDTMF(id)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func validDTMF(d rune) bool {
	switch {
	case d >= '0' && d <= '9':
		return true
	case d == '*' || d == '#':
		return true
	case d >= 'A' && d <= 'D':
		return true
	}
	return false
}

func (s *Server) handleConference(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		OtherID string `json:"other_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OtherID == "" {
		writeError(w, http.StatusBadRequest, "other_id is required")
		return
	}
	if !s.resolveCall(id) || !s.resolveCall(req.OtherID) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	s.reg.ConferenceCalls(id, req.OtherID)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "other_id": req.OtherID})
}

func (s *Server) handleGetAudio(w http.ResponseWriter, r *http.Request) {
	view := serial.Submit(s.reg.Runner(), "api.get-audio", func() audioView {
		return viewOfAudio(s.routes.CurrentState())
	})
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSetRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Route string `json:"route"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	route, ok := parseRoute(req.Route)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown audio route")
		return
	}

	s.routes.SwitchTo(route)
	writeJSON(w, http.StatusAccepted, map[string]string{"route": req.Route})
}

func parseRoute(name string) (audio.Route, bool) {
	switch name {
	case "earpiece":
		return audio.RouteEarpiece, true
	case "bluetooth":
		return audio.RouteBluetooth, true
	case "wired_headset":
		return audio.RouteWiredHeadset, true
	case "speaker":
		return audio.RouteSpeaker, true
	}
	return 0, false
}

func (s *Server) handleSetMute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Muted bool `json:"muted"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.routes.SetMuted(req.Muted)
	writeJSON(w, http.StatusAccepted, map[string]bool{"muted": req.Muted})
}

// historyView is the JSON projection of a call log entry.
type historyView struct {
	CallID      string     `json:"call_id"`
	Address     string     `json:"address"`
	DisplayName string     `json:"display_name,omitempty"`
	Direction   string     `json:"direction"`
	AccountID   string     `json:"account_id,omitempty"`
	Cause       string     `json:"cause"`
	Missed      bool       `json:"missed"`
	StartTime   time.Time  `json:"start_time"`
	ConnectTime *time.Time `json:"connect_time,omitempty"`
	EndTime     time.Time  `json:"end_time"`
	DurationSec int64      `json:"duration_sec"`
}

func viewOfEntry(e calllog.Entry) historyView {
	v := historyView{
		CallID:      e.CallID,
		Address:     e.Address,
		DisplayName: e.DisplayName,
		Direction:   "outgoing",
		AccountID:   e.AccountID,
		Cause:       e.Cause,
		Missed:      e.Missed,
		StartTime:   e.StartTime,
		EndTime:     e.EndTime,
		DurationSec: e.DurationSec,
	}
	if e.Incoming {
		v.Direction = "incoming"
	}
	if !e.ConnectTime.IsZero() {
		ct := e.ConnectTime
		v.ConnectTime = &ct
	}
	return v
}

func (s *Server) historyLimit(r *http.Request) int {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	return limit
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "call history disabled")
		return
	}

	entries, err := s.history.ListRecent(r.Context(), s.historyLimit(r))
	if err != nil {
		s.logger.Error("call history query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read call history")
		return
	}

	views := []historyView{}
	for _, e := range entries {
		views = append(views, viewOfEntry(e))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleMissedHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "call history disabled")
		return
	}

	entries, err := s.history.ListMissed(r.Context(), s.historyLimit(r))
	if err != nil {
		s.logger.Error("missed call query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read call history")
		return
	}

	views := []historyView{}
	for _, e := range entries {
		views = append(views, viewOfEntry(e))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handlePurgeHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "call history disabled")
		return
	}

	raw := r.URL.Query().Get("before")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "before parameter is required")
		return
	}
	before, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "before must be RFC 3339")
		return
	}

	removed, err := s.history.Purge(r.Context(), before)
	if err != nil {
		s.logger.Error("call history purge failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to purge call history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) handleRegistration(w http.ResponseWriter, r *http.Request) {
	if s.sip == nil {
		writeError(w, http.StatusServiceUnavailable, "no sip connector configured")
		return
	}

	st := s.sip.RegistrationState()
	view := map[string]any{
		"status":        string(st.Status),
		"retry_attempt": st.RetryAttempt,
	}
	if st.LastError != "" {
		view["last_error"] = st.LastError
	}
	if st.RegisteredAt != nil {
		view["registered_at"] = st.RegisteredAt
	}
	if st.ExpiresAt != nil {
		view["expires_at"] = st.ExpiresAt
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live updates disabled")
		return
	}
	s.hub.serve(w, r)
}
