package api

import (
	"time"

	"github.com/flowpbx/telecore/internal/audio"
	"github.com/flowpbx/telecore/internal/call"
	"github.com/flowpbx/telecore/internal/registry"
)

// callView is the JSON projection of a single call.
type callView struct {
	ID           string    `json:"id"`
	Direction    string    `json:"direction"`
	Address      string    `json:"address"`
	DisplayName  string    `json:"display_name,omitempty"`
	State        string    `json:"state"`
	Cause        string    `json:"cause,omitempty"`
	AccountID    string    `json:"account_id,omitempty"`
	ParentID     string    `json:"parent_id,omitempty"`
	ChildIDs     []string  `json:"child_ids,omitempty"`
	Conference   bool      `json:"conference,omitempty"`
	Multiparty   bool      `json:"multiparty,omitempty"`
	Capabilities string    `json:"capabilities"`
	CreateTime   time.Time `json:"create_time"`
	ConnectTime  time.Time `json:"connect_time,omitempty"`
	DurationSec  int64     `json:"duration_sec"`
}

// audioView is the JSON projection of the published audio route state.
type audioView struct {
	Muted           bool   `json:"muted"`
	Route           string `json:"route"`
	SupportedRoutes string `json:"supported_routes"`
}

// snapshotView is a full registry snapshot pushed to UI consumers.
type snapshotView struct {
	Calls        []callView `json:"calls"`
	ForegroundID string     `json:"foreground_id,omitempty"`
	CanAddCall   bool       `json:"can_add_call"`
	Audio        audioView  `json:"audio"`
}

func viewOfCall(c *call.Call) callView {
	v := callView{
		ID:           c.ID,
		Direction:    "outgoing",
		Address:      c.Address,
		DisplayName:  c.DisplayName,
		State:        c.State.String(),
		AccountID:    accountID(c),
		Conference:   c.Conference,
		Multiparty:   c.Multiparty(),
		Capabilities: c.Capabilities.String(),
		CreateTime:   c.CreateTime,
		ConnectTime:  c.ConnectTime,
		DurationSec:  int64(c.Duration() / time.Second),
	}
	if c.Incoming {
		v.Direction = "incoming"
	}
	if c.State == call.StateDisconnected || c.State == call.StateAborted {
		v.Cause = c.Cause.String()
	}
	if c.Parent != nil {
		v.ParentID = c.Parent.ID
	}
	for _, child := range c.Children {
		v.ChildIDs = append(v.ChildIDs, child.ID)
	}
	return v
}

func accountID(c *call.Call) string {
	if c.Account == nil {
		return ""
	}
	return c.Account.ID
}

func viewOfAudio(st audio.CallAudioState) audioView {
	return audioView{
		Muted:           st.Muted,
		Route:           st.Route.String(),
		SupportedRoutes: st.SupportedRoutes.String(),
	}
}

// snapshotOnQueue assembles the full UI snapshot. Must run on the work
// queue.
func snapshotOnQueue(reg *registry.Registry, routes *audio.RouteSM) snapshotView {
	sv := snapshotView{
		Calls:      []callView{},
		CanAddCall: reg.CanAddCall(),
		Audio:      viewOfAudio(routes.CurrentState()),
	}
	for _, c := range reg.Calls() {
		sv.Calls = append(sv.Calls, viewOfCall(c))
	}
	if fg := reg.ForegroundCall(); fg != nil {
		sv.ForegroundID = fg.ID
	}
	return sv
}
