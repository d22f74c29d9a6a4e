package web

import (
	"encoding/json"
	"fmt"
	"html/template"
	"sort"

	"teleop-console/internal/model"
	"teleop-console/internal/statusbus"
)

// statusLabel names a status value for display.
func statusLabel(kind string, v int) string {
	switch kind {
	case statusbus.KindDevice:
		return model.DeviceStatus(v).String()
	case statusbus.KindTeleop:
		if model.TeleopStatus(v) == model.TeleopRunning {
			return "running"
		}
		return "stopped"
	case statusbus.KindCollecting:
		if model.CollectingStatus(v) == model.CollectingActive {
			return "collecting"
		}
		return "idle"
	case statusbus.KindNode:
		if v != 0 {
			return "online"
		}
		return "offline"
	}
	return fmt.Sprintf("%d", v)
}

// StatusBadge is a status indicator the browser keeps live over /ws.
// Fetched is the value from the last list call.
type StatusBadge struct {
	Kind    string
	NodeID  int64
	ID      int64
	Fetched int
}

func (b StatusBadge) Label() string { return statusLabel(b.Kind, b.Fetched) }

// DeviceView is a device card.
type DeviceView struct {
	model.Device
	Badge      StatusBadge
	ConfigJSON string
}

// GroupView is a teleop group card with its run and collecting badges.
type GroupView struct {
	model.TeleopGroup
	Run        StatusBadge
	Collecting StatusBadge
	Slots      []SlotView
}

// SlotView pairs one slot of the group type schema with the device filling it.
type SlotView struct {
	Slot     model.TeleopSlot
	DeviceID int64
	Device   string
}

// NodeView is a node row.
type NodeView struct {
	model.Node
	Badge StatusBadge
}

func deviceView(d model.Device) DeviceView {
	cfg, _ := json.MarshalIndent(d.Config, "", "  ")
	return DeviceView{
		Device:     d,
		Badge:      StatusBadge{Kind: statusbus.KindDevice, NodeID: d.NodeID, ID: d.ID, Fetched: int(d.Status)},
		ConfigJSON: string(cfg),
	}
}

func deviceViews(devices []model.Device) []DeviceView {
	out := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceView(d))
	}
	return out
}

// groupViews builds group cards. Slot names come from types when the group's
// type is known; device names come from devices.
func groupViews(groups []model.TeleopGroup, types map[string]model.TeleopGroupTypeInfo, devices []model.Device) []GroupView {
	names := make(map[int64]string, len(devices))
	for _, d := range devices {
		names[d.ID] = d.Name
	}
	out := make([]GroupView, 0, len(groups))
	for _, g := range groups {
		v := GroupView{
			TeleopGroup: g,
			Run:         StatusBadge{Kind: statusbus.KindTeleop, NodeID: g.NodeID, ID: g.ID, Fetched: int(g.Status)},
			// Collecting is not part of the group record; it starts idle.
			Collecting: StatusBadge{Kind: statusbus.KindCollecting, NodeID: g.NodeID, ID: g.ID},
		}
		info := types[g.Type]
		for i, id := range g.Config {
			sv := SlotView{DeviceID: id, Device: names[id]}
			if i < len(info.NeedConfig) {
				sv.Slot = info.NeedConfig[i]
			} else {
				sv.Slot = model.TeleopSlot{Name: fmt.Sprintf("slot %d", i+1)}
			}
			if sv.Device == "" {
				sv.Device = fmt.Sprintf("#%d", id)
			}
			v.Slots = append(v.Slots, sv)
		}
		out = append(out, v)
	}
	return out
}

// VRView is a headset row with the name of its bound device.
type VRView struct {
	model.VRHeadset
	Device string
}

func vrViews(vrs []model.VRHeadset, devices []model.Device) []VRView {
	names := make(map[int64]string, len(devices))
	for _, d := range devices {
		names[d.ID] = d.Name
	}
	out := make([]VRView, 0, len(vrs))
	for _, vr := range vrs {
		v := VRView{VRHeadset: vr}
		if vr.DeviceID != nil {
			v.Device = names[*vr.DeviceID]
			if v.Device == "" {
				v.Device = fmt.Sprintf("#%d", *vr.DeviceID)
			}
		}
		out = append(out, v)
	}
	return out
}

func nodeViews(nodes []model.Node) []NodeView {
	out := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		st := 0
		if n.Status {
			st = 1
		}
		out = append(out, NodeView{Node: n, Badge: StatusBadge{Kind: statusbus.KindNode, NodeID: n.ID, Fetched: st}})
	}
	return out
}

// typeNames returns the sorted keys of a type map.
func typeNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// humanBytes formats a byte count with a binary unit.
func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func toJS(v any) template.JS {
	data, err := json.Marshal(v)
	if err != nil {
		return template.JS("null")
	}
	return template.JS(data)
}

var templateFuncs = template.FuncMap{
	"bytes": humanBytes,
	"json":  toJS,
}
