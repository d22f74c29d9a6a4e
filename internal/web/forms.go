package web

import (
	"fmt"
	"sort"
	"strings"

	"teleop-console/internal/model"
)

// FieldKind selects the input a form field is rendered with.
type FieldKind string

const (
	FieldHidden   FieldKind = "hidden"
	FieldText     FieldKind = "text"
	FieldTextarea FieldKind = "textarea"
	FieldJSON     FieldKind = "json"
	FieldNumber   FieldKind = "number"
	FieldSelect   FieldKind = "select"
	FieldSlots    FieldKind = "slots"
)

// Option is one choice of a select field. Group restricts the option to a
// value of another field (e.g. device types per category).
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
	Group string `json:"group,omitempty"`
}

// Slot is one positional device choice of a slots field.
type Slot struct {
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Options  []Option `json:"options"`
}

// Field is one input of a CRUD form.
type Field struct {
	Name     string    `json:"name"`
	Label    string    `json:"label"`
	Kind     FieldKind `json:"kind"`
	Required bool      `json:"required,omitempty"`
	Help     string    `json:"help,omitempty"`
	Default  any       `json:"default,omitempty"`
	Options  []Option  `json:"options,omitempty"`
	// GroupBy names the field whose value filters Options.
	GroupBy string `json:"group_by,omitempty"`
	// Slots holds, for a slots field, the slot list per value of GroupBy.
	Slots map[string][]Slot `json:"slots,omitempty"`
	// CreateOnly fields are not sent on update.
	CreateOnly bool `json:"create_only,omitempty"`
}

// FormSchema drives the one create/edit modal used by every CRUD screen.
// Endpoint receives POST on create; Endpoint + "/" + the IDField value
// receives PUT on update and DELETE on delete.
type FormSchema struct {
	Entity   string  `json:"entity"`
	Title    string  `json:"title"`
	Endpoint string  `json:"endpoint"`
	IDField  string  `json:"id_field"`
	Fields   []Field `json:"fields"`
	// SchemaURL, when set, is fetched each time the modal opens; its "form"
	// replaces this schema.
	SchemaURL string `json:"schema_url,omitempty"`
}

func categoryOptions(categories []string) []Option {
	out := make([]Option, 0, len(categories))
	for _, c := range categories {
		out = append(out, Option{Value: c, Label: c})
	}
	return out
}

// deviceForm builds the device modal for one node.
func deviceForm(nodeID int64, categories []string, types model.DeviceTypes) FormSchema {
	if len(categories) == 0 {
		for _, c := range model.Categories {
			categories = append(categories, string(c))
		}
	}
	var typeOpts []Option
	for _, cat := range typeNames(types) {
		for _, name := range typeNames(types[cat]) {
			info := types[cat][name]
			label := name
			if info.Description != "" {
				label = name + " (" + info.Description + ")"
			}
			typeOpts = append(typeOpts, Option{Value: name, Label: label, Group: cat})
		}
	}
	return FormSchema{
		Entity:   "device",
		Title:    "Device",
		Endpoint: "/api/devices",
		IDField:  "id",
		Fields: []Field{
			{Name: "node_id", Kind: FieldHidden, Default: nodeID, CreateOnly: true},
			{Name: "name", Label: "Name", Kind: FieldText, Required: true},
			{Name: "description", Label: "Description", Kind: FieldTextarea},
			{Name: "category", Label: "Category", Kind: FieldSelect, Required: true, Options: categoryOptions(categories)},
			{Name: "type", Label: "Type", Kind: FieldSelect, Required: true, Options: typeOpts, GroupBy: "category"},
			{Name: "config", Label: "Config (JSON)", Kind: FieldJSON, Help: configHelp(types), Default: "{}"},
		},
	}
}

// configHelp lists the config keys each device type needs.
func configHelp(types model.DeviceTypes) string {
	var lines []string
	for _, cat := range typeNames(types) {
		for _, name := range typeNames(types[cat]) {
			need := types[cat][name].NeedConfig
			if len(need) == 0 {
				continue
			}
			keys := typeNames(need)
			parts := make([]string, 0, len(keys))
			for _, k := range keys {
				parts = append(parts, k+": "+need[k].Type)
			}
			lines = append(lines, name+" needs "+strings.Join(parts, ", "))
		}
	}
	return strings.Join(lines, "\n")
}

// teleopForm builds the teleop group modal. Each slot of the chosen type
// offers the node's devices of the slot's category.
func teleopForm(nodeID int64, types map[string]model.TeleopGroupTypeInfo, devices []model.Device) FormSchema {
	byCategory := make(map[string][]Option)
	for _, d := range devices {
		cat := string(d.Category)
		byCategory[cat] = append(byCategory[cat], Option{
			Value: fmt.Sprintf("%d", d.ID),
			Label: fmt.Sprintf("%s (#%d)", d.Name, d.ID),
		})
	}
	for _, opts := range byCategory {
		sort.Slice(opts, func(i, j int) bool { return opts[i].Label < opts[j].Label })
	}

	var typeOpts []Option
	slots := make(map[string][]Slot, len(types))
	for _, name := range typeNames(types) {
		info := types[name]
		label := name
		if info.Description != "" {
			label = name + " (" + info.Description + ")"
		}
		typeOpts = append(typeOpts, Option{Value: name, Label: label})
		for _, s := range info.NeedConfig {
			slots[name] = append(slots[name], Slot{Name: s.Name, Category: s.Category, Options: byCategory[s.Category]})
		}
	}

	return FormSchema{
		Entity:   "teleop-group",
		Title:    "Teleop group",
		Endpoint: "/api/teleop-groups",
		IDField:  "id",
		Fields: []Field{
			{Name: "node_id", Kind: FieldHidden, Default: nodeID, CreateOnly: true},
			{Name: "name", Label: "Name", Kind: FieldText, Required: true},
			{Name: "description", Label: "Description", Kind: FieldTextarea},
			{Name: "type", Label: "Type", Kind: FieldSelect, Required: true, Options: typeOpts},
			{Name: "config", Label: "Devices", Kind: FieldSlots, GroupBy: "type", Slots: slots},
		},
	}
}

// vrForm builds the VR headset modal. Only VR devices can be bound.
func vrForm(devices []model.Device) FormSchema {
	opts := []Option{{Value: "", Label: "(none)"}}
	for _, d := range devices {
		if d.Category != model.CategoryVR {
			continue
		}
		opts = append(opts, Option{Value: fmt.Sprintf("%d", d.ID), Label: fmt.Sprintf("%s (node %d)", d.Name, d.NodeID)})
	}
	return FormSchema{
		Entity:   "vr",
		Title:    "VR headset",
		Endpoint: "/api/vrs",
		IDField:  "uuid",
		Fields: []Field{
			{Name: "uuid", Label: "UUID", Kind: FieldText, Required: true, CreateOnly: true},
			{Name: "device_id", Label: "Device", Kind: FieldSelect, Options: opts},
			{Name: "info", Label: "Info (JSON)", Kind: FieldJSON, Default: "{}"},
		},
	}
}

// recordingForm builds the manual catalog entry modal.
func recordingForm() FormSchema {
	return FormSchema{
		Entity:   "recording",
		Title:    "Catalog entry",
		Endpoint: "/api/recordings",
		IDField:  "id",
		Fields: []Field{
			{Name: "name", Label: "Name", Kind: FieldText, Required: true},
			{Name: "kind", Label: "Kind", Kind: FieldSelect, Required: true, Options: []Option{
				{Value: model.KindRecording, Label: "Recording"},
				{Value: model.KindTeaching, Label: "Teaching data"},
			}},
			{Name: "teleop_group_id", Label: "Teleop group ID", Kind: FieldNumber},
			{Name: "operator_name", Label: "Operator", Kind: FieldText},
			{Name: "robot_id", Label: "Robot", Kind: FieldText},
			{Name: "start_time", Label: "Start time (RFC 3339)", Kind: FieldText},
			{Name: "duration", Label: "Duration (mm:ss)", Kind: FieldText},
			{Name: "data_path", Label: "Data path", Kind: FieldText},
			{Name: "video_path", Label: "Video path", Kind: FieldText},
			{Name: "size_bytes", Label: "Size (bytes)", Kind: FieldNumber},
		},
	}
}

// validateSlots checks a positional teleop config against the group type:
// one device per slot, each of the slot's category.
func validateSlots(typeName string, types map[string]model.TeleopGroupTypeInfo, config []int64, devices []model.Device) error {
	info, ok := types[typeName]
	if !ok {
		return &model.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown teleop group type %q", typeName)}
	}
	if len(config) != len(info.NeedConfig) {
		return &model.ValidationError{
			Field:  "config",
			Reason: fmt.Sprintf("type %s needs %d devices, got %d", typeName, len(info.NeedConfig), len(config)),
		}
	}
	byID := make(map[int64]model.Device, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}
	for i, id := range config {
		slot := info.NeedConfig[i]
		d, ok := byID[id]
		if !ok {
			return &model.ValidationError{Field: "config", Reason: fmt.Sprintf("%s: unknown device %d", slot.Name, id)}
		}
		if slot.Category != "" && string(d.Category) != slot.Category {
			return &model.ValidationError{
				Field:  "config",
				Reason: fmt.Sprintf("%s: device %s is %s, want %s", slot.Name, d.Name, d.Category, slot.Category),
			}
		}
	}
	return nil
}
