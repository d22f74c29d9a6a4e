package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ValidationError is a user-input error caught before anything reaches the backend.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Reason: "is required"}
	}
	return nil
}

// Validate checks the required fields of a device payload.
func (s *DeviceSpec) Validate() error {
	if s.NodeID <= 0 {
		return &ValidationError{Field: "node_id", Reason: "is required"}
	}
	if err := required("name", s.Name); err != nil {
		return err
	}
	if err := required("category", string(s.Category)); err != nil {
		return err
	}
	if !s.Category.Valid() {
		return &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", s.Category)}
	}
	return required("type", s.Type)
}

// Validate checks the fields of a device update that are present.
func (u *DeviceUpdate) Validate() error {
	if u.Name != nil {
		if err := required("name", *u.Name); err != nil {
			return err
		}
	}
	if u.Category != nil && !u.Category.Valid() {
		return &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", *u.Category)}
	}
	if u.Type != nil {
		return required("type", *u.Type)
	}
	return nil
}

// Validate checks the required fields of a teleop group payload.
func (s *TeleopGroupSpec) Validate() error {
	if s.NodeID <= 0 {
		return &ValidationError{Field: "node_id", Reason: "is required"}
	}
	if err := required("name", s.Name); err != nil {
		return err
	}
	return required("type", s.Type)
}

// Validate checks the fields of a teleop group update that are present.
func (u *TeleopGroupUpdate) Validate() error {
	if u.Name != nil {
		if err := required("name", *u.Name); err != nil {
			return err
		}
	}
	if u.Type != nil {
		return required("type", *u.Type)
	}
	return nil
}

// Validate checks a VR headset payload.
func (h *VRHeadset) Validate() error {
	return required("uuid", h.UUID)
}

// ParseConfigJSON parses a free-form JSON object entered in a textarea.
// Blank input yields an empty map.
func ParseConfigJSON(field, text string) (map[string]any, error) {
	if strings.TrimSpace(text) == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, &ValidationError{Field: field, Reason: "must be a valid JSON object"}
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
