//go:build no_scripts

package script

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"teleop-console/internal/model"
)

const DefaultTimeout = 5 * time.Second

var errDisabled = errors.New("scripts disabled")

// ErrNotFound is returned for a script id with no file behind it.
var ErrNotFound = errors.New("script not found")

// Check accepts any code when scripts are disabled.
func Check(_ string) error { return nil }

// ScriptMeta holds user-editable metadata for a console script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	NodeID      int64  `json:"node_id,omitempty"`
}

// Script is a saved Lua macro.
type Script struct {
	ID      string     `json:"id"`
	Meta    ScriptMeta `json:"meta"`
	LuaCode string     `json:"lua_code"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Backend is the part of the gateway client scripts may drive.
type Backend interface {
	ListNodes(ctx context.Context, uuid string) ([]model.Node, error)
	ListDevices(ctx context.Context, nodeID int64) ([]model.Device, error)
	ListTeleopGroups(ctx context.Context, f model.TeleopGroupFilter) ([]model.TeleopGroup, error)
	CallRPC(ctx context.Context, nodeID int64, method string, params map[string]any) (any, error)
	StartTeleopGroup(ctx context.Context, id int64) (model.MessageResponse, error)
	StopTeleopGroup(ctx context.Context, id int64) (model.MessageResponse, error)
}

// Manager is a no-op stub when scripts are disabled.
type Manager struct{}

// NewManager returns a nil manager when scripts are disabled.
func NewManager(_ string) (*Manager, error) { return nil, nil }

func (m *Manager) List() ([]*Script, error)        { return nil, nil }
func (m *Manager) Get(_ string) (*Script, error)   { return nil, errDisabled }
func (m *Manager) Save(_ *Script) (*Script, error) { return nil, errDisabled }
func (m *Manager) Delete(_ string) error           { return errDisabled }

// Engine is a no-op stub when scripts are disabled.
type Engine struct{}

func NewEngine(_ Backend, _ *Manager, _ *slog.Logger, _ time.Duration) *Engine {
	return &Engine{}
}

func (e *Engine) Manager() *Manager { return nil }

func (e *Engine) RunScript(_ context.Context, _ string) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error()}
}

func (e *Engine) Run(_ context.Context, _ string) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error()}
}

func (e *Engine) RunOn(_ context.Context, _ string, _ int64) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error()}
}
