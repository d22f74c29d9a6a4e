//go:build !no_scripts

package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"teleop-console/internal/model"
)

// DefaultTimeout bounds a single script run.
const DefaultTimeout = 5 * time.Second

// Backend is the part of the gateway client scripts may drive.
type Backend interface {
	ListNodes(ctx context.Context, uuid string) ([]model.Node, error)
	ListDevices(ctx context.Context, nodeID int64) ([]model.Device, error)
	ListTeleopGroups(ctx context.Context, f model.TeleopGroupFilter) ([]model.TeleopGroup, error)
	CallRPC(ctx context.Context, nodeID int64, method string, params map[string]any) (any, error)
	StartTeleopGroup(ctx context.Context, id int64) (model.MessageResponse, error)
	StopTeleopGroup(ctx context.Context, id int64) (model.MessageResponse, error)
}

// Engine runs console scripts in throwaway sandboxed VMs.
type Engine struct {
	backend Backend
	manager *Manager
	logger  *slog.Logger
	timeout time.Duration
}

// NewEngine creates a script engine. A zero timeout means DefaultTimeout.
func NewEngine(backend Backend, mgr *Manager, logger *slog.Logger, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		backend: backend,
		manager: mgr,
		logger:  logger.With("component", "script"),
		timeout: timeout,
	}
}

// Manager returns the script store.
func (e *Engine) Manager() *Manager { return e.manager }

// RunScript executes a saved macro scoped to its node.
func (e *Engine) RunScript(ctx context.Context, id string) *RunResult {
	start := time.Now()
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunOn(ctx, s.LuaCode, s.Meta.NodeID)
}

// Run executes code with no default node.
func (e *Engine) Run(ctx context.Context, code string) *RunResult {
	return e.RunOn(ctx, code, 0)
}

// RunOn executes code in a fresh VM with nodeID as the default node of the
// console calls. The run is cancelled when ctx is done or the engine timeout
// elapses, whichever comes first.
func (e *Engine) RunOn(ctx context.Context, code string, nodeID int64) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	var logs []string
	var logMu sync.Mutex
	logf := func(msg string) {
		logMu.Lock()
		logs = append(logs, msg)
		logMu.Unlock()
		e.logger.Info("script log", "msg", msg)
	}

	registerConsoleModule(L, ctx, e, nodeID, logf)

	e.logger.Debug("running script", "node", nodeID, "code_len", len(code))
	err := L.DoString(code)
	dur := time.Since(start)

	logMu.Lock()
	defer logMu.Unlock()
	if err != nil {
		errStr := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || strings.Contains(errStr, "context deadline exceeded") {
			errStr = fmt.Sprintf("timeout (%s)", e.timeout)
		}
		e.logger.Warn("script error", "err", errStr)
		return &RunResult{OK: false, Error: errStr, Logs: logs, Duration: dur.String()}
	}

	e.logger.Info("script complete", "logs", len(logs), "duration", dur)
	return &RunResult{OK: true, Logs: logs, Duration: dur.String()}
}

// newSandbox creates a VM without filesystem, process or module loading access.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)
	return L
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		// Records go through their JSON form so tables carry the wire field names.
		data, err := json.Marshal(val)
		if err != nil {
			return lua.LString(fmt.Sprintf("%v", val))
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return lua.LString(string(data))
		}
		return goToLua(L, generic)
	}
}

// luaToGo converts a Lua value to a JSON-friendly Go value.
// Tables with only consecutive integer keys from 1 become slices.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		f := float64(val)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case *lua.LTable:
		if n := val.Len(); n > 0 {
			isArray := true
			count := 0
			val.ForEach(func(k, _ lua.LValue) {
				count++
				if _, ok := k.(lua.LNumber); !ok {
					isArray = false
				}
			})
			if isArray && count == n {
				out := make([]any, 0, n)
				for i := 1; i <= n; i++ {
					out = append(out, luaToGo(val.RawGetInt(i)))
				}
				return out
			}
		}
		out := make(map[string]any)
		val.ForEach(func(k, vv lua.LValue) {
			out[k.String()] = luaToGo(vv)
		})
		return out
	default:
		return val.String()
	}
}
