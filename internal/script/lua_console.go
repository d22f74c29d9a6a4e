//go:build !no_scripts

package script

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"teleop-console/internal/model"
)

// maxSleep caps console.sleep; the run timeout still applies.
const maxSleep = 10 * time.Second

// registerConsoleModule registers the `console` global table. node is the
// default for calls that take an optional node id; console.node exposes it.
// Backend failures raise Lua errors carrying the backend message.
func registerConsoleModule(L *lua.LState, ctx context.Context, e *Engine, node int64, logf func(string)) {
	mod := L.NewTable()
	if node > 0 {
		mod.RawSetString("node", lua.LNumber(node))
	}

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		logf(L.CheckString(1))
		return 0
	}))

	mod.RawSetString("nodes", L.NewFunction(func(L *lua.LState) int {
		nodes, err := e.backend.ListNodes(ctx, L.OptString(1, ""))
		return pushResult(L, nodes, err)
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		devices, err := e.backend.ListDevices(ctx, L.OptInt64(1, node))
		return pushResult(L, devices, err)
	}))

	mod.RawSetString("groups", L.NewFunction(func(L *lua.LState) int {
		groups, err := e.backend.ListTeleopGroups(ctx, model.TeleopGroupFilter{NodeID: L.OptInt64(1, node)})
		return pushResult(L, groups, err)
	}))

	mod.RawSetString("rpc", L.NewFunction(func(L *lua.LState) int {
		return consoleRPC(L, ctx, e, node)
	}))

	mod.RawSetString("start_group", L.NewFunction(func(L *lua.LState) int {
		resp, err := e.backend.StartTeleopGroup(ctx, int64(L.CheckInt64(1)))
		return pushResult(L, resp.Message, err)
	}))

	mod.RawSetString("stop_group", L.NewFunction(func(L *lua.LState) int {
		resp, err := e.backend.StopTeleopGroup(ctx, int64(L.CheckInt64(1)))
		return pushResult(L, resp.Message, err)
	}))

	mod.RawSetString("sleep", L.NewFunction(func(L *lua.LState) int {
		d := time.Duration(L.CheckInt(1)) * time.Millisecond
		if d > maxSleep {
			d = maxSleep
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			L.RaiseError("%s", ctx.Err())
		}
		return 0
	}))

	L.SetGlobal("console", mod)
}

// console.rpc([node_id,] method[, params]). Without node_id the default node is used.
func consoleRPC(L *lua.LState, ctx context.Context, e *Engine, node int64) int {
	arg := 1
	if L.Get(1).Type() == lua.LTNumber {
		node = int64(L.CheckInt64(1))
		arg = 2
	} else if node == 0 {
		L.RaiseError("console.rpc: no node_id given and the script has no node")
		return 0
	}
	method := L.CheckString(arg)

	var params map[string]any
	if tbl, ok := L.Get(arg + 1).(*lua.LTable); ok {
		if m, ok := luaToGo(tbl).(map[string]any); ok {
			params = m
		} else {
			L.ArgError(arg+1, "params must be a table with string keys")
			return 0
		}
	}

	result, err := e.backend.CallRPC(ctx, node, method, params)
	return pushResult(L, result, err)
}

func pushResult(L *lua.LState, v any, err error) int {
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(goToLua(L, v))
	return 1
}
