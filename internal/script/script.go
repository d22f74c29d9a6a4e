//go:build !no_scripts

package script

// ScriptMeta is the header of a saved macro.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// NodeID is the node the macro drives when console calls omit one. 0 = none.
	NodeID int64 `json:"node_id,omitempty"`
}

// Script is a saved Lua macro. ID is the file stem.
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
