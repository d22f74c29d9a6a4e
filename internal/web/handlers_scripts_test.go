//go:build !no_scripts

package web

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"teleop-console/internal/gateway"
	"teleop-console/internal/script"
)

// setupScriptServer wires a real script engine whose console calls reach be.
func setupScriptServer(t *testing.T, be *backend) *Server {
	t.Helper()
	ts := httptest.NewServer(be)
	t.Cleanup(ts.Close)

	mgr, err := script.NewManager(filepath.Join(t.TempDir(), "scripts"))
	if err != nil {
		t.Fatal(err)
	}
	engine := script.NewEngine(gateway.New(ts.URL), mgr, quietLogger(), 0)
	srv, _ := setupTestServer(t, be, WithScripts(engine))
	return srv
}

func TestAPIScriptSaveValidation(t *testing.T) {
	srv := setupScriptServer(t, newBackend())

	tests := []struct {
		name string
		body string
		want string
	}{
		{"syntax error", `{"name":"Broken","lua_code":"console.rpc("}`, "lua_code"},
		{"missing name", `{"lua_code":"x = 1"}`, "name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, "POST", "/api/scripts", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%s)", w.Code, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.want) {
				t.Errorf("body = %s, want mention of %s", w.Body.String(), tt.want)
			}
		})
	}

	list := decodeBody[[]script.Script](t, do(t, srv, "GET", "/api/scripts", ""))
	if len(list) != 0 {
		t.Errorf("scripts saved after rejection: %+v", list)
	}
}

func TestAPIScriptRunsOnItsNode(t *testing.T) {
	be := newBackend()
	var node atomic.Value
	be.HandleFunc("POST /api/nodes/{id}/rpc", func(w http.ResponseWriter, r *http.Request) {
		node.Store(r.PathValue("id"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":"ok"}`))
	})
	srv := setupScriptServer(t, be)

	w := do(t, srv, "POST", "/api/scripts", `{"name":"Home","node_id":5,"lua_code":"console.log(console.rpc(\"home\"))"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("save status = %d: %s", w.Code, w.Body.String())
	}
	saved := decodeBody[script.Script](t, w)

	res := decodeBody[script.RunResult](t, do(t, srv, "POST", "/api/scripts/run", `{"id":"`+saved.ID+`"}`))
	if !res.OK || len(res.Logs) != 1 || res.Logs[0] != "ok" {
		t.Fatalf("run = %+v", res)
	}
	if got := node.Load(); got != "5" {
		t.Errorf("rpc node = %v, want 5", got)
	}

	// Inline code takes the node from the request.
	res = decodeBody[script.RunResult](t, do(t, srv, "POST", "/api/scripts/run", `{"node_id":9,"lua_code":"console.rpc(\"ping\")"}`))
	if !res.OK {
		t.Fatalf("inline run = %+v", res)
	}
	if got := node.Load(); got != "9" {
		t.Errorf("rpc node = %v, want 9", got)
	}

	if w := do(t, srv, "DELETE", "/api/scripts/"+saved.ID, ""); w.Code != http.StatusOK {
		t.Errorf("delete status = %d", w.Code)
	}
	if w := do(t, srv, "DELETE", "/api/scripts/"+saved.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}
