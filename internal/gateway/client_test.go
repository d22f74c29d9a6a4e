package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"teleop-console/internal/metrics"
	"teleop-console/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", WithHTTPClient(srv.Client()), WithLogger(testLogger()))
}

func TestNoContentReturnsZeroResult(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// A body that is not JSON must never be parsed on 204.
		w.WriteHeader(http.StatusNoContent)
	})

	resp, err := c.StartTeleopGroup(context.Background(), 3)
	if err != nil {
		t.Fatalf("StartTeleopGroup() = %v", err)
	}
	if resp != (model.MessageResponse{}) {
		t.Errorf("resp = %+v, want zero", resp)
	}
	if err := c.DeleteDevice(context.Background(), 3); err != nil {
		t.Errorf("DeleteDevice() = %v", err)
	}
}

func TestErrorDetail(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"json detail", http.StatusBadRequest, `{"detail": "X"}`, "X"},
		{"detail verbatim", http.StatusNotFound, `{"detail": "Device 9 not found"}`, "Device 9 not found"},
		{"non-json body", http.StatusBadGateway, `<html>bad gateway</html>`, "HTTP 502"},
		{"json without detail", http.StatusInternalServerError, `{"error": "boom"}`, "HTTP 500"},
		{"empty detail", http.StatusConflict, `{"detail": ""}`, "HTTP 409"},
		{"structured detail", http.StatusUnprocessableEntity, `{"detail": [{"msg": "field required"}]}`, `[{"msg":"field required"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})

			_, err := c.ListDevices(context.Background(), 0)
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v (%T), want *APIError", err, err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.status)
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(&APIError{StatusCode: 404}) {
		t.Error("404 should be not found")
	}
	if IsNotFound(&APIError{StatusCode: 500}) || IsNotFound(errors.New("x")) {
		t.Error("non-404 reported as not found")
	}
}

func TestListTeleopGroupsQuery(t *testing.T) {
	tests := []struct {
		filter model.TeleopGroupFilter
		want   string
	}{
		{model.TeleopGroupFilter{}, ""},
		{model.TeleopGroupFilter{NodeID: 2}, "node_id=2"},
		{model.TeleopGroupFilter{Name: "left arm", DeviceID: 7, NodeID: 2}, "device_id=7&name=left+arm&node_id=2"},
	}
	for _, tt := range tests {
		var got string
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			got = r.URL.RawQuery
			if r.URL.Path != "/api/teleop-groups" {
				t.Errorf("path = %q", r.URL.Path)
			}
			io.WriteString(w, `[{"id": 1, "node_id": 2, "name": "g", "type": "bimanual", "config": [7, 8], "status": 1}]`)
		})
		groups, err := c.ListTeleopGroups(context.Background(), tt.filter)
		if err != nil {
			t.Fatalf("ListTeleopGroups(%+v) = %v", tt.filter, err)
		}
		if got != tt.want {
			t.Errorf("query = %q, want %q", got, tt.want)
		}
		if len(groups) != 1 || groups[0].Status != model.TeleopRunning || !groups[0].Includes(8) {
			t.Errorf("groups = %+v", groups)
		}
	}
}

func TestCallRPC(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/nodes/4/rpc" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&body)
		io.WriteString(w, `{"result": {"ok": true}}`)
	})

	res, err := c.CallRPC(context.Background(), 4, "reboot", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := body["params"]; ok {
		t.Error("params sent although nil")
	}
	if body["method"] != "reboot" {
		t.Errorf("method = %v", body["method"])
	}
	m, ok := res.(map[string]any)
	if !ok || m["ok"] != true {
		t.Errorf("result = %#v", res)
	}

	if _, err := c.CallRPC(context.Background(), 4, "set", map[string]any{"speed": 2}); err != nil {
		t.Fatal(err)
	}
	params, _ := body["params"].(map[string]any)
	if params["speed"] != float64(2) {
		t.Errorf("params = %v", body["params"])
	}
}

func TestListRPCMethodsUnwraps(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"methods": [{"name": "ping", "description": "liveness", "params": {}}]}`)
	})
	methods, err := c.ListRPCMethods(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(methods) != 1 || methods[0].Name != "ping" {
		t.Errorf("methods = %+v", methods)
	}
}

func TestRequestPaths(t *testing.T) {
	var gotPath, gotMethod, gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotQuery = r.Method, r.URL.EscapedPath(), r.URL.RawQuery
		io.WriteString(w, `null`)
	})
	ctx := context.Background()

	tests := []struct {
		name   string
		run    func() error
		method string
		path   string
		query  string
	}{
		{"nodes by uuid", func() error { _, err := c.ListNodes(ctx, "abc"); return err }, "GET", "/api/nodes", "uuid=abc"},
		{"register", func() error { _, err := c.RegisterNode(ctx, "abc"); return err }, "POST", "/api/node", ""},
		{"categories", func() error { _, err := c.DeviceCategories(ctx, 3); return err }, "GET", "/api/device/categories", "node_id=3"},
		{"types", func() error { _, err := c.DeviceTypes(ctx, 3); return err }, "GET", "/api/device/types", "node_id=3"},
		{"update device", func() error { _, err := c.UpdateDevice(ctx, 5, model.DeviceUpdate{}); return err }, "PUT", "/api/devices/5", ""},
		{"test device", func() error { _, err := c.TestDevice(ctx, model.DeviceSpec{}); return err }, "POST", "/api/devices/test", ""},
		{"group types", func() error { _, err := c.TeleopGroupTypes(ctx, 3); return err }, "GET", "/api/teleop-groups/types", "node_id=3"},
		{"stop group", func() error { _, err := c.StopTeleopGroup(ctx, 8); return err }, "POST", "/api/teleop-groups/8/stop", ""},
		{"hdf5 files", func() error { _, err := c.Hdf5Files(ctx, "day 1"); return err }, "GET", "/api/hdf5/files/day%201", ""},
		{"vr update", func() error { _, err := c.UpdateVRHeadset(ctx, "hs-1", model.VRHeadset{}); return err }, "PUT", "/api/vrs/hs-1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); err != nil {
				t.Fatal(err)
			}
			if gotMethod != tt.method || gotPath != tt.path || gotQuery != tt.query {
				t.Errorf("request = %s %s?%s, want %s %s?%s", gotMethod, gotPath, gotQuery, tt.method, tt.path, tt.query)
			}
		})
	}
}

func TestContextCancellation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.ListNodes(ctx, ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestMetricsRecorded(t *testing.T) {
	m := metrics.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	c := New(srv.URL, WithMetrics(m), WithLogger(testLogger()))

	c.GetDevice(context.Background(), 1)
	if got := testutil.ToFloat64(m.GatewayCalls.WithLabelValues("get_device", "404")); got != 1 {
		t.Errorf("get_device 404 count = %v, want 1", got)
	}
}

func TestFetchAllSuccess(t *testing.T) {
	var devices []model.Device
	var groups []model.TeleopGroup
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/devices":
			io.WriteString(w, `[{"id": 1}, {"id": 2}]`)
		case "/api/teleop-groups":
			io.WriteString(w, `[{"id": 9}]`)
		}
	})
	ctx := context.Background()
	err := FetchAll(ctx,
		Into(&devices, func(ctx context.Context) ([]model.Device, error) { return c.ListDevices(ctx, 0) }),
		Into(&groups, func(ctx context.Context) ([]model.TeleopGroup, error) {
			return c.ListTeleopGroups(ctx, model.TeleopGroupFilter{})
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 || len(groups) != 1 {
		t.Errorf("devices = %d groups = %d", len(devices), len(groups))
	}
}

func TestFetchAllFirstErrorCancelsRest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/devices"):
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"detail": "db down"}`)
		default:
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
				io.WriteString(w, `[]`)
			}
		}
	})

	var devices []model.Device
	var nodes []model.Node
	err := FetchAll(context.Background(),
		Into(&devices, func(ctx context.Context) ([]model.Device, error) { return c.ListDevices(ctx, 0) }),
		Into(&nodes, func(ctx context.Context) ([]model.Node, error) { return c.ListNodes(ctx, "") }),
	)
	if err == nil || err.Error() != "db down" {
		t.Fatalf("err = %v, want db down", err)
	}
	if devices != nil || nodes != nil {
		t.Errorf("partial results stored: devices=%v nodes=%v", devices, nodes)
	}
}
