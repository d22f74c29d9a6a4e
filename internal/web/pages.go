package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"teleop-console/internal/gateway"
	"teleop-console/internal/model"
	"teleop-console/internal/store"
)

// loadError is the banner text for a failed page load.
func loadError(err error) string {
	var aerr *gateway.APIError
	if errors.As(err, &aerr) {
		return "Backend error: " + aerr.Error()
	}
	if errors.Is(err, context.Canceled) {
		return "Request cancelled"
	}
	return "Failed to load data: " + err.Error()
}

// renderLoaded renders page with data, or with only an error banner when
// any of the page's fetches failed.
func (s *Server) renderLoaded(w http.ResponseWriter, page, title string, err error, data map[string]any) {
	if err != nil {
		s.logger.Warn("page load failed", "page", page, "err", err)
		data = map[string]any{"Error": loadError(err)}
	}
	data["PageTitle"] = title
	s.renderTemplate(w, page, data)
}

func (s *Server) fetchNodes(dst *[]model.Node) func(context.Context) error {
	return gateway.Into(dst, func(ctx context.Context) ([]model.Node, error) { return s.api.ListNodes(ctx, "") })
}

func (s *Server) fetchDevices(dst *[]model.Device, nodeID int64) func(context.Context) error {
	return gateway.Into(dst, func(ctx context.Context) ([]model.Device, error) { return s.api.ListDevices(ctx, nodeID) })
}

func (s *Server) fetchGroups(dst *[]model.TeleopGroup, nodeID int64) func(context.Context) error {
	return gateway.Into(dst, func(ctx context.Context) ([]model.TeleopGroup, error) {
		return s.api.ListTeleopGroups(ctx, model.TeleopGroupFilter{NodeID: nodeID})
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var (
		nodes   []model.Node
		devices []model.Device
		groups  []model.TeleopGroup
	)
	err := gateway.FetchAll(r.Context(),
		s.fetchNodes(&nodes),
		s.fetchDevices(&devices, 0),
		s.fetchGroups(&groups, 0),
	)
	online := 0
	for _, d := range devices {
		if d.Status == model.DeviceOnline {
			online++
		}
	}
	running := 0
	for _, g := range groups {
		if g.Status == model.TeleopRunning {
			running++
		}
	}
	s.renderLoaded(w, "index.html", "Overview", err, map[string]any{
		"Nodes":          nodeViews(nodes),
		"Devices":        deviceViews(devices),
		"Groups":         groupViews(groups, nil, devices),
		"DeviceCount":    len(devices),
		"OnlineCount":    online,
		"GroupCount":     len(groups),
		"RunningCount":   running,
		"ActiveSessions": s.activeSessions(),
	})
}

func (s *Server) handleNodesPage(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.api.ListNodes(r.Context(), r.URL.Query().Get("uuid"))
	s.renderLoaded(w, "nodes.html", "Nodes", err, map[string]any{
		"Nodes": nodeViews(nodes),
		"UUID":  r.URL.Query().Get("uuid"),
	})
}

func (s *Server) handleNodeDetailPage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Node not found", http.StatusNotFound)
		return
	}

	// Only what the first render needs joins the all-or-nothing load.
	var (
		nodes   []model.Node
		devices []model.Device
		groups  []model.TeleopGroup
	)
	err = gateway.FetchAll(r.Context(),
		s.fetchNodes(&nodes),
		s.fetchDevices(&devices, id),
		s.fetchGroups(&groups, id),
	)

	var node *NodeView
	for _, n := range nodeViews(nodes) {
		if n.ID == id {
			node = &n
			break
		}
	}
	if err == nil && node == nil {
		http.Error(w, "Node not found", http.StatusNotFound)
		return
	}
	title := "Node " + strconv.FormatInt(id, 10)
	if err != nil {
		s.renderLoaded(w, "node_detail.html", title, err, nil)
		return
	}

	// Slot names are cosmetic; without them slots are numbered.
	groupTypes, terr := s.api.TeleopGroupTypes(r.Context(), id)
	if terr != nil {
		s.logger.Warn("teleop group types", "node", id, "err", terr)
	}

	// RPC methods are served by the node itself, so an offline node has none.
	var methods []model.RPCMethodInfo
	rpcError := ""
	if node.Status {
		if methods, err = s.api.ListRPCMethods(r.Context(), id); err != nil {
			s.logger.Warn("list rpc methods", "node", id, "err", err)
			rpcError = loadError(err)
		}
	}

	deviceF := deviceForm(id, nil, nil)
	deviceF.SchemaURL = fmt.Sprintf("/api/nodes/%d/device-schema", id)
	teleopF := teleopForm(id, groupTypes, devices)
	teleopF.SchemaURL = fmt.Sprintf("/api/nodes/%d/teleop-schema", id)

	s.renderLoaded(w, "node_detail.html", title, nil, map[string]any{
		"Node":       node,
		"Devices":    deviceViews(devices),
		"Groups":     groupViews(groups, groupTypes, devices),
		"RPCMethods": methods,
		"RPCError":   rpcError,
		"DeviceForm": deviceF,
		"TeleopForm": teleopF,
	})
}

func (s *Server) handleDevicesPage(w http.ResponseWriter, r *http.Request) {
	var (
		devices []model.Device
		groups  []model.TeleopGroup
	)
	err := gateway.FetchAll(r.Context(),
		s.fetchDevices(&devices, 0),
		s.fetchGroups(&groups, 0),
	)
	// Which groups use each device, for the "in use by" column.
	usedBy := make(map[int64][]string)
	for _, g := range groups {
		for _, d := range devices {
			if g.Includes(d.ID) {
				usedBy[d.ID] = append(usedBy[d.ID], g.Name)
			}
		}
	}
	s.renderLoaded(w, "devices.html", "Devices", err, map[string]any{
		"Devices": deviceViews(devices),
		"UsedBy":  usedBy,
	})
}

func (s *Server) handleTeleopGroupsPage(w http.ResponseWriter, r *http.Request) {
	var (
		devices []model.Device
		groups  []model.TeleopGroup
	)
	err := gateway.FetchAll(r.Context(),
		s.fetchDevices(&devices, 0),
		s.fetchGroups(&groups, 0),
	)
	s.renderLoaded(w, "teleop_groups.html", "Teleop groups", err, map[string]any{
		"Groups": groupViews(groups, nil, devices),
	})
}

func (s *Server) handleVRsPage(w http.ResponseWriter, r *http.Request) {
	var (
		vrs     []model.VRHeadset
		devices []model.Device
	)
	err := gateway.FetchAll(r.Context(),
		gateway.Into(&vrs, s.api.ListVRHeadsets),
		s.fetchDevices(&devices, 0),
	)
	s.renderLoaded(w, "vrs.html", "VR headsets", err, map[string]any{
		"VRs":  vrViews(vrs, devices),
		"Form": vrForm(devices),
	})
}

func (s *Server) handleDataPage(w http.ResponseWriter, r *http.Request) {
	folders, err := s.api.Hdf5Folders(r.Context())
	s.renderLoaded(w, "data.html", "Data", err, map[string]any{
		"Folders": folders,
	})
}

func (s *Server) handleRecordingsPage(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"Form":     recordingForm(),
		"Active":   s.activeSessions(),
		"Kind":     r.URL.Query().Get("kind"),
		"Query":    r.URL.Query().Get("q"),
		"Disabled": s.store == nil,
	}
	var err error
	if s.store != nil {
		var f store.RecordingFilter
		if f, err = recordingFilter(r); err == nil {
			data["Recordings"], err = s.store.ListRecordings(f)
		}
	}
	s.renderLoaded(w, "recordings.html", "Recordings", err, data)
}

func (s *Server) handleCleanupPage(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{"Disabled": s.store == nil}
	var err error
	if s.store != nil {
		days := r.URL.Query().Get("older_than_days")
		data["Days"] = days
		data["Preview"], err = s.cleanupPreview(days)
	}
	s.renderLoaded(w, "cleanup.html", "Cleanup", err, data)
}

func (s *Server) handleScriptsPage(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{"Disabled": s.scripts == nil}
	var err error
	if mgr := s.scriptManager(); mgr != nil {
		data["Scripts"], err = mgr.List()
	}
	s.renderLoaded(w, "scripts.html", "Scripts", err, data)
}

func (s *Server) handleSettingsPage(w http.ResponseWriter, r *http.Request) {
	s.renderTemplate(w, "settings.html", map[string]any{
		"PageTitle": "Settings",
		"Settings":  s.settings,
		"Bus":       s.busStatus(),
	})
}
