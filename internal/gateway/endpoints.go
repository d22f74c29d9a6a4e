package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"teleop-console/internal/model"
)

// Nodes

// ListNodes returns every node, or only the node with uuid when it is non-empty.
func (c *Client) ListNodes(ctx context.Context, uuid string) ([]model.Node, error) {
	var q url.Values
	if uuid != "" {
		q = url.Values{"uuid": {uuid}}
	}
	return get[[]model.Node](ctx, c, "list_nodes", "/api/nodes", q)
}

// RegisterNode registers a node by uuid and returns its id.
func (c *Client) RegisterNode(ctx context.Context, uuid string) (int64, error) {
	resp, err := send[struct {
		ID int64 `json:"id"`
	}](ctx, c, "register_node", http.MethodPost, "/api/node", map[string]string{"uuid": uuid})
	return resp.ID, err
}

// ListRPCMethods lists the passthrough RPC methods a node exposes.
func (c *Client) ListRPCMethods(ctx context.Context, nodeID int64) ([]model.RPCMethodInfo, error) {
	resp, err := get[struct {
		Methods []model.RPCMethodInfo `json:"methods"`
	}](ctx, c, "list_rpc", idPath("/api/nodes/%d/rpc", nodeID), nil)
	return resp.Methods, err
}

// CallRPC invokes method on the node. params is omitted from the request when nil.
func (c *Client) CallRPC(ctx context.Context, nodeID int64, method string, params map[string]any) (any, error) {
	body := struct {
		Method string         `json:"method"`
		Params map[string]any `json:"params,omitempty"`
	}{method, params}
	resp, err := send[struct {
		Result any `json:"result"`
	}](ctx, c, "call_rpc", http.MethodPost, idPath("/api/nodes/%d/rpc", nodeID), body)
	return resp.Result, err
}

// Devices

func nodeQuery(nodeID int64) url.Values {
	if nodeID == 0 {
		return nil
	}
	return url.Values{"node_id": {strconv.FormatInt(nodeID, 10)}}
}

// DeviceCategories lists the categories the node supports.
func (c *Client) DeviceCategories(ctx context.Context, nodeID int64) ([]string, error) {
	return get[[]string](ctx, c, "device_categories", "/api/device/categories", nodeQuery(nodeID))
}

// DeviceTypes returns the device type schemas of the node, by category.
func (c *Client) DeviceTypes(ctx context.Context, nodeID int64) (model.DeviceTypes, error) {
	return get[model.DeviceTypes](ctx, c, "device_types", "/api/device/types", nodeQuery(nodeID))
}

// ListDevices returns all devices, or only those of nodeID when it is non-zero.
func (c *Client) ListDevices(ctx context.Context, nodeID int64) ([]model.Device, error) {
	return get[[]model.Device](ctx, c, "list_devices", "/api/devices", nodeQuery(nodeID))
}

// GetDevice returns one device.
func (c *Client) GetDevice(ctx context.Context, id int64) (model.Device, error) {
	return get[model.Device](ctx, c, "get_device", idPath("/api/devices/%d", id), nil)
}

// CreateDevice registers a device on spec.NodeID.
func (c *Client) CreateDevice(ctx context.Context, spec model.DeviceSpec) (model.MessageResponse, error) {
	return send[model.MessageResponse](ctx, c, "create_device", http.MethodPost, "/api/devices", spec)
}

// UpdateDevice replaces the mutable fields of a device.
func (c *Client) UpdateDevice(ctx context.Context, id int64, upd model.DeviceUpdate) (model.MessageResponse, error) {
	return send[model.MessageResponse](ctx, c, "update_device", http.MethodPut, idPath("/api/devices/%d", id), upd)
}

// DeleteDevice removes a device.
func (c *Client) DeleteDevice(ctx context.Context, id int64) error {
	return c.do(ctx, call{op: "delete_device", method: http.MethodDelete, path: idPath("/api/devices/%d", id)}, nil)
}

// TestDevice asks the node to probe a device configuration without saving it.
func (c *Client) TestDevice(ctx context.Context, spec model.DeviceSpec) (model.MessageResponse, error) {
	return send[model.MessageResponse](ctx, c, "test_device", http.MethodPost, "/api/devices/test", spec)
}

// Teleop groups

// TeleopGroupTypes returns the teleop group type schemas of the node, by type name.
func (c *Client) TeleopGroupTypes(ctx context.Context, nodeID int64) (map[string]model.TeleopGroupTypeInfo, error) {
	return get[map[string]model.TeleopGroupTypeInfo](ctx, c, "teleop_group_types", "/api/teleop-groups/types", nodeQuery(nodeID))
}

// ListTeleopGroups returns the groups matching f. Zero filter fields are not sent.
func (c *Client) ListTeleopGroups(ctx context.Context, f model.TeleopGroupFilter) ([]model.TeleopGroup, error) {
	q := url.Values{}
	if f.Name != "" {
		q.Set("name", f.Name)
	}
	if f.DeviceID != 0 {
		q.Set("device_id", strconv.FormatInt(f.DeviceID, 10))
	}
	if f.NodeID != 0 {
		q.Set("node_id", strconv.FormatInt(f.NodeID, 10))
	}
	return get[[]model.TeleopGroup](ctx, c, "list_teleop_groups", "/api/teleop-groups", q)
}

// GetTeleopGroup returns one group.
func (c *Client) GetTeleopGroup(ctx context.Context, id int64) (model.TeleopGroup, error) {
	return get[model.TeleopGroup](ctx, c, "get_teleop_group", idPath("/api/teleop-groups/%d", id), nil)
}

// CreateTeleopGroup creates a group; spec.Config lists one device ID per slot.
func (c *Client) CreateTeleopGroup(ctx context.Context, spec model.TeleopGroupSpec) (model.MessageResponse, error) {
	return send[model.MessageResponse](ctx, c, "create_teleop_group", http.MethodPost, "/api/teleop-groups", spec)
}

// UpdateTeleopGroup replaces the mutable fields of a group.
func (c *Client) UpdateTeleopGroup(ctx context.Context, id int64, upd model.TeleopGroupUpdate) (model.MessageResponse, error) {
	return send[model.MessageResponse](ctx, c, "update_teleop_group", http.MethodPut, idPath("/api/teleop-groups/%d", id), upd)
}

// DeleteTeleopGroup removes a group.
func (c *Client) DeleteTeleopGroup(ctx context.Context, id int64) error {
	return c.do(ctx, call{op: "delete_teleop_group", method: http.MethodDelete, path: idPath("/api/teleop-groups/%d", id)}, nil)
}

// StartTeleopGroup starts a group. Its status topic reports the result.
func (c *Client) StartTeleopGroup(ctx context.Context, id int64) (model.MessageResponse, error) {
	return send[model.MessageResponse](ctx, c, "start_teleop_group", http.MethodPost, idPath("/api/teleop-groups/%d/start", id), nil)
}

// StopTeleopGroup stops a running group.
func (c *Client) StopTeleopGroup(ctx context.Context, id int64) (model.MessageResponse, error) {
	return send[model.MessageResponse](ctx, c, "stop_teleop_group", http.MethodPost, idPath("/api/teleop-groups/%d/stop", id), nil)
}

// HDF5 data

// Hdf5Folders lists the recorded data folders.
func (c *Client) Hdf5Folders(ctx context.Context) ([]model.Hdf5Folder, error) {
	return get[[]model.Hdf5Folder](ctx, c, "hdf5_folders", "/api/hdf5/folders", nil)
}

// Hdf5Files lists the files of folder. The folder name is path-escaped.
func (c *Client) Hdf5Files(ctx context.Context, folder string) ([]model.Hdf5File, error) {
	return get[[]model.Hdf5File](ctx, c, "hdf5_files", "/api/hdf5/files/"+url.PathEscape(folder), nil)
}

// ProcessHdf5 decodes the camera frames of one file.
func (c *Client) ProcessHdf5(ctx context.Context, folder, filename string) (model.Hdf5ProcessResult, error) {
	body := map[string]string{"folder": folder, "filename": filename}
	return send[model.Hdf5ProcessResult](ctx, c, "hdf5_process", http.MethodPost, "/api/hdf5/process", body)
}

// VR headsets

func vrPath(uuid string) string {
	return "/api/vrs/" + url.PathEscape(uuid)
}

// ListVRHeadsets returns every registered headset.
func (c *Client) ListVRHeadsets(ctx context.Context) ([]model.VRHeadset, error) {
	return get[[]model.VRHeadset](ctx, c, "list_vrs", "/api/vrs", nil)
}

// GetVRHeadset returns the headset with uuid.
func (c *Client) GetVRHeadset(ctx context.Context, uuid string) (model.VRHeadset, error) {
	return get[model.VRHeadset](ctx, c, "get_vr", vrPath(uuid), nil)
}

// CreateVRHeadset registers a headset.
func (c *Client) CreateVRHeadset(ctx context.Context, vr model.VRHeadset) (model.MessageResponse, error) {
	return send[model.MessageResponse](ctx, c, "create_vr", http.MethodPost, "/api/vrs", vr)
}

// UpdateVRHeadset rebinds the headset. A nil DeviceID unbinds it.
func (c *Client) UpdateVRHeadset(ctx context.Context, uuid string, vr model.VRHeadset) (model.MessageResponse, error) {
	body := struct {
		DeviceID *int64        `json:"device_id"`
		Info     map[string]any `json:"info,omitempty"`
	}{vr.DeviceID, vr.Info}
	return send[model.MessageResponse](ctx, c, "update_vr", http.MethodPut, vrPath(uuid), body)
}

// DeleteVRHeadset removes a headset.
func (c *Client) DeleteVRHeadset(ctx context.Context, uuid string) error {
	return c.do(ctx, call{op: "delete_vr", method: http.MethodDelete, path: vrPath(uuid)}, nil)
}
