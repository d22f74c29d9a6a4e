package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"teleop-console/internal/gateway"
	"teleop-console/internal/model"
	"teleop-console/internal/store"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeErrorMsg(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps err to a status code. Validation errors are the caller's
// fault, backend 4xx responses pass through and any other backend failure
// is a bad gateway.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	var verr *model.ValidationError
	var aerr *gateway.APIError
	switch {
	case errors.As(err, &verr):
		s.writeErrorMsg(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &aerr):
		status := http.StatusBadGateway
		if aerr.StatusCode >= 400 && aerr.StatusCode < 500 {
			status = aerr.StatusCode
		}
		s.logger.Warn(op+" failed", "status", aerr.StatusCode, "err", aerr)
		s.writeErrorMsg(w, status, aerr.Error())
	case errors.Is(err, store.ErrNotFound):
		s.writeErrorMsg(w, http.StatusNotFound, "not found")
	default:
		s.logger.Error(op+" failed", "err", err)
		s.writeErrorMsg(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON reads a JSON body of at most 1 MB into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &model.ValidationError{Reason: "invalid request body"}
	}
	return nil
}

// pathID parses a positive integer path value.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, &model.ValidationError{Field: name, Reason: "must be a positive integer"}
	}
	return id, nil
}

// queryID parses an optional integer query parameter; absent means 0.
func queryID(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 0 {
		return 0, &model.ValidationError{Field: name, Reason: "must be a non-negative integer"}
	}
	return id, nil
}

// jsonObject accepts either a JSON object or a string holding one, as sent
// by a free-form textarea. Absent or null yields nil.
func jsonObject(field string, raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, &model.ValidationError{Field: field, Reason: "must be a valid JSON object"}
		}
		return model.ParseConfigJSON(field, text)
	}
	return model.ParseConfigJSON(field, trimmed)
}

// Nodes

func (s *Server) handleAPIListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.api.ListNodes(r.Context(), r.URL.Query().Get("uuid"))
	if err != nil {
		s.writeError(w, "list nodes", err)
		return
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

type registerNodeRequest struct {
	UUID string `json:"uuid"`
}

// handleAPIRegisterNode registers a node. A blank UUID is generated.
func (s *Server) handleAPIRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, "register node", err)
			return
		}
	}
	req.UUID = strings.TrimSpace(req.UUID)
	if req.UUID == "" {
		req.UUID = uuid.NewString()
	}
	id, err := s.api.RegisterNode(r.Context(), req.UUID)
	if err != nil {
		s.writeError(w, "register node", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"id": id, "uuid": req.UUID})
}

func (s *Server) handleAPIListRPC(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "list rpc", err)
		return
	}
	methods, err := s.api.ListRPCMethods(r.Context(), id)
	if err != nil {
		s.writeError(w, "list rpc", err)
		return
	}
	s.writeJSON(w, http.StatusOK, methods)
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (s *Server) handleAPICallRPC(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "call rpc", err)
		return
	}
	var req rpcRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, "call rpc", err)
		return
	}
	if strings.TrimSpace(req.Method) == "" {
		s.writeError(w, "call rpc", &model.ValidationError{Field: "method", Reason: "is required"})
		return
	}
	params, err := jsonObject("params", req.Params)
	if err != nil {
		s.writeError(w, "call rpc", err)
		return
	}
	result, err := s.api.CallRPC(r.Context(), id, req.Method, params)
	if err != nil {
		s.writeError(w, "call rpc", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleAPIDeviceSchema(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "device schema", err)
		return
	}
	var (
		categories []string
		types      model.DeviceTypes
	)
	err = gateway.FetchAll(r.Context(),
		gateway.Into(&categories, func(ctx context.Context) ([]string, error) { return s.api.DeviceCategories(ctx, id) }),
		gateway.Into(&types, func(ctx context.Context) (model.DeviceTypes, error) { return s.api.DeviceTypes(ctx, id) }),
	)
	if err != nil {
		s.writeError(w, "device schema", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"categories": categories,
		"types":      types,
		"form":       deviceForm(id, categories, types),
	})
}

func (s *Server) handleAPITeleopSchema(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "teleop schema", err)
		return
	}
	var (
		types   map[string]model.TeleopGroupTypeInfo
		devices []model.Device
	)
	err = gateway.FetchAll(r.Context(),
		gateway.Into(&types, func(ctx context.Context) (map[string]model.TeleopGroupTypeInfo, error) {
			return s.api.TeleopGroupTypes(ctx, id)
		}),
		gateway.Into(&devices, func(ctx context.Context) ([]model.Device, error) { return s.api.ListDevices(ctx, id) }),
	)
	if err != nil {
		s.writeError(w, "teleop schema", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"types": types,
		"form":  teleopForm(id, types, devices),
	})
}

// Devices

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	nodeID, err := queryID(r, "node_id")
	if err != nil {
		s.writeError(w, "list devices", err)
		return
	}
	devices, err := s.api.ListDevices(r.Context(), nodeID)
	if err != nil {
		s.writeError(w, "list devices", err)
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

type deviceRequest struct {
	NodeID      int64                `json:"node_id"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Category    model.DeviceCategory `json:"category"`
	Type        string               `json:"type"`
	Config      json.RawMessage      `json:"config"`
}

// spec converts the form payload, rejecting malformed config before the backend sees it.
func (req *deviceRequest) spec() (model.DeviceSpec, error) {
	cfg, err := jsonObject("config", req.Config)
	if err != nil {
		return model.DeviceSpec{}, err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	spec := model.DeviceSpec{
		NodeID:      req.NodeID,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Category:    req.Category,
		Type:        req.Type,
		Config:      cfg,
	}
	return spec, spec.Validate()
}

func (s *Server) handleAPICreateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, "create device", err)
		return
	}
	spec, err := req.spec()
	if err != nil {
		s.writeError(w, "create device", err)
		return
	}
	resp, err := s.api.CreateDevice(r.Context(), spec)
	if err != nil {
		s.writeError(w, "create device", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleAPITestDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, "test device", err)
		return
	}
	spec, err := req.spec()
	if err != nil {
		s.writeError(w, "test device", err)
		return
	}
	resp, err := s.api.TestDevice(r.Context(), spec)
	if err != nil {
		s.writeError(w, "test device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type deviceUpdateRequest struct {
	Name        *string               `json:"name"`
	Description *string               `json:"description"`
	Category    *model.DeviceCategory `json:"category"`
	Type        *string               `json:"type"`
	Config      json.RawMessage       `json:"config"`
}

func (s *Server) handleAPIUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "update device", err)
		return
	}
	var req deviceUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, "update device", err)
		return
	}
	cfg, err := jsonObject("config", req.Config)
	if err != nil {
		s.writeError(w, "update device", err)
		return
	}
	upd := model.DeviceUpdate{
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Type:        req.Type,
		Config:      cfg,
	}
	if err := upd.Validate(); err != nil {
		s.writeError(w, "update device", err)
		return
	}
	resp, err := s.api.UpdateDevice(r.Context(), id, upd)
	if err != nil {
		s.writeError(w, "update device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "delete device", err)
		return
	}
	if err := s.api.DeleteDevice(r.Context(), id); err != nil {
		s.writeError(w, "delete device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Teleop groups

func (s *Server) handleAPIListTeleopGroups(w http.ResponseWriter, r *http.Request) {
	var f model.TeleopGroupFilter
	var err error
	f.Name = r.URL.Query().Get("name")
	if f.NodeID, err = queryID(r, "node_id"); err == nil {
		f.DeviceID, err = queryID(r, "device_id")
	}
	if err != nil {
		s.writeError(w, "list teleop groups", err)
		return
	}
	groups, err := s.api.ListTeleopGroups(r.Context(), f)
	if err != nil {
		s.writeError(w, "list teleop groups", err)
		return
	}
	s.writeJSON(w, http.StatusOK, groups)
}

// checkSlots fetches the node's group types and devices and validates config against them.
func (s *Server) checkSlots(ctx context.Context, nodeID int64, typeName string, config []int64) error {
	var (
		types   map[string]model.TeleopGroupTypeInfo
		devices []model.Device
	)
	err := gateway.FetchAll(ctx,
		gateway.Into(&types, func(ctx context.Context) (map[string]model.TeleopGroupTypeInfo, error) {
			return s.api.TeleopGroupTypes(ctx, nodeID)
		}),
		gateway.Into(&devices, func(ctx context.Context) ([]model.Device, error) { return s.api.ListDevices(ctx, nodeID) }),
	)
	if err != nil {
		return err
	}
	return validateSlots(typeName, types, config, devices)
}

func (s *Server) handleAPICreateTeleopGroup(w http.ResponseWriter, r *http.Request) {
	var spec model.TeleopGroupSpec
	if err := decodeJSON(w, r, &spec); err != nil {
		s.writeError(w, "create teleop group", err)
		return
	}
	spec.Name = strings.TrimSpace(spec.Name)
	if err := spec.Validate(); err != nil {
		s.writeError(w, "create teleop group", err)
		return
	}
	if err := s.checkSlots(r.Context(), spec.NodeID, spec.Type, spec.Config); err != nil {
		s.writeError(w, "create teleop group", err)
		return
	}
	resp, err := s.api.CreateTeleopGroup(r.Context(), spec)
	if err != nil {
		s.writeError(w, "create teleop group", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleAPIUpdateTeleopGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "update teleop group", err)
		return
	}
	var upd model.TeleopGroupUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		s.writeError(w, "update teleop group", err)
		return
	}
	if err := upd.Validate(); err != nil {
		s.writeError(w, "update teleop group", err)
		return
	}
	if upd.Config != nil {
		current, err := s.api.GetTeleopGroup(r.Context(), id)
		if err != nil {
			s.writeError(w, "update teleop group", err)
			return
		}
		typeName := current.Type
		if upd.Type != nil {
			typeName = *upd.Type
		}
		if err := s.checkSlots(r.Context(), current.NodeID, typeName, upd.Config); err != nil {
			s.writeError(w, "update teleop group", err)
			return
		}
	}
	resp, err := s.api.UpdateTeleopGroup(r.Context(), id, upd)
	if err != nil {
		s.writeError(w, "update teleop group", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIDeleteTeleopGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "delete teleop group", err)
		return
	}
	if err := s.api.DeleteTeleopGroup(r.Context(), id); err != nil {
		s.writeError(w, "delete teleop group", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIStartTeleopGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "start teleop group", err)
		return
	}
	resp, err := s.api.StartTeleopGroup(r.Context(), id)
	if err != nil {
		s.writeError(w, "start teleop group", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIStopTeleopGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, "stop teleop group", err)
		return
	}
	resp, err := s.api.StopTeleopGroup(r.Context(), id)
	if err != nil {
		s.writeError(w, "stop teleop group", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// HDF5

func (s *Server) handleAPIHdf5Folders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.api.Hdf5Folders(r.Context())
	if err != nil {
		s.writeError(w, "hdf5 folders", err)
		return
	}
	s.writeJSON(w, http.StatusOK, folders)
}

func (s *Server) handleAPIHdf5Files(w http.ResponseWriter, r *http.Request) {
	files, err := s.api.Hdf5Files(r.Context(), r.PathValue("folder"))
	if err != nil {
		s.writeError(w, "hdf5 files", err)
		return
	}
	s.writeJSON(w, http.StatusOK, files)
}

type hdf5ProcessRequest struct {
	Folder   string `json:"folder"`
	Filename string `json:"filename"`
}

func (s *Server) handleAPIHdf5Process(w http.ResponseWriter, r *http.Request) {
	var req hdf5ProcessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, "hdf5 process", err)
		return
	}
	switch {
	case strings.TrimSpace(req.Folder) == "":
		s.writeError(w, "hdf5 process", &model.ValidationError{Field: "folder", Reason: "is required"})
		return
	case strings.TrimSpace(req.Filename) == "":
		s.writeError(w, "hdf5 process", &model.ValidationError{Field: "filename", Reason: "is required"})
		return
	}
	res, err := s.api.ProcessHdf5(r.Context(), req.Folder, req.Filename)
	if err != nil {
		s.writeError(w, "hdf5 process", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// VR headsets

func (s *Server) handleAPIListVRs(w http.ResponseWriter, r *http.Request) {
	vrs, err := s.api.ListVRHeadsets(r.Context())
	if err != nil {
		s.writeError(w, "list vrs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, vrs)
}

type vrRequest struct {
	UUID     string          `json:"uuid"`
	DeviceID json.RawMessage `json:"device_id"`
	Info     json.RawMessage `json:"info"`
}

// headset converts the form payload. device_id may be a number, a numeric
// string from a select, or empty/null for no binding.
func (req *vrRequest) headset() (model.VRHeadset, error) {
	vr := model.VRHeadset{UUID: strings.TrimSpace(req.UUID)}
	raw := strings.Trim(strings.TrimSpace(string(req.DeviceID)), `"`)
	if raw != "" && raw != "null" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return vr, &model.ValidationError{Field: "device_id", Reason: "must be a device id"}
		}
		vr.DeviceID = &id
	}
	info, err := jsonObject("info", req.Info)
	if err != nil {
		return vr, err
	}
	vr.Info = info
	return vr, nil
}

func (s *Server) handleAPICreateVR(w http.ResponseWriter, r *http.Request) {
	var req vrRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, "create vr", err)
		return
	}
	vr, err := req.headset()
	if err == nil {
		err = vr.Validate()
	}
	if err != nil {
		s.writeError(w, "create vr", err)
		return
	}
	if vr.Info == nil {
		vr.Info = map[string]any{}
	}
	resp, err := s.api.CreateVRHeadset(r.Context(), vr)
	if err != nil {
		s.writeError(w, "create vr", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleAPIUpdateVR(w http.ResponseWriter, r *http.Request) {
	var req vrRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, "update vr", err)
		return
	}
	vr, err := req.headset()
	if err != nil {
		s.writeError(w, "update vr", err)
		return
	}
	resp, err := s.api.UpdateVRHeadset(r.Context(), r.PathValue("uuid"), vr)
	if err != nil {
		s.writeError(w, "update vr", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIDeleteVR(w http.ResponseWriter, r *http.Request) {
	if err := s.api.DeleteVRHeadset(r.Context(), r.PathValue("uuid")); err != nil {
		s.writeError(w, "delete vr", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
