package model

// Node is a host running robot-control software, registered with the backend.
type Node struct {
	ID        int64  `json:"id"`
	UUID      string `json:"uuid"`
	Status    bool   `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// DeviceCategory is the fixed device classification used by teleop group slots.
type DeviceCategory string

const (
	CategoryVR     DeviceCategory = "VR"
	CategoryRobot  DeviceCategory = "Robot"
	CategoryCamera DeviceCategory = "Camera"
)

// Categories lists every known device category in display order.
var Categories = []DeviceCategory{CategoryVR, CategoryRobot, CategoryCamera}

// Valid reports whether c is one of the known categories.
func (c DeviceCategory) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// DeviceStatus is the tri-state connection status of a device.
type DeviceStatus int

const (
	DeviceOffline      DeviceStatus = 0
	DeviceOnline       DeviceStatus = 1
	DeviceReconnecting DeviceStatus = 2
)

func (s DeviceStatus) String() string {
	switch s {
	case DeviceOnline:
		return "online"
	case DeviceReconnecting:
		return "reconnecting"
	default:
		return "offline"
	}
}

// Device is a peripheral (robot arm, camera, VR headset) attached to a node.
type Device struct {
	ID          int64          `json:"id"`
	NodeID      int64          `json:"node_id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    DeviceCategory `json:"category"`
	Type        string         `json:"type"`
	Config      map[string]any `json:"config"`
	Status      DeviceStatus   `json:"status"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// DeviceSpec is the payload used to create or test a device.
type DeviceSpec struct {
	NodeID      int64          `json:"node_id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    DeviceCategory `json:"category"`
	Type        string         `json:"type"`
	Config      map[string]any `json:"config"`
}

// DeviceUpdate is a partial device update. Nil fields are left untouched by the backend.
type DeviceUpdate struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Category    *DeviceCategory `json:"category,omitempty"`
	Type        *string         `json:"type,omitempty"`
	Config      map[string]any  `json:"config,omitempty"`
}

// ConfigField describes one configuration key a device type needs.
type ConfigField struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
}

// DeviceTypeInfo is the schema of one device type.
type DeviceTypeInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	NeedConfig  map[string]ConfigField `json:"need_config"`
}

// DeviceTypes maps category -> type name -> schema.
type DeviceTypes map[string]map[string]DeviceTypeInfo

// TeleopStatus is the run state of a teleop group.
type TeleopStatus int

const (
	TeleopStopped TeleopStatus = 0
	TeleopRunning TeleopStatus = 1
)

// CollectingStatus reports whether a teleop group is recording data.
type CollectingStatus int

const (
	CollectingIdle   CollectingStatus = 0
	CollectingActive CollectingStatus = 1
)

// TeleopGroup is a set of devices operated together.
// Config holds device IDs positionally, one per slot of the group type schema.
type TeleopGroup struct {
	ID          int64        `json:"id"`
	NodeID      int64        `json:"node_id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Type        string       `json:"type"`
	Config      []int64      `json:"config"`
	Status      TeleopStatus `json:"status"`
	CreatedAt   string       `json:"created_at"`
	UpdatedAt   string       `json:"updated_at"`
}

// Includes reports whether the group references the device.
func (g *TeleopGroup) Includes(deviceID int64) bool {
	for _, id := range g.Config {
		if id == deviceID {
			return true
		}
	}
	return false
}

// TeleopGroupSpec is the payload used to create a teleop group.
type TeleopGroupSpec struct {
	NodeID      int64   `json:"node_id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Type        string  `json:"type"`
	Config      []int64 `json:"config"`
}

// TeleopGroupUpdate is a partial teleop group update.
type TeleopGroupUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Type        *string `json:"type,omitempty"`
	Config      []int64 `json:"config,omitempty"`
}

// TeleopSlot is one positional device slot of a teleop group type.
type TeleopSlot struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// TeleopGroupTypeInfo is the schema of one teleop group type.
type TeleopGroupTypeInfo struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	NeedConfig  []TeleopSlot `json:"need_config"`
}

// TeleopGroupFilter narrows a teleop group listing. Zero fields are ignored.
type TeleopGroupFilter struct {
	Name     string
	DeviceID int64
	NodeID   int64
}

// Recording kinds.
const (
	KindRecording = "recording"
	KindTeaching  = "teaching"
)

// Recording is a captured teleop session or teaching dataset kept in the local catalog.
type Recording struct {
	ID            string `json:"id"`
	TeleopGroupID int64  `json:"teleop_group_id"`
	OperatorName  string `json:"operator_name"`
	RobotID       string `json:"robot_id"`
	StartTime     string `json:"start_time"`
	Duration      string `json:"duration"`
	VideoPath     string `json:"video_path"`
	DataPath      string `json:"data_path"`
	Kind          string `json:"kind"`
	Name          string `json:"name,omitempty"`
	SizeBytes     int64  `json:"size_bytes"`
}

// Hdf5Folder is a directory of HDF5 episode files on the backend.
type Hdf5Folder struct {
	Name      string `json:"name"`
	Hdf5Count int    `json:"hdf5_count"`
}

// Hdf5File is one HDF5 episode file.
type Hdf5File struct {
	Name   string `json:"name"`
	Size   string `json:"size"`
	Folder string `json:"folder"`
}

// Frame is a single base64-encoded camera frame.
type Frame struct {
	Index int    `json:"index"`
	Data  string `json:"data"`
}

// Hdf5ProcessResult holds the decoded camera frames of one HDF5 file.
type Hdf5ProcessResult struct {
	Success      bool               `json:"success"`
	CameraImages map[string][]Frame `json:"camera_images"`
	TotalFrames  int                `json:"total_frames"`
	CameraNames  []string           `json:"camera_names"`
}

// VRHeadset binds a headset UUID to an optional VR device.
type VRHeadset struct {
	UUID      string         `json:"uuid"`
	DeviceID  *int64         `json:"device_id"`
	Info      map[string]any `json:"info"`
	CreatedAt string         `json:"created_at,omitempty"`
	UpdatedAt string         `json:"updated_at,omitempty"`
}

// RPCMethodInfo describes a passthrough RPC method exposed by a node.
type RPCMethodInfo struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Params      map[string]string `json:"params"`
}

// MessageResponse is the generic acknowledgement returned by mutating endpoints.
type MessageResponse struct {
	Message string `json:"message"`
	ID      int64  `json:"id,omitempty"`
}
