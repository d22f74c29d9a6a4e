package statusbus

import (
	"fmt"
	"strconv"
	"strings"
)

// Topic kinds.
const (
	KindNode       = "node"
	KindDevice     = "device"
	KindTeleop     = "teleop"
	KindCollecting = "collecting"
)

// Key identifies the entity a status topic belongs to.
// ID is the device or teleop group ID; it is zero for node topics.
type Key struct {
	Kind   string `json:"kind"`
	NodeID int64  `json:"node_id"`
	ID     int64  `json:"id"`
}

// Topic returns the bus topic for the key.
func (k Key) Topic() (string, error) {
	switch k.Kind {
	case KindNode:
		return NodeStatusTopic(k.NodeID), nil
	case KindDevice:
		return DeviceStatusTopic(k.NodeID, k.ID), nil
	case KindTeleop:
		return TeleopStatusTopic(k.NodeID, k.ID), nil
	case KindCollecting:
		return TeleopCollectingTopic(k.NodeID, k.ID), nil
	default:
		return "", fmt.Errorf("unknown topic kind %q", k.Kind)
	}
}

// NodeStatusTopic carries the node online flag.
func NodeStatusTopic(nodeID int64) string {
	return fmt.Sprintf("node/%d/status", nodeID)
}

// DeviceStatusTopic carries a model.DeviceStatus value.
func DeviceStatusTopic(nodeID, deviceID int64) string {
	return fmt.Sprintf("node/%d/device/%d/status", nodeID, deviceID)
}

// TeleopStatusTopic carries 1 while the group runs, 0 otherwise.
func TeleopStatusTopic(nodeID, groupID int64) string {
	return fmt.Sprintf("node/%d/teleop-group/%d/status", nodeID, groupID)
}

// TeleopCollectingTopic carries 1 while the group records data.
func TeleopCollectingTopic(nodeID, groupID int64) string {
	return fmt.Sprintf("node/%d/teleop-group/%d/collecting", nodeID, groupID)
}

// ParseTopic recognises the four status topic shapes.
func ParseTopic(topic string) (Key, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != "node" {
		return Key{}, false
	}
	nodeID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Key{}, false
	}

	switch {
	case len(parts) == 3 && parts[2] == "status":
		return Key{Kind: KindNode, NodeID: nodeID}, true
	case len(parts) == 5 && parts[2] == "device" && parts[4] == "status":
		id, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return Key{}, false
		}
		return Key{Kind: KindDevice, NodeID: nodeID, ID: id}, true
	case len(parts) == 5 && parts[2] == "teleop-group":
		id, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return Key{}, false
		}
		switch parts[4] {
		case "status":
			return Key{Kind: KindTeleop, NodeID: nodeID, ID: id}, true
		case "collecting":
			return Key{Kind: KindCollecting, NodeID: nodeID, ID: id}, true
		}
	}
	return Key{}, false
}

// topicKind labels a topic for metrics.
func topicKind(topic string) string {
	if k, ok := ParseTopic(topic); ok {
		return k.Kind
	}
	return "other"
}
