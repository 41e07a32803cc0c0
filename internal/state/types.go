package state

import (
	"strings"
	"time"
)

// Status is the externally visible robot status
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
	StatusBusy    Status = "BUSY"
	StatusError   Status = "ERROR"
)

// Report fields with a dedicated slot in RobotState. Anything else lands in
// CustomState under its own name.
const (
	FieldPose    = "pose"
	FieldBattery = "battery"
	FieldStatus  = "status"

	// FieldTask marks changes of the derived active task, never a report
	FieldTask = "task"
)

// Vector3 is a position in the map frame
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion is an orientation
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Pose is a position plus orientation
type Pose struct {
	Position    Vector3    `json:"position"`
	Orientation Quaternion `json:"orientation"`
}

// RobotState is a point-in-time snapshot of one robot
type RobotState struct {
	RobotID        string         `json:"robot_id"`
	Pose           *Pose          `json:"pose,omitempty"`
	Battery        float64        `json:"battery_percent"`
	Status         Status         `json:"status"`
	ReportedStatus string         `json:"reported_status,omitempty"`
	StatusMessage  string         `json:"status_message,omitempty"`
	OfflineReason  string         `json:"offline_reason,omitempty"`
	LastSeen       time.Time      `json:"last_seen"`
	CustomState    map[string]any `json:"custom_state"`
	ActiveTaskID   string         `json:"active_task_id,omitempty"`
	Version        uint64         `json:"version"`
}

// Update is a single-field report
type Update struct {
	Field     string
	Value     any
	Message   string    // optional, status reports only
	Timestamp time.Time // report time, used for last-writer-wins
}

// Change is emitted after every visible mutation of a robot
type Change struct {
	Robot  RobotState
	Field  string
	Value  any
	Reason string
}

// NormalizeStatus maps a robot-reported status onto the hub's status set.
// Agents report their own execution states (IDLE, RUNNING, COMPLETED, ...);
// all of those mean the robot is reachable.
func NormalizeStatus(reported string) Status {
	switch strings.ToUpper(strings.TrimSpace(reported)) {
	case string(StatusError):
		return StatusError
	case string(StatusOffline):
		return StatusOffline
	default:
		return StatusOnline
	}
}
