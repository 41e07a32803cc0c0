package fanout

import (
	"encoding/json"
	"time"

	"fleethub/internal/state"
	"fleethub/internal/tasks"
)

// Kind is the msg_type of an event
type Kind string

const (
	KindStateUpdate Kind = "state_update"
	KindTaskUpdate  Kind = "task_update"
	KindSystemEvent Kind = "system_event"
	KindHeartbeat   Kind = "heartbeat"
)

// ParseKind validates an event kind name
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindStateUpdate, KindTaskUpdate, KindSystemEvent, KindHeartbeat:
		return k, true
	}
	return "", false
}

// Envelope is an event as offered to subscribers. It is serialized flat:
// {"msg_type": kind, ...payload, "timestamp": seconds}.
type Envelope struct {
	Kind      Kind
	EntityID  string
	Payload   map[string]any
	Timestamp time.Time
}

// MarshalJSON flattens the payload next to msg_type and timestamp
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["msg_type"] = e.Kind
	out["timestamp"] = UnixSeconds(e.Timestamp)
	return json.Marshal(out)
}

// UnixSeconds renders t the way agents timestamp their reports
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// StateUpdate builds the event for a state store change
func StateUpdate(c state.Change, now time.Time) Envelope {
	payload := map[string]any{
		"robot_id":   c.Robot.RobotID,
		"state_type": c.Field,
		"data":       c.Value,
		"state":      c.Robot,
	}
	if c.Reason != "" {
		payload["reason"] = c.Reason
	}
	return Envelope{
		Kind:      KindStateUpdate,
		EntityID:  c.Robot.RobotID,
		Payload:   payload,
		Timestamp: now,
	}
}

// TaskUpdate builds the event for a task transition
func TaskUpdate(e tasks.Event, now time.Time) Envelope {
	payload := map[string]any{
		"robot_id": e.Task.RobotID,
		"task_id":  e.Task.TaskID,
		"status":   e.Task.Status,
		"task":     e.Task,
	}
	if e.Previous != "" {
		payload["previous_status"] = e.Previous
	}
	return Envelope{
		Kind:      KindTaskUpdate,
		EntityID:  e.Task.RobotID,
		Payload:   payload,
		Timestamp: now,
	}
}

// RobotOffline builds the system event emitted when a robot goes stale
func RobotOffline(robotID string, lastSeen time.Time, offlineFor time.Duration, now time.Time) Envelope {
	return Envelope{
		Kind:     KindSystemEvent,
		EntityID: robotID,
		Payload: map[string]any{
			"event":            "robot_offline",
			"robot_id":         robotID,
			"last_seen":        UnixSeconds(lastSeen),
			"offline_duration": offlineFor.Seconds(),
		},
		Timestamp: now,
	}
}

// Heartbeat builds a keepalive event
func Heartbeat(now time.Time) Envelope {
	return Envelope{
		Kind:      KindHeartbeat,
		Payload:   map[string]any{},
		Timestamp: now,
	}
}
