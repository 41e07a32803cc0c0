package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fleethub/internal/gateway"
	"fleethub/internal/logger"
	"fleethub/internal/state"
	"fleethub/internal/tasks"
)

// ErrInvalidReport is returned for robot messages that cannot be applied
var ErrInvalidReport = errors.New("invalid report")

// Ingestor turns robot-originated transport messages into state store
// updates and task acknowledgements
type Ingestor struct {
	store    *state.Store
	registry *tasks.Registry
	logger   zerolog.Logger

	accepted atomic.Int64
	rejected atomic.Int64
}

// NewIngestor creates an ingestor
func NewIngestor(store *state.Store, registry *tasks.Registry) *Ingestor {
	return &Ingestor{
		store:    store,
		registry: registry,
		logger:   logger.GetLogger("ingest"),
	}
}

type positionPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type orientationPayload struct {
	X float64  `json:"x"`
	Y float64  `json:"y"`
	Z float64  `json:"z"`
	W *float64 `json:"w"`
}

type posePayload struct {
	Position    *positionPayload   `json:"position"`
	Orientation orientationPayload `json:"orientation"`
}

type batteryPayload struct {
	Percentage     *float64 `json:"percentage"` // 0..1
	BatteryPercent *float64 `json:"battery_percent"`
}

type statusPayload struct {
	Status   string   `json:"status"`
	Message  string   `json:"message"`
	TaskID   string   `json:"task_id"`
	Progress *float64 `json:"progress"`
}

// Handle is the gateway handler for every robot topic. Bad messages are
// logged and dropped.
func (in *Ingestor) Handle(topic string, payload []byte) {
	if err := in.Ingest(topic, payload); err != nil {
		in.rejected.Add(1)
		in.logger.Warn().
			Err(err).
			Str("topic", topic).
			Int("size", len(payload)).
			Msg("Dropping robot message")
		return
	}
	in.accepted.Add(1)
}

// Ingest applies one robot message
func (in *Ingestor) Ingest(topic string, payload []byte) error {
	rt, err := gateway.ParseRobotTopic(topic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("%w: payload is not a JSON object: %v", ErrInvalidReport, err)
	}
	ts, err := parseTimestamp(fields["timestamp"])
	if err != nil {
		return err
	}

	switch rt.Category {
	case gateway.CategoryHeartbeat:
		return in.heartbeat(rt.RobotID, payload, ts)
	case gateway.CategoryState:
		return in.stateReport(rt.RobotID, rt.Subcategory, payload, fields, ts)
	case gateway.CategoryTask:
		if rt.Subcategory != gateway.StateStatus {
			return fmt.Errorf("%w: unsupported task topic %q", ErrInvalidReport, topic)
		}
		var p statusPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidReport, err)
		}
		if p.TaskID == "" {
			return fmt.Errorf("%w: task_id is required", ErrInvalidReport)
		}
		// a task report proves liveness as well
		if _, err := in.store.Touch(rt.RobotID); err != nil {
			return err
		}
		return in.ack(rt.RobotID, p)
	default:
		return fmt.Errorf("%w: unsupported category %q", ErrInvalidReport, rt.Category)
	}
}

func (in *Ingestor) heartbeat(robotID string, payload []byte, ts time.Time) error {
	var p statusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if p.Status == "" {
		_, err := in.store.Touch(robotID)
		return err
	}
	_, _, err := in.store.Upsert(robotID, state.Update{
		Field:     state.FieldStatus,
		Value:     p.Status,
		Timestamp: ts,
	})
	return err
}

func (in *Ingestor) stateReport(robotID, kind string, payload []byte, fields map[string]json.RawMessage, ts time.Time) error {
	if kind == "" {
		return fmt.Errorf("%w: state topic needs a category", ErrInvalidReport)
	}

	update := state.Update{Field: kind, Timestamp: ts}

	switch kind {
	case gateway.StatePose:
		var p posePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidReport, err)
		}
		if p.Position == nil {
			return fmt.Errorf("%w: pose.position is required", ErrInvalidReport)
		}
		w := 1.0
		if p.Orientation.W != nil {
			w = *p.Orientation.W
		}
		update.Field = state.FieldPose
		update.Value = state.Pose{
			Position:    state.Vector3{X: p.Position.X, Y: p.Position.Y, Z: p.Position.Z},
			Orientation: state.Quaternion{X: p.Orientation.X, Y: p.Orientation.Y, Z: p.Orientation.Z, W: w},
		}

	case gateway.StateBattery:
		var p batteryPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidReport, err)
		}
		switch {
		case p.BatteryPercent != nil:
			update.Value = *p.BatteryPercent
		case p.Percentage != nil:
			update.Value = *p.Percentage * 100
		default:
			return fmt.Errorf("%w: battery needs percentage or battery_percent", ErrInvalidReport)
		}
		if v := update.Value.(float64); math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: battery is not a number", ErrInvalidReport)
		}
		update.Field = state.FieldBattery

	case gateway.StateStatus:
		var p statusPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidReport, err)
		}
		if p.Status == "" {
			return fmt.Errorf("%w: status is required", ErrInvalidReport)
		}
		update.Field = state.FieldStatus
		update.Value = p.Status
		update.Message = p.Message
		if _, _, err := in.store.Upsert(robotID, update); err != nil {
			return err
		}
		if p.TaskID != "" {
			return in.ack(robotID, p)
		}
		return nil

	default:
		custom := make(map[string]any, len(fields))
		for k, raw := range fields {
			if k == "timestamp" {
				continue
			}
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidReport, err)
			}
			custom[k] = v
		}
		update.Value = custom
	}

	_, _, err := in.store.Upsert(robotID, update)
	return err
}

// ack forwards a task status report. Reports that do not map onto the task
// lifecycle (IDLE, for example) carry no task information and are ignored.
func (in *Ingestor) ack(robotID string, p statusPayload) error {
	status, err := tasks.ParseAckStatus(p.Status)
	if err != nil {
		in.logger.Debug().
			Str("robot_id", robotID).
			Str("task_id", p.TaskID).
			Str("status", p.Status).
			Msg("Ignoring non-task status")
		return nil
	}

	progress := 0.0
	if p.Progress != nil {
		progress = *p.Progress
	}
	in.registry.RecordAck(robotID, p.TaskID, status, progress, p.Message)
	return nil
}

// Stats returns accepted and rejected message counts
func (in *Ingestor) Stats() (accepted, rejected int64) {
	return in.accepted.Load(), in.rejected.Load()
}

// parseTimestamp reads the mandatory report timestamp in seconds
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if raw == nil {
		return time.Time{}, fmt.Errorf("%w: timestamp is required", ErrInvalidReport)
	}
	var seconds float64
	if err := json.Unmarshal(raw, &seconds); err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp must be a number of seconds", ErrInvalidReport)
	}
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return time.Time{}, fmt.Errorf("%w: timestamp out of range", ErrInvalidReport)
	}
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(frac*float64(time.Second))), nil
}
