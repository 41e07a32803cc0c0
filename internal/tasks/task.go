package tasks

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a task
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusDispatched Status = "dispatched"
	StatusInProgress Status = "in_progress"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusError      Status = "error"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusError:
		return true
	}
	return false
}

// Priority of a task request
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority validates a priority string. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, s)
	}
}

// ParseAckStatus maps a robot-reported task status onto the task lifecycle.
// Robots report in their own vocabulary so both forms are accepted.
func ParseAckStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DISPATCHED", "ACCEPTED":
		return StatusDispatched, nil
	case "RUNNING", "IN_PROGRESS", "EXECUTING":
		return StatusInProgress, nil
	case "COMPLETED", "SUCCEEDED", "DONE":
		return StatusCompleted, nil
	case "CANCELLED", "CANCELED":
		return StatusCancelled, nil
	case "ERROR", "FAILED":
		return StatusError, nil
	default:
		return "", fmt.Errorf("%w: unknown task status %q", ErrInvalidTask, s)
	}
}

// Task is a navigation assignment for a single robot
type Task struct {
	TaskID         string             `json:"task_id"`
	RobotID        string             `json:"robot_id"`
	TargetPosition map[string]float64 `json:"target_position"`
	Priority       Priority           `json:"priority"`
	Status         Status             `json:"status"`
	Progress       float64            `json:"progress"`
	Message        string             `json:"message,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	DispatchedAt   *time.Time         `json:"dispatched_at,omitempty"`
	FinishedAt     *time.Time         `json:"finished_at,omitempty"`
}

func (t Task) clone() Task {
	out := t
	out.TargetPosition = make(map[string]float64, len(t.TargetPosition))
	for k, v := range t.TargetPosition {
		out.TargetPosition[k] = v
	}
	if t.DispatchedAt != nil {
		ts := *t.DispatchedAt
		out.DispatchedAt = &ts
	}
	if t.FinishedAt != nil {
		ts := *t.FinishedAt
		out.FinishedAt = &ts
	}
	return out
}

// ValidateTarget checks that a target carries at least x and y
func ValidateTarget(target map[string]float64) error {
	if len(target) == 0 {
		return fmt.Errorf("%w: target_position is required", ErrInvalidTask)
	}
	for _, axis := range []string{"x", "y"} {
		if _, ok := target[axis]; !ok {
			return fmt.Errorf("%w: target_position.%s is required", ErrInvalidTask, axis)
		}
	}
	return nil
}
