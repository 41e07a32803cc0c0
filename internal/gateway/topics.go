package gateway

import (
	"fmt"
	"strings"
)

// Topic hierarchy: fms/{component}/{entity_id}/{category}/{subcategory}
const (
	TopicRoot      = "fms"
	ComponentRobot = "robot"
	ComponentSys   = "system"

	CategoryState     = "state"
	CategoryHeartbeat = "heartbeat"
	CategoryCommand   = "cmd"
	CategoryTask      = "task"

	StatePose    = "pose"
	StateBattery = "battery"
	StateStatus  = "status"

	CommandTask   = "task"
	CommandCancel = "cancel"

	EventRobotOffline = "robot_offline"
)

// Subscription patterns used by the hub
const (
	PatternRobotState     = "fms/robot/*/state/**"
	PatternRobotHeartbeat = "fms/robot/*/heartbeat"
	PatternRobotTaskAck   = "fms/robot/*/task/status"
)

// RobotTopic is a parsed robot-originated topic
type RobotTopic struct {
	RobotID     string
	Category    string
	Subcategory string
}

// RobotStateTopic returns fms/robot/{id}/state/{name}
func RobotStateTopic(robotID, name string) string {
	return join(TopicRoot, ComponentRobot, robotID, CategoryState, name)
}

// RobotHeartbeatTopic returns fms/robot/{id}/heartbeat
func RobotHeartbeatTopic(robotID string) string {
	return join(TopicRoot, ComponentRobot, robotID, CategoryHeartbeat)
}

// RobotTaskStatusTopic returns fms/robot/{id}/task/status
func RobotTaskStatusTopic(robotID string) string {
	return join(TopicRoot, ComponentRobot, robotID, CategoryTask, StateStatus)
}

// RobotCommandTopic returns fms/robot/{id}/cmd/{command}
func RobotCommandTopic(robotID, command string) string {
	return join(TopicRoot, ComponentRobot, robotID, CategoryCommand, command)
}

// RobotCommandPattern matches every command addressed to robotID
func RobotCommandPattern(robotID string) string {
	return join(TopicRoot, ComponentRobot, robotID, CategoryCommand, "**")
}

// SystemEventTopic returns fms/system/event/{name}
func SystemEventTopic(name string) string {
	return join(TopicRoot, ComponentSys, "event", name)
}

func join(parts ...string) string {
	return strings.Join(parts, "/")
}

// ParseRobotTopic splits a robot-originated topic into its parts
func ParseRobotTopic(topic string) (RobotTopic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != TopicRoot || parts[1] != ComponentRobot {
		return RobotTopic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if err := ValidateEntityID(parts[2]); err != nil {
		return RobotTopic{}, fmt.Errorf("%w: %v", ErrInvalidTopic, err)
	}

	rt := RobotTopic{
		RobotID:  parts[2],
		Category: parts[3],
	}
	if len(parts) > 4 {
		rt.Subcategory = strings.Join(parts[4:], "/")
	}

	switch rt.Category {
	case CategoryHeartbeat:
		if rt.Subcategory != "" {
			return RobotTopic{}, fmt.Errorf("%w: heartbeat takes no subcategory: %q", ErrInvalidTopic, topic)
		}
	case CategoryState, CategoryCommand, CategoryTask:
		if rt.Subcategory == "" {
			return RobotTopic{}, fmt.Errorf("%w: missing subcategory: %q", ErrInvalidTopic, topic)
		}
	}

	return rt, nil
}

// ValidateEntityID checks that id is usable as a single topic segment on every
// transport (NATS forbids '.', '*' and '>' inside a token).
func ValidateEntityID(id string) error {
	if id == "" {
		return fmt.Errorf("entity id is empty")
	}
	if len(id) > 128 {
		return fmt.Errorf("entity id too long")
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return fmt.Errorf("entity id %q contains invalid character %q", id, c)
		}
	}
	return nil
}

// Match reports whether topic matches pattern. "*" matches exactly one
// segment, "**" matches zero or more segments.
func Match(pattern, topic string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(topic, "/"))
}

func matchSegments(pattern, topic []string) bool {
	for len(pattern) > 0 {
		head := pattern[0]
		if head == "**" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(topic); i++ {
				if matchSegments(rest, topic[i:]) {
					return true
				}
			}
			return false
		}
		if len(topic) == 0 {
			return false
		}
		if head != "*" && head != topic[0] {
			return false
		}
		if topic[0] == "" {
			return false
		}
		pattern = pattern[1:]
		topic = topic[1:]
	}
	return len(topic) == 0
}

// LiteralPrefix returns the part of pattern before its first wildcard
// segment, suitable for prefix-filtering transports.
func LiteralPrefix(pattern string) string {
	parts := strings.Split(pattern, "/")
	for i, p := range parts {
		if p == "*" || p == "**" {
			if i == 0 {
				return ""
			}
			return strings.Join(parts[:i], "/") + "/"
		}
	}
	return pattern
}
