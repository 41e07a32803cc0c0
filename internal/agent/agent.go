// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleethub/internal/gateway"
	"fleethub/internal/logger"
	"fleethub/internal/scheduler"
)

// Agent statuses as reported on the wire
const (
	StatusIdle      = "IDLE"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusCancelled = "CANCELLED"
	StatusError     = "ERROR"
)

// Config for a simulated robot
type Config struct {
	RobotID       string
	Interval      time.Duration // state and heartbeat period
	TaskDuration  time.Duration // time to reach any target
	Battery       float64       // starting charge, percent
	DrainPerTick  float64       // percent lost per interval
	StartPosition [2]float64
}

// Agent is a mock robot: it reports pose, battery and heartbeats on a fixed
// period and drives toward task targets in a straight line.
type Agent struct {
	config Config
	gw     gateway.Gateway
	logger zerolog.Logger

	mutex   sync.Mutex
	status  string
	x, y    float64
	heading float64
	battery float64
	task    *activeTask

	wg sync.WaitGroup
}

type activeTask struct {
	id     string
	cancel context.CancelFunc
}

// New creates an agent publishing through gw
func New(config Config, gw gateway.Gateway) (*Agent, error) {
	if err := gateway.ValidateEntityID(config.RobotID); err != nil {
		return nil, fmt.Errorf("invalid robot id: %w", err)
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.TaskDuration <= 0 {
		config.TaskDuration = 2 * time.Second
	}
	if config.Battery <= 0 {
		config.Battery = 95
	}

	return &Agent{
		config:  config,
		gw:      gw,
		logger:  logger.ForRobot("agent", config.RobotID),
		status:  StatusIdle,
		x:       config.StartPosition[0],
		y:       config.StartPosition[1],
		battery: config.Battery,
	}, nil
}

// Run subscribes to commands and reports until ctx is done. The gateway must
// already be started.
func (a *Agent) Run(ctx context.Context) error {
	sub, err := a.gw.Subscribe(gateway.RobotCommandPattern(a.config.RobotID), func(topic string, payload []byte) {
		a.handleCommand(ctx, topic, payload)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to commands: %w", err)
	}
	defer sub.Unsubscribe()

	a.logger.Info().
		Str("transport", a.gw.Name()).
		Dur("interval", a.config.Interval).
		Msg("Robot agent started")

	a.reportStatus(ctx, StatusIdle, "", "agent started", 0)

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		a.PublishState(ctx)
		select {
		case <-ctx.Done():
			a.stopTask()
			a.wg.Wait()
			a.logger.Info().Msg("Robot agent stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PublishState sends one round of pose, battery and heartbeat
func (a *Agent) PublishState(ctx context.Context) {
	a.mutex.Lock()
	a.battery = math.Max(0, a.battery-a.config.DrainPerTick)
	x, y, heading := a.x, a.y, a.heading
	battery := a.battery
	status := a.status
	a.mutex.Unlock()

	ts := now()
	a.publish(ctx, gateway.RobotStateTopic(a.config.RobotID, gateway.StatePose), map[string]any{
		"position": map[string]float64{"x": x, "y": y, "z": 0},
		"orientation": map[string]float64{
			"x": 0,
			"y": 0,
			"z": math.Sin(heading / 2),
			"w": math.Cos(heading / 2),
		},
		"timestamp": ts,
	})
	a.publish(ctx, gateway.RobotStateTopic(a.config.RobotID, gateway.StateBattery), map[string]any{
		"percentage": battery / 100,
		"timestamp":  ts,
	})
	a.publish(ctx, gateway.RobotHeartbeatTopic(a.config.RobotID), map[string]any{
		"status":    status,
		"timestamp": ts,
	})
}

func (a *Agent) handleCommand(ctx context.Context, topic string, payload []byte) {
	command := topic[strings.LastIndex(topic, "/")+1:]

	switch command {
	case gateway.CommandTask:
		var cmd scheduler.TaskCommand
		if err := json.Unmarshal(payload, &cmd); err != nil || cmd.TaskID == "" {
			a.logger.Warn().Err(err).Msg("Malformed task command")
			a.reportStatus(ctx, StatusError, "", "malformed task command", 0)
			return
		}
		a.startTask(ctx, cmd)

	case gateway.CommandCancel:
		var cmd scheduler.CancelCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			a.logger.Warn().Err(err).Msg("Malformed cancel command")
			return
		}
		a.cancelTask(ctx, cmd)

	default:
		a.logger.Warn().Str("command", command).Msg("Unknown command")
		a.reportStatus(ctx, StatusError, "", "unknown command type: "+command, 0)
	}
}

func (a *Agent) startTask(ctx context.Context, cmd scheduler.TaskCommand) {
	taskCtx, cancel := context.WithCancel(ctx)

	a.mutex.Lock()
	if a.task != nil {
		a.task.cancel()
	}
	a.task = &activeTask{id: cmd.TaskID, cancel: cancel}
	a.status = StatusRunning
	fromX, fromY := a.x, a.y
	a.mutex.Unlock()

	a.logger.Info().
		Str("task_id", cmd.TaskID).
		Interface("target", cmd.TargetPosition).
		Msg("Executing task")
	a.reportStatus(ctx, StatusRunning, cmd.TaskID, "executing task "+cmd.TaskID, 0)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.drive(taskCtx, cmd, fromX, fromY)
	}()
}

// drive moves toward the target in steps and reports completion
func (a *Agent) drive(ctx context.Context, cmd scheduler.TaskCommand, fromX, fromY float64) {
	const steps = 10
	toX, toY := cmd.TargetPosition["x"], cmd.TargetPosition["y"]
	step := a.config.TaskDuration / steps

	ticker := time.NewTicker(step)
	defer ticker.Stop()

	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		progress := float64(i) / steps
		a.mutex.Lock()
		if a.task == nil || a.task.id != cmd.TaskID {
			a.mutex.Unlock()
			return
		}
		a.x = fromX + (toX-fromX)*progress
		a.y = fromY + (toY-fromY)*progress
		a.heading = math.Atan2(toY-fromY, toX-fromX)
		a.mutex.Unlock()

		if i < steps {
			a.reportTask(ctx, cmd.TaskID, StatusRunning, progress, "")
		}
	}

	a.mutex.Lock()
	if a.task == nil || a.task.id != cmd.TaskID {
		a.mutex.Unlock()
		return
	}
	a.task = nil
	a.status = StatusCompleted
	a.mutex.Unlock()

	a.logger.Info().Str("task_id", cmd.TaskID).Msg("Task completed")
	a.reportStatus(context.WithoutCancel(ctx), StatusCompleted, cmd.TaskID, fmt.Sprintf("task %s completed", cmd.TaskID), 1)
}

func (a *Agent) cancelTask(ctx context.Context, cmd scheduler.CancelCommand) {
	a.mutex.Lock()
	task := a.task
	if task == nil || (cmd.TaskID != "" && task.id != cmd.TaskID) {
		a.mutex.Unlock()
		a.logger.Debug().Str("task_id", cmd.TaskID).Msg("Cancel for a task that is not running")
		return
	}
	task.cancel()
	a.task = nil
	a.status = StatusCancelled
	a.mutex.Unlock()

	a.logger.Info().Str("task_id", task.id).Str("reason", cmd.Reason).Msg("Task cancelled")
	a.reportStatus(ctx, StatusCancelled, task.id, "task cancelled: "+cmd.Reason, 0)
}

func (a *Agent) stopTask() {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.task != nil {
		a.task.cancel()
		a.task = nil
	}
}

// reportStatus publishes a robot status; with a task id it doubles as a
// task acknowledgement
func (a *Agent) reportStatus(ctx context.Context, status, taskID, message string, progress float64) {
	a.mutex.Lock()
	a.status = status
	a.mutex.Unlock()

	report := map[string]any{
		"status":    status,
		"message":   message,
		"timestamp": now(),
	}
	if taskID != "" {
		report["task_id"] = taskID
		report["progress"] = progress
	}
	a.publish(ctx, gateway.RobotStateTopic(a.config.RobotID, gateway.StateStatus), report)
}

func (a *Agent) reportTask(ctx context.Context, taskID, status string, progress float64, message string) {
	a.publish(ctx, gateway.RobotTaskStatusTopic(a.config.RobotID), map[string]any{
		"task_id":   taskID,
		"status":    status,
		"progress":  progress,
		"message":   message,
		"timestamp": now(),
	})
}

func (a *Agent) publish(ctx context.Context, topic string, body map[string]any) {
	payload, err := json.Marshal(body)
	if err != nil {
		a.logger.Error().Err(err).Str("topic", topic).Msg("Failed to encode report")
		return
	}
	if err := a.gw.Publish(ctx, topic, payload); err != nil && ctx.Err() == nil {
		a.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish report")
	}
}

// Status returns the agent's current reported status
func (a *Agent) Status() string {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.status
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
