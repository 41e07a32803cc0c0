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

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleethub/internal/gateway"
	"fleethub/internal/logger"
	"fleethub/internal/state"
	"fleethub/internal/tasks"
)

const DefaultBatteryFloor = 20.0

// ErrStopped is returned by a dispatch whose retries were cut short by Run's
// context ending
var ErrStopped = errors.New("scheduler stopped")

// DispatchPolicy controls re-publishing a command after a transport error.
// The zero value publishes once.
type DispatchPolicy struct {
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

// Config for the scheduler
type Config struct {
	BatteryFloor float64        `yaml:"battery_floor"`
	Dispatch     DispatchPolicy `yaml:"dispatch"`
}

// StateReader is the part of the state store the scheduler consults
type StateReader interface {
	Get(robotID string) (state.RobotState, error)
}

// TaskRegistry is the part of the task registry the scheduler drives
type TaskRegistry interface {
	Create(robotID string, target map[string]float64, priority tasks.Priority) (tasks.Task, error)
	MarkDispatched(robotID, taskID string) (tasks.Task, bool)
	Cancel(robotID, reason string, robotOffline bool) (tasks.Task, error)
	FailActive(robotID, taskID, reason string) (tasks.Task, bool)
}

// Publisher sends robot-bound commands
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Request is a direct task assignment to one robot
type Request struct {
	RobotID        string             `json:"robot_id"`
	TargetPosition map[string]float64 `json:"target_position"`
	Priority       string             `json:"priority"`
}

// TaskCommand is published on fms/robot/{id}/cmd/task
type TaskCommand struct {
	TaskID         string             `json:"task_id"`
	TargetPosition map[string]float64 `json:"target_position"`
	Priority       tasks.Priority     `json:"priority"`
	Timestamp      float64            `json:"timestamp"`
}

// CancelCommand is published on fms/robot/{id}/cmd/cancel
type CancelCommand struct {
	TaskID    string  `json:"task_id"`
	Reason    string  `json:"reason"`
	Timestamp float64 `json:"timestamp"`
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock overrides the clock used for command timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler validates task requests against the fleet view and issues the
// resulting commands
type Scheduler struct {
	config    Config
	store     StateReader
	registry  TaskRegistry
	publisher Publisher
	now       func() time.Time
	logger    zerolog.Logger

	// lifetime bounds retry backoffs; requests themselves are detached
	lifetime context.Context
	mutex    sync.RWMutex
}

// New creates a scheduler
func New(config Config, store StateReader, registry TaskRegistry, publisher Publisher, opts ...Option) *Scheduler {
	if config.BatteryFloor <= 0 {
		config.BatteryFloor = DefaultBatteryFloor
	}
	if config.Dispatch.Retries < 0 {
		config.Dispatch.Retries = 0
	}

	s := &Scheduler{
		config:    config,
		store:     store,
		registry:  registry,
		publisher: publisher,
		now:       time.Now,
		logger:    logger.GetLogger("scheduler"),
		lifetime:  context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule assigns a task to the requested robot. Checks run in order:
// the robot exists, is ONLINE, is above the battery floor and has no active
// task. The returned task is the freshly created one with status scheduled.
// If the command cannot be published the task is failed with
// dispatch_failed so the robot does not stay BUSY.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (tasks.Task, error) {
	if err := gateway.ValidateEntityID(req.RobotID); err != nil {
		return tasks.Task{}, reject(ReasonInvalid, "robot_id: %v", err)
	}
	if err := tasks.ValidateTarget(req.TargetPosition); err != nil {
		return tasks.Task{}, reject(ReasonInvalid, "%v", err)
	}
	priority, err := tasks.ParsePriority(req.Priority)
	if err != nil {
		return tasks.Task{}, reject(ReasonInvalid, "%v", err)
	}

	robot, err := s.store.Get(req.RobotID)
	if err != nil {
		return tasks.Task{}, reject(ReasonNotFound, "robot %s is not known", req.RobotID)
	}
	if robot.Status != state.StatusOnline && robot.Status != state.StatusBusy {
		return tasks.Task{}, reject(ReasonUnavailable, "robot %s is %s", req.RobotID, robot.Status)
	}
	if robot.Battery <= s.config.BatteryFloor {
		return tasks.Task{}, reject(ReasonLowBattery, "robot %s battery %.0f%% is at or below %.0f%%",
			req.RobotID, robot.Battery, s.config.BatteryFloor)
	}

	task, err := s.registry.Create(req.RobotID, req.TargetPosition, priority)
	if err != nil {
		if errors.Is(err, tasks.ErrConflict) {
			return tasks.Task{}, reject(ReasonBusy, "%v", err)
		}
		return tasks.Task{}, reject(ReasonInvalid, "%v", err)
	}

	payload, err := json.Marshal(TaskCommand{
		TaskID:         task.TaskID,
		TargetPosition: task.TargetPosition,
		Priority:       task.Priority,
		Timestamp:      s.timestamp(),
	})
	if err != nil {
		return tasks.Task{}, fmt.Errorf("failed to encode task command: %w", err)
	}

	topic := gateway.RobotCommandTopic(req.RobotID, gateway.CommandTask)
	if err := s.dispatch(ctx, topic, payload); err != nil {
		s.logger.Error().
			Err(err).
			Str("robot_id", req.RobotID).
			Str("task_id", task.TaskID).
			Msg("Task command could not be dispatched")
		if failed, ok := s.registry.FailActive(req.RobotID, task.TaskID, "dispatch_failed"); ok {
			task = failed
		}
		return task, nil
	}

	s.registry.MarkDispatched(req.RobotID, task.TaskID)
	s.logger.Info().
		Str("robot_id", req.RobotID).
		Str("task_id", task.TaskID).
		Interface("target", task.TargetPosition).
		Msg("Task dispatched")
	return task, nil
}

// Cancel cancels the robot's active task and publishes the cancel command.
// The command goes out even when the robot is offline.
func (s *Scheduler) Cancel(ctx context.Context, robotID, reason string) (tasks.Task, error) {
	if err := gateway.ValidateEntityID(robotID); err != nil {
		return tasks.Task{}, reject(ReasonInvalid, "robot_id: %v", err)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}

	robot, err := s.store.Get(robotID)
	if err != nil {
		return tasks.Task{}, reject(ReasonNotFound, "robot %s is not known", robotID)
	}

	task, err := s.registry.Cancel(robotID, reason, robot.Status == state.StatusOffline)
	if err != nil {
		if errors.Is(err, tasks.ErrNoActiveTask) {
			return tasks.Task{}, reject(ReasonNoActiveTask, "robot %s has no active task", robotID)
		}
		return tasks.Task{}, err
	}

	payload, err := json.Marshal(CancelCommand{
		TaskID:    task.TaskID,
		Reason:    reason,
		Timestamp: s.timestamp(),
	})
	if err != nil {
		return tasks.Task{}, fmt.Errorf("failed to encode cancel command: %w", err)
	}

	topic := gateway.RobotCommandTopic(robotID, gateway.CommandCancel)
	if err := s.dispatch(ctx, topic, payload); err != nil {
		s.logger.Error().
			Err(err).
			Str("robot_id", robotID).
			Str("task_id", task.TaskID).
			Msg("Cancel command could not be dispatched")
	}
	return task, nil
}

// Run ties pending command retries to ctx and blocks until it is done. Once
// ctx ends, a dispatch waiting out its backoff gives up.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mutex.Lock()
	s.lifetime = ctx
	s.mutex.Unlock()

	<-ctx.Done()
	return nil
}

// dispatch publishes with the configured retry policy. It ignores the
// caller's cancellation: an accepted command goes out even if the HTTP
// client has gone away.
func (s *Scheduler) dispatch(ctx context.Context, topic string, payload []byte) error {
	ctx = context.WithoutCancel(ctx)

	s.mutex.RLock()
	lifetime := s.lifetime
	s.mutex.RUnlock()

	var err error
	for attempt := 0; attempt <= s.config.Dispatch.Retries; attempt++ {
		if attempt > 0 {
			s.logger.Warn().
				Err(err).
				Str("topic", topic).
				Int("attempt", attempt+1).
				Msg("Retrying command publish")

			timer := time.NewTimer(s.config.Dispatch.Backoff)
			select {
			case <-timer.C:
			case <-lifetime.Done():
				timer.Stop()
				return fmt.Errorf("%w after %d attempts: %w", ErrStopped, attempt, err)
			}
		}
		if err = s.publisher.Publish(ctx, topic, payload); err == nil {
			return nil
		}
	}
	return err
}

func (s *Scheduler) timestamp() float64 {
	return float64(s.now().UnixNano()) / float64(time.Second)
}
