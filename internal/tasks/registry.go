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

package tasks

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"fleethub/internal/logger"
)

var (
	ErrConflict     = errors.New("robot already has an active task")
	ErrNoActiveTask = errors.New("robot has no active task")
	ErrTaskNotFound = errors.New("task not found")
	ErrInvalidTask  = errors.New("invalid task")
)

const (
	DefaultHistorySize   = 20
	DefaultRetainedTasks = 10000
	DefaultRetainFor     = time.Hour
)

// Config bounds the finished-task history
type Config struct {
	HistorySize   int           `yaml:"history_size"`   // recent finished tasks listed per robot
	RetainedTasks int           `yaml:"retained_tasks"` // finished tasks kept for lookup across the fleet
	RetainFor     time.Duration `yaml:"retain_for"`
}

// Event describes a task transition
type Event struct {
	Task     Task
	Previous Status // empty on creation
}

// Notifier receives every transition while the robot's slot is locked; it must
// not block.
type Notifier func(Event)

// Option configures a Registry
type Option func(*Registry)

// WithClock overrides the registry clock
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithNotifier sets the transition callback
func WithNotifier(notify Notifier) Option {
	return func(r *Registry) {
		r.notify = notify
	}
}

type robotSlot struct {
	mu       sync.Mutex
	active   *Task
	activeID atomic.Value // string, readable without mu
	recent   []string     // finished task ids, oldest first
}

// Registry tracks the single active task of each robot and a bounded history
// of finished ones.
type Registry struct {
	config Config

	slots map[string]*robotSlot
	mutex sync.RWMutex

	// task id -> robot id for active tasks
	index      map[string]string
	indexMutex sync.RWMutex

	finished *expirable.LRU[string, Task]
	evicted  atomic.Int64

	now    func() time.Time
	notify Notifier
	logger zerolog.Logger
}

// NewRegistry creates a registry. Zero config values take defaults.
func NewRegistry(config Config, opts ...Option) *Registry {
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultHistorySize
	}
	if config.RetainedTasks <= 0 {
		config.RetainedTasks = DefaultRetainedTasks
	}
	if config.RetainFor <= 0 {
		config.RetainFor = DefaultRetainFor
	}

	r := &Registry{
		config: config,
		slots:  make(map[string]*robotSlot),
		index:  make(map[string]string),
		now:    time.Now,
		logger: logger.GetLogger("tasks"),
	}
	r.finished = expirable.NewLRU[string, Task](config.RetainedTasks, func(string, Task) {
		r.evicted.Add(1)
	}, config.RetainFor)

	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) slot(robotID string) *robotSlot {
	r.mutex.RLock()
	s, ok := r.slots[robotID]
	r.mutex.RUnlock()
	if ok {
		return s
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if s, ok := r.slots[robotID]; ok {
		return s
	}
	s = &robotSlot{}
	s.activeID.Store("")
	r.slots[robotID] = s
	return s
}

func (r *Registry) lookup(robotID string) (*robotSlot, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	s, ok := r.slots[robotID]
	return s, ok
}

// Create registers a new scheduled task. It fails with ErrConflict while the
// robot has a non-terminal task; requests are never queued.
func (r *Registry) Create(robotID string, target map[string]float64, priority Priority) (Task, error) {
	if robotID == "" {
		return Task{}, fmt.Errorf("%w: robot_id is required", ErrInvalidTask)
	}
	if err := ValidateTarget(target); err != nil {
		return Task{}, err
	}
	if _, err := ParsePriority(string(priority)); err != nil {
		return Task{}, err
	}
	if priority == "" {
		priority = PriorityNormal
	}

	s := r.slot(robotID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return Task{}, fmt.Errorf("%w: %s is running %s", ErrConflict, robotID, s.active.TaskID)
	}

	now := r.now()
	task := &Task{
		TaskID:    newTaskID(now),
		RobotID:   robotID,
		Priority:  priority,
		Status:    StatusScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	task.TargetPosition = make(map[string]float64, len(target))
	for k, v := range target {
		task.TargetPosition[k] = v
	}

	s.active = task
	s.activeID.Store(task.TaskID)

	r.indexMutex.Lock()
	r.index[task.TaskID] = robotID
	r.indexMutex.Unlock()

	r.logger.Info().
		Str("robot_id", robotID).
		Str("task_id", task.TaskID).
		Str("priority", string(priority)).
		Msg("Task created")

	out := task.clone()
	r.emit(Event{Task: out})
	return out, nil
}

// MarkDispatched records that the assignment command went out
func (r *Registry) MarkDispatched(robotID, taskID string) (Task, bool) {
	s, ok := r.lookup(robotID)
	if !ok {
		return Task{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || s.active.TaskID != taskID || s.active.Status != StatusScheduled {
		return Task{}, false
	}
	now := r.now()
	s.active.DispatchedAt = &now
	return r.transition(s, StatusDispatched, s.active.Progress, ""), true
}

// RecordAck applies a robot-reported status to the robot's active task. Acks
// for any other task id are discarded.
func (r *Registry) RecordAck(robotID, taskID string, status Status, progress float64, message string) (Task, bool) {
	s, ok := r.lookup(robotID)
	if !ok {
		return Task{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || s.active.TaskID != taskID {
		r.logger.Debug().
			Str("robot_id", robotID).
			Str("task_id", taskID).
			Msg("Discarding ack for untracked task")
		return Task{}, false
	}

	// A cancelling task stays cancelling until the robot reports an outcome
	if s.active.Status == StatusCancelling && !status.Terminal() {
		status = StatusCancelling
	}
	if status == StatusDispatched && s.active.Status != StatusScheduled {
		status = s.active.Status
	}

	return r.transition(s, status, progress, message), true
}

// Cancel requests cancellation of the robot's active task. A robot known to
// be offline cannot acknowledge, so its task is cancelled immediately.
func (r *Registry) Cancel(robotID, reason string, robotOffline bool) (Task, error) {
	s, ok := r.lookup(robotID)
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNoActiveTask, robotID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return Task{}, fmt.Errorf("%w: %s", ErrNoActiveTask, robotID)
	}

	next := StatusCancelling
	if robotOffline {
		next = StatusCancelled
	}
	return r.transition(s, next, s.active.Progress, reason), nil
}

// FailActive moves the robot's active task to error if it is still taskID.
// A task created after the caller looked is left alone.
func (r *Registry) FailActive(robotID, taskID, reason string) (Task, bool) {
	s, ok := r.lookup(robotID)
	if !ok {
		return Task{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || s.active.TaskID != taskID {
		return Task{}, false
	}
	return r.transition(s, StatusError, s.active.Progress, reason), true
}

// transition updates the active task and retires it on a terminal status.
// Caller holds s.mu and has checked s.active.
func (r *Registry) transition(s *robotSlot, status Status, progress float64, message string) Task {
	task := s.active
	previous := task.Status
	now := r.now()

	task.Status = status
	task.Progress = progress
	task.UpdatedAt = now
	if message != "" {
		task.Message = message
	}

	if status.Terminal() {
		task.FinishedAt = &now
		if status == StatusCompleted {
			task.Progress = 1
		}
		r.retire(s, task)
	}

	if previous != status {
		r.logger.Info().
			Str("robot_id", task.RobotID).
			Str("task_id", task.TaskID).
			Str("from", string(previous)).
			Str("to", string(status)).
			Msg("Task transition")
	}

	out := task.clone()
	r.emit(Event{Task: out, Previous: previous})
	return out
}

// retire moves a terminal task into history. Caller holds s.mu.
func (r *Registry) retire(s *robotSlot, task *Task) {
	s.active = nil
	s.activeID.Store("")

	r.indexMutex.Lock()
	delete(r.index, task.TaskID)
	r.indexMutex.Unlock()

	r.finished.Add(task.TaskID, task.clone())
	s.recent = append(s.recent, task.TaskID)
	if over := len(s.recent) - r.config.HistorySize; over > 0 {
		s.recent = append([]string(nil), s.recent[over:]...)
	}
}

// Get looks up a task by id, active or recently finished
func (r *Registry) Get(taskID string) (Task, error) {
	r.indexMutex.RLock()
	robotID, active := r.index[taskID]
	r.indexMutex.RUnlock()

	if active {
		if s, ok := r.lookup(robotID); ok {
			s.mu.Lock()
			if s.active != nil && s.active.TaskID == taskID {
				out := s.active.clone()
				s.mu.Unlock()
				return out, nil
			}
			s.mu.Unlock()
		}
	}

	// It may have finished between the index read and the slot lock
	if task, ok := r.finished.Get(taskID); ok {
		return task.clone(), nil
	}
	return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// Active returns the robot's non-terminal task
func (r *Registry) Active(robotID string) (Task, bool) {
	s, ok := r.lookup(robotID)
	if !ok {
		return Task{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Task{}, false
	}
	return s.active.clone(), true
}

// ActiveTaskID returns the id of the robot's non-terminal task without taking
// the robot's slot lock, so it is safe to call from the state store while a
// transition notifier is running.
func (r *Registry) ActiveTaskID(robotID string) (string, bool) {
	s, ok := r.lookup(robotID)
	if !ok {
		return "", false
	}
	id, _ := s.activeID.Load().(string)
	return id, id != ""
}

// Recent returns the robot's finished tasks that are still retained, newest
// first
func (r *Registry) Recent(robotID string) []Task {
	s, ok := r.lookup(robotID)
	if !ok {
		return nil
	}

	s.mu.Lock()
	ids := append([]string(nil), s.recent...)
	s.mu.Unlock()

	out := make([]Task, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if task, ok := r.finished.Peek(ids[i]); ok {
			out = append(out, task.clone())
		}
	}
	return out
}

// Stats summarizes registry occupancy
type Stats struct {
	Active   int   `json:"active"`
	Retained int   `json:"retained"`
	Evicted  int64 `json:"evicted"`
}

// Stats returns current counts
func (r *Registry) Stats() Stats {
	r.indexMutex.RLock()
	active := len(r.index)
	r.indexMutex.RUnlock()

	return Stats{
		Active:   active,
		Retained: r.finished.Len(),
		Evicted:  r.evicted.Load(),
	}
}

func (r *Registry) emit(e Event) {
	if r.notify != nil {
		r.notify(e)
	}
}

func newTaskID(now time.Time) string {
	return fmt.Sprintf("task_%d_%s", now.Unix(), uuid.NewString()[:8])
}
