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

package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleethub/internal/logger"
)

var (
	// ErrRobotNotFound is returned when a robot has never reported
	ErrRobotNotFound = errors.New("robot not found")
	// ErrInvalidUpdate is returned for malformed updates
	ErrInvalidUpdate = errors.New("invalid update")
)

// TaskIndex reports the active task of a robot. BUSY is derived from it at
// read time and never stored.
type TaskIndex interface {
	ActiveTaskID(robotID string) (string, bool)
}

// Notifier receives every change. It is called while the robot's lock is
// held so that changes for one robot are observed in order; it must not block.
type Notifier func(Change)

// Option configures a Store
type Option func(*Store)

// WithClock overrides the clock used for last_seen
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithTaskIndex sets the source of the derived BUSY status
func WithTaskIndex(index TaskIndex) Option {
	return func(s *Store) {
		s.tasks = index
	}
}

// WithNotifier sets the change callback
func WithNotifier(notify Notifier) Option {
	return func(s *Store) {
		s.notify = notify
	}
}

type robotEntry struct {
	mu         sync.Mutex
	state      RobotState
	fieldTimes map[string]time.Time
	baseStatus Status // status implied by the last applied status report

	activeTaskID   string // active task seen by the last snapshot
	notifiedTaskID string // active task carried by the last notification
}

// Store is the authoritative table of robot state. The table lock only guards
// membership; each robot has its own lock so reports for different robots
// never contend.
type Store struct {
	robots map[string]*robotEntry
	mutex  sync.RWMutex
	now    func() time.Time
	tasks  TaskIndex
	notify Notifier
	logger zerolog.Logger
}

// NewStore creates an empty store
func NewStore(opts ...Option) *Store {
	s := &Store{
		robots: make(map[string]*robotEntry),
		now:    time.Now,
		logger: logger.GetLogger("state"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// entry returns the entry for robotID, creating it with default state
func (s *Store) entry(robotID string) *robotEntry {
	s.mutex.RLock()
	e, ok := s.robots[robotID]
	s.mutex.RUnlock()
	if ok {
		return e
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if e, ok := s.robots[robotID]; ok {
		return e
	}
	e = &robotEntry{
		state: RobotState{
			RobotID:     robotID,
			Status:      StatusOffline,
			CustomState: make(map[string]any),
		},
		fieldTimes: make(map[string]time.Time),
		baseStatus: StatusOnline,
	}
	s.robots[robotID] = e

	s.logger.Info().Str("robot_id", robotID).Msg("Robot registered")
	return e
}

func (s *Store) lookup(robotID string) (*robotEntry, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	e, ok := s.robots[robotID]
	return e, ok
}

// Upsert applies a single-field update unless an update for the same field
// with a newer timestamp was already applied. Any report, applied or not,
// refreshes last_seen and brings an OFFLINE robot back. It returns the
// resulting snapshot and whether the field was applied.
func (s *Store) Upsert(robotID string, u Update) (RobotState, bool, error) {
	if robotID == "" {
		return RobotState{}, false, fmt.Errorf("%w: robot id is required", ErrInvalidUpdate)
	}
	if err := validateUpdate(u); err != nil {
		return RobotState{}, false, err
	}

	e := s.entry(robotID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.LastSeen = s.now()

	applied := false
	if last, seen := e.fieldTimes[u.Field]; !seen || !u.Timestamp.Before(last) {
		e.apply(u)
		e.fieldTimes[u.Field] = u.Timestamp
		applied = true
	} else {
		s.logger.Debug().
			Str("robot_id", robotID).
			Str("field", u.Field).
			Time("report_time", u.Timestamp).
			Time("applied_time", last).
			Msg("Discarding out-of-order report")
	}

	revived := false
	if !(applied && u.Field == FieldStatus && e.baseStatus == StatusOffline) {
		revived = e.revive()
	}

	snapshot := s.snapshot(e)
	if applied || revived {
		e.state.Version++
		snapshot.Version = e.state.Version
		s.emit(e, Change{Robot: snapshot, Field: u.Field, Value: u.Value})
	}

	return snapshot, applied, nil
}

// Touch records a liveness report that carries no field data
func (s *Store) Touch(robotID string) (RobotState, error) {
	if robotID == "" {
		return RobotState{}, fmt.Errorf("%w: robot id is required", ErrInvalidUpdate)
	}

	e := s.entry(robotID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.LastSeen = s.now()
	revived := e.revive()

	snapshot := s.snapshot(e)
	if revived {
		e.state.Version++
		snapshot.Version = e.state.Version
		s.emit(e, Change{Robot: snapshot, Field: FieldStatus, Value: string(snapshot.Status)})
	}
	return snapshot, nil
}

// MarkOffline flips a robot to OFFLINE. It is a no-op when the robot is
// already OFFLINE or, with a non-zero cutoff, when it has reported at or
// after cutoff.
func (s *Store) MarkOffline(robotID, reason string, cutoff time.Time) (RobotState, bool) {
	e, ok := s.lookup(robotID)
	if !ok {
		return RobotState{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Status == StatusOffline {
		return s.snapshot(e), false
	}
	if !cutoff.IsZero() && !e.state.LastSeen.Before(cutoff) {
		return s.snapshot(e), false
	}

	e.state.Status = StatusOffline
	e.state.OfflineReason = reason
	e.state.Version++

	snapshot := s.snapshot(e)
	s.emit(e, Change{Robot: snapshot, Field: FieldStatus, Value: string(StatusOffline), Reason: reason})
	return snapshot, true
}

// Refresh notifies observers when the robot's active task, and with it the
// derived BUSY status, has changed since the last notification. The task
// registry's notifier calls it so the flip is ordered with the robot's
// reports.
func (s *Store) Refresh(robotID, reason string) (RobotState, bool) {
	e, ok := s.lookup(robotID)
	if !ok {
		return RobotState{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot := s.snapshot(e)
	if snapshot.ActiveTaskID == e.notifiedTaskID {
		return snapshot, false
	}
	s.emit(e, Change{Robot: snapshot, Field: FieldTask, Value: snapshot.ActiveTaskID, Reason: reason})
	return snapshot, true
}

// Get returns a snapshot of one robot
func (s *Store) Get(robotID string) (RobotState, error) {
	e, ok := s.lookup(robotID)
	if !ok {
		return RobotState{}, fmt.Errorf("%w: %s", ErrRobotNotFound, robotID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return s.snapshot(e), nil
}

// List returns snapshots of every robot ordered by robot id. The table lock
// is held only while copying entry references.
func (s *Store) List() []RobotState {
	s.mutex.RLock()
	entries := make([]*robotEntry, 0, len(s.robots))
	for _, e := range s.robots {
		entries = append(entries, e)
	}
	s.mutex.RUnlock()

	out := make([]RobotState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, s.snapshot(e))
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].RobotID < out[j].RobotID
	})
	return out
}

// Len returns the number of known robots
func (s *Store) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.robots)
}

// snapshot copies the entry and applies the derived BUSY status. A change of
// active task since the previous snapshot is a visible change and bumps the
// version. Caller holds e.mu.
func (s *Store) snapshot(e *robotEntry) RobotState {
	activeID := ""
	if s.tasks != nil {
		activeID, _ = s.tasks.ActiveTaskID(e.state.RobotID)
	}
	if activeID != e.activeTaskID {
		e.activeTaskID = activeID
		e.state.Version++
	}

	out := e.state
	if e.state.Pose != nil {
		pose := *e.state.Pose
		out.Pose = &pose
	}
	out.CustomState = make(map[string]any, len(e.state.CustomState))
	for k, v := range e.state.CustomState {
		out.CustomState[k] = v
	}

	if activeID != "" {
		out.ActiveTaskID = activeID
		if out.Status == StatusOnline {
			out.Status = StatusBusy
		}
	}
	return out
}

// emit notifies under e.mu
func (s *Store) emit(e *robotEntry, c Change) {
	e.notifiedTaskID = c.Robot.ActiveTaskID
	if s.notify != nil {
		s.notify(c)
	}
}

// apply writes the update into the entry. Caller holds e.mu.
func (e *robotEntry) apply(u Update) {
	switch u.Field {
	case FieldPose:
		pose := u.Value.(Pose)
		e.state.Pose = &pose
	case FieldBattery:
		e.state.Battery = clampPercent(u.Value.(float64))
	case FieldStatus:
		reported := u.Value.(string)
		status := NormalizeStatus(reported)
		e.baseStatus = status
		e.state.Status = status
		e.state.ReportedStatus = reported
		e.state.StatusMessage = u.Message
		if status != StatusOffline {
			e.state.OfflineReason = ""
		}
	default:
		e.state.CustomState[u.Field] = u.Value
	}
}

// revive brings an OFFLINE robot back after a report. A robot whose own
// last status report was OFFLINE comes back ONLINE since it is evidently
// reporting again. Caller holds e.mu.
func (e *robotEntry) revive() bool {
	if e.state.Status != StatusOffline {
		return false
	}
	if e.baseStatus == StatusOffline {
		e.baseStatus = StatusOnline
	}
	e.state.Status = e.baseStatus
	e.state.OfflineReason = ""
	return true
}

func validateUpdate(u Update) error {
	if u.Field == "" {
		return fmt.Errorf("%w: field is required", ErrInvalidUpdate)
	}
	if u.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidUpdate)
	}

	switch u.Field {
	case FieldPose:
		if _, ok := u.Value.(Pose); !ok {
			return fmt.Errorf("%w: pose value must be a Pose, got %T", ErrInvalidUpdate, u.Value)
		}
	case FieldBattery:
		if _, ok := u.Value.(float64); !ok {
			return fmt.Errorf("%w: battery value must be a float64, got %T", ErrInvalidUpdate, u.Value)
		}
	case FieldStatus:
		v, ok := u.Value.(string)
		if !ok || v == "" {
			return fmt.Errorf("%w: status value must be a non-empty string", ErrInvalidUpdate)
		}
	}
	return nil
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
