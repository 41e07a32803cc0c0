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
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var target = map[string]float64{"x": 10, "y": 5}

func TestCreate(t *testing.T) {
	reg := NewRegistry(Config{})

	task, err := reg.Create("r1", target, PriorityHigh)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^task_\d+_[0-9a-f]{8}$`), task.TaskID)
	assert.Equal(t, StatusScheduled, task.Status)
	assert.Equal(t, PriorityHigh, task.Priority)
	assert.Equal(t, 10.0, task.TargetPosition["x"])

	id, ok := reg.ActiveTaskID("r1")
	assert.True(t, ok)
	assert.Equal(t, task.TaskID, id)

	_, err = reg.Create("r1", target, PriorityNormal)
	assert.ErrorIs(t, err, ErrConflict)

	// another robot is unaffected
	_, err = reg.Create("r2", target, "")
	assert.NoError(t, err)
}

func TestCreateInvalid(t *testing.T) {
	reg := NewRegistry(Config{})

	tests := []struct {
		name     string
		robotID  string
		target   map[string]float64
		priority Priority
	}{
		{"missing robot", "", target, PriorityNormal},
		{"missing target", "r1", nil, PriorityNormal},
		{"missing y", "r1", map[string]float64{"x": 1}, PriorityNormal},
		{"bad priority", "r1", target, "whenever"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Create(tt.robotID, tt.target, tt.priority)
			assert.ErrorIs(t, err, ErrInvalidTask)
		})
	}
	_, ok := reg.Active("r1")
	assert.False(t, ok)
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	reg := NewRegistry(Config{})

	const attempts = 64
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := reg.Create("r1", target, PriorityNormal)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrConflict):
				conflicts++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, attempts-1, conflicts)
	assert.Equal(t, 1, reg.Stats().Active)
}

func TestLifecycle(t *testing.T) {
	var events []Event
	reg := NewRegistry(Config{}, WithNotifier(func(e Event) {
		events = append(events, e)
	}))

	task, err := reg.Create("r1", target, PriorityNormal)
	require.NoError(t, err)

	dispatched, ok := reg.MarkDispatched("r1", task.TaskID)
	require.True(t, ok)
	assert.Equal(t, StatusDispatched, dispatched.Status)
	assert.NotNil(t, dispatched.DispatchedAt)

	running, ok := reg.RecordAck("r1", task.TaskID, StatusInProgress, 0.4, "")
	require.True(t, ok)
	assert.Equal(t, StatusInProgress, running.Status)
	assert.Equal(t, 0.4, running.Progress)

	done, ok := reg.RecordAck("r1", task.TaskID, StatusCompleted, 0.9, "arrived")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 1.0, done.Progress)
	assert.NotNil(t, done.FinishedAt)

	_, ok = reg.Active("r1")
	assert.False(t, ok)
	_, ok = reg.ActiveTaskID("r1")
	assert.False(t, ok)

	got, err := reg.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "arrived", got.Message)

	require.Len(t, events, 4)
	assert.Equal(t, Status(""), events[0].Previous)
	assert.Equal(t, StatusInProgress, events[3].Previous)

	// a new task is accepted once the old one is terminal
	_, err = reg.Create("r1", target, PriorityNormal)
	assert.NoError(t, err)
}

func TestRecordAckStaleTask(t *testing.T) {
	reg := NewRegistry(Config{})

	first, err := reg.Create("r1", target, PriorityNormal)
	require.NoError(t, err)
	_, err = reg.Cancel("r1", "operator", true)
	require.NoError(t, err)

	second, err := reg.Create("r1", target, PriorityNormal)
	require.NoError(t, err)

	_, ok := reg.RecordAck("r1", first.TaskID, StatusCompleted, 1, "")
	assert.False(t, ok, "ack for a superseded task must be ignored")

	active, ok := reg.Active("r1")
	require.True(t, ok)
	assert.Equal(t, second.TaskID, active.TaskID)
	assert.Equal(t, StatusScheduled, active.Status)

	old, err := reg.Get(first.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, old.Status)

	_, ok = reg.RecordAck("ghost", "task_0_deadbeef", StatusCompleted, 1, "")
	assert.False(t, ok)
}

func TestCancel(t *testing.T) {
	t.Run("no active task", func(t *testing.T) {
		reg := NewRegistry(Config{})
		_, err := reg.Cancel("r1", "operator", false)
		assert.ErrorIs(t, err, ErrNoActiveTask)
	})

	t.Run("online robot waits for ack", func(t *testing.T) {
		reg := NewRegistry(Config{})
		task, err := reg.Create("r1", target, PriorityNormal)
		require.NoError(t, err)

		cancelling, err := reg.Cancel("r1", "operator", false)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelling, cancelling.Status)

		// progress reports do not undo the cancellation
		still, ok := reg.RecordAck("r1", task.TaskID, StatusInProgress, 0.5, "")
		require.True(t, ok)
		assert.Equal(t, StatusCancelling, still.Status)

		cancelled, ok := reg.RecordAck("r1", task.TaskID, StatusCancelled, 0.5, "")
		require.True(t, ok)
		assert.Equal(t, StatusCancelled, cancelled.Status)
		assert.Equal(t, "operator", cancelled.Message)
	})

	t.Run("offline robot cancels immediately", func(t *testing.T) {
		reg := NewRegistry(Config{})
		_, err := reg.Create("r1", target, PriorityNormal)
		require.NoError(t, err)

		cancelled, err := reg.Cancel("r1", "operator", true)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, cancelled.Status)
		_, ok := reg.Active("r1")
		assert.False(t, ok)
	})
}

func TestFailActive(t *testing.T) {
	reg := NewRegistry(Config{})
	_, ok := reg.FailActive("r1", "task_1", "communication_lost")
	assert.False(t, ok)

	task, err := reg.Create("r1", target, PriorityNormal)
	require.NoError(t, err)

	_, ok = reg.FailActive("r1", "task_other", "communication_lost")
	assert.False(t, ok, "only the named task may be failed")
	active, ok := reg.Active("r1")
	require.True(t, ok)
	assert.Equal(t, StatusScheduled, active.Status)

	failed, ok := reg.FailActive("r1", task.TaskID, "communication_lost")
	require.True(t, ok)
	assert.Equal(t, StatusError, failed.Status)
	assert.Equal(t, "communication_lost", failed.Message)

	_, ok = reg.FailActive("r1", task.TaskID, "communication_lost")
	assert.False(t, ok, "a finished task stays finished")
}

func TestRecentHistoryBounded(t *testing.T) {
	reg := NewRegistry(Config{HistorySize: 3})

	var ids []string
	for i := 0; i < 5; i++ {
		task, err := reg.Create("r1", target, PriorityNormal)
		require.NoError(t, err)
		_, ok := reg.RecordAck("r1", task.TaskID, StatusCompleted, 1, "")
		require.True(t, ok)
		ids = append(ids, task.TaskID)
	}

	recent := reg.Recent("r1")
	require.Len(t, recent, 3)
	assert.Equal(t, ids[4], recent[0].TaskID)
	assert.Equal(t, ids[2], recent[2].TaskID)
	assert.Empty(t, reg.Recent("nobody"))
}

func TestFinishedTasksExpire(t *testing.T) {
	reg := NewRegistry(Config{RetainFor: 50 * time.Millisecond})

	task, err := reg.Create("r1", target, PriorityNormal)
	require.NoError(t, err)
	_, ok := reg.FailActive("r1", task.TaskID, "boom")
	require.True(t, ok)

	_, err = reg.Get(task.TaskID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := reg.Get(task.TaskID)
		return errors.Is(err, ErrTaskNotFound)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, reg.Recent("r1"))
}

func TestRetainedTasksBounded(t *testing.T) {
	reg := NewRegistry(Config{RetainedTasks: 2})
	for _, robot := range []string{"a", "b", "c"} {
		task, err := reg.Create(robot, target, PriorityNormal)
		require.NoError(t, err)
		_, ok := reg.FailActive(robot, task.TaskID, "x")
		require.True(t, ok)
	}

	stats := reg.Stats()
	assert.Equal(t, 2, stats.Retained)
	assert.Equal(t, int64(1), stats.Evicted)
	assert.Empty(t, reg.Recent("a"))
}

func TestParse(t *testing.T) {
	p, err := ParsePriority("URGENT")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	s, err := ParseAckStatus("RUNNING")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, s)

	_, err = ParseAckStatus("dancing")
	assert.ErrorIs(t, err, ErrInvalidTask)
}
