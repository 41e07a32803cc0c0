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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTasks map[string]string

func (f fakeTasks) ActiveTaskID(robotID string) (string, bool) {
	id, ok := f[robotID]
	return id, ok
}

func battery(v float64, ts time.Time) Update {
	return Update{Field: FieldBattery, Value: v, Timestamp: ts}
}

func TestUpsertCreatesRobot(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(WithClock(clock.Now))

	st, applied, err := store.Upsert("r1", battery(80, clock.Now()))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "r1", st.RobotID)
	assert.Equal(t, 80.0, st.Battery)
	assert.Equal(t, StatusOnline, st.Status)
	assert.Equal(t, clock.Now(), st.LastSeen)
	assert.Equal(t, uint64(1), st.Version)
	assert.Equal(t, 1, store.Len())
}

func TestUpsertLastWriterWins(t *testing.T) {
	clock := newFakeClock()
	base := clock.Now()

	t.Run("out of order reports converge", func(t *testing.T) {
		reports := []Update{
			battery(50, base.Add(2*time.Second)),
			battery(90, base),
			battery(70, base.Add(time.Second)),
		}

		forward := NewStore(WithClock(clock.Now))
		for _, u := range reports {
			_, _, err := forward.Upsert("r1", u)
			require.NoError(t, err)
		}

		reverse := NewStore(WithClock(clock.Now))
		for i := len(reports) - 1; i >= 0; i-- {
			_, _, err := reverse.Upsert("r1", reports[i])
			require.NoError(t, err)
		}

		a, err := forward.Get("r1")
		require.NoError(t, err)
		b, err := reverse.Get("r1")
		require.NoError(t, err)
		assert.Equal(t, 50.0, a.Battery)
		assert.Equal(t, a.Battery, b.Battery)
	})

	t.Run("stale report still refreshes last seen", func(t *testing.T) {
		store := NewStore(WithClock(clock.Now))
		_, _, err := store.Upsert("r1", battery(50, base.Add(time.Second)))
		require.NoError(t, err)

		clock.Advance(3 * time.Second)
		st, applied, err := store.Upsert("r1", battery(10, base))
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, 50.0, st.Battery)
		assert.Equal(t, clock.Now(), st.LastSeen)
	})

	t.Run("equal timestamp applies", func(t *testing.T) {
		store := NewStore(WithClock(clock.Now))
		_, _, err := store.Upsert("r1", battery(50, base))
		require.NoError(t, err)
		st, applied, err := store.Upsert("r1", battery(40, base))
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, 40.0, st.Battery)
	})

	t.Run("fields are ordered independently", func(t *testing.T) {
		store := NewStore(WithClock(clock.Now))
		_, _, err := store.Upsert("r1", battery(50, base.Add(time.Minute)))
		require.NoError(t, err)

		pose := Pose{Position: Vector3{X: 1, Y: 2}}
		st, applied, err := store.Upsert("r1", Update{Field: FieldPose, Value: pose, Timestamp: base})
		require.NoError(t, err)
		assert.True(t, applied)
		require.NotNil(t, st.Pose)
		assert.Equal(t, 1.0, st.Pose.Position.X)
	})

	t.Run("repeated report is idempotent", func(t *testing.T) {
		store := NewStore(WithClock(clock.Now))
		u := battery(33, base)
		first, _, err := store.Upsert("r1", u)
		require.NoError(t, err)
		second, _, err := store.Upsert("r1", u)
		require.NoError(t, err)
		assert.Equal(t, first.Battery, second.Battery)
	})
}

func TestUpsertBatteryClamped(t *testing.T) {
	store := NewStore()
	st, _, err := store.Upsert("r1", battery(140, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 100.0, st.Battery)

	st, _, err = store.Upsert("r1", battery(-3, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 0.0, st.Battery)
}

func TestUpsertStatus(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(WithClock(clock.Now))

	tests := []struct {
		reported string
		want     Status
	}{
		{"IDLE", StatusOnline},
		{"RUNNING", StatusOnline},
		{"COMPLETED", StatusOnline},
		{"error", StatusError},
		{"ONLINE", StatusOnline},
	}

	for i, tt := range tests {
		t.Run(tt.reported, func(t *testing.T) {
			ts := clock.Now().Add(time.Duration(i) * time.Second)
			st, applied, err := store.Upsert("r1", Update{Field: FieldStatus, Value: tt.reported, Message: "m", Timestamp: ts})
			require.NoError(t, err)
			assert.True(t, applied)
			assert.Equal(t, tt.want, st.Status)
			assert.Equal(t, tt.reported, st.ReportedStatus)
			assert.Equal(t, "m", st.StatusMessage)
		})
	}
}

func TestUpsertCustomCategory(t *testing.T) {
	store := NewStore()
	st, _, err := store.Upsert("r1", Update{Field: "lidar", Value: map[string]any{"ok": true}, Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, st.CustomState["lidar"])

	st.CustomState["lidar"] = "mutated"
	again, err := store.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, again.CustomState["lidar"])
}

func TestUpsertInvalid(t *testing.T) {
	store := NewStore()
	tests := []struct {
		name  string
		robot string
		u     Update
	}{
		{"missing robot", "", battery(1, time.Now())},
		{"missing field", "r1", Update{Value: 1.0, Timestamp: time.Now()}},
		{"missing timestamp", "r1", Update{Field: FieldBattery, Value: 1.0}},
		{"wrong battery type", "r1", Update{Field: FieldBattery, Value: "full", Timestamp: time.Now()}},
		{"wrong pose type", "r1", Update{Field: FieldPose, Value: 3, Timestamp: time.Now()}},
		{"empty status", "r1", Update{Field: FieldStatus, Value: "", Timestamp: time.Now()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := store.Upsert(tt.robot, tt.u)
			assert.ErrorIs(t, err, ErrInvalidUpdate)
		})
	}
	assert.Equal(t, 0, store.Len())
}

func TestMarkOffline(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(WithClock(clock.Now))

	_, ok := store.MarkOffline("ghost", "timeout", time.Time{})
	assert.False(t, ok)

	_, _, err := store.Upsert("r1", battery(50, clock.Now()))
	require.NoError(t, err)

	t.Run("respects cutoff", func(t *testing.T) {
		_, ok := store.MarkOffline("r1", "timeout", clock.Now())
		assert.False(t, ok)
	})

	t.Run("transitions once", func(t *testing.T) {
		clock.Advance(6 * time.Second)
		st, ok := store.MarkOffline("r1", "timeout", clock.Now().Add(-5*time.Second))
		require.True(t, ok)
		assert.Equal(t, StatusOffline, st.Status)
		assert.Equal(t, "timeout", st.OfflineReason)

		_, ok = store.MarkOffline("r1", "timeout", clock.Now())
		assert.False(t, ok)
	})

	t.Run("any report revives", func(t *testing.T) {
		st, err := store.Touch("r1")
		require.NoError(t, err)
		assert.Equal(t, StatusOnline, st.Status)
		assert.Empty(t, st.OfflineReason)
	})

	t.Run("revives to reported error", func(t *testing.T) {
		_, _, err := store.Upsert("r1", Update{Field: FieldStatus, Value: "ERROR", Timestamp: clock.Now()})
		require.NoError(t, err)
		clock.Advance(10 * time.Second)
		_, ok := store.MarkOffline("r1", "timeout", clock.Now().Add(-5*time.Second))
		require.True(t, ok)

		st, _, err := store.Upsert("r1", battery(20, clock.Now()))
		require.NoError(t, err)
		assert.Equal(t, StatusError, st.Status)
	})
}

func TestExplicitOfflineReport(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(WithClock(clock.Now))

	st, _, err := store.Upsert("r1", Update{Field: FieldStatus, Value: "OFFLINE", Timestamp: clock.Now()})
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, st.Status)

	clock.Advance(time.Second)
	st, _, err = store.Upsert("r1", battery(60, clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, st.Status)
}

func TestDerivedBusy(t *testing.T) {
	tasks := fakeTasks{"r1": "task_1"}
	store := NewStore(WithTaskIndex(tasks))

	_, _, err := store.Upsert("r1", battery(80, time.Now()))
	require.NoError(t, err)
	_, _, err = store.Upsert("r2", battery(80, time.Now()))
	require.NoError(t, err)

	r1, err := store.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, r1.Status)
	assert.Equal(t, "task_1", r1.ActiveTaskID)

	r2, err := store.Get("r2")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, r2.Status)

	delete(tasks, "r1")
	r1, err = store.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, r1.Status)
}

func TestBusyFlipBumpsVersion(t *testing.T) {
	tasks := fakeTasks{}
	var changes []Change
	store := NewStore(WithTaskIndex(tasks), WithNotifier(func(c Change) {
		changes = append(changes, c)
	}))

	online, _, err := store.Upsert("r1", Update{Field: FieldStatus, Value: "IDLE", Timestamp: time.Now()})
	require.NoError(t, err)
	require.Equal(t, StatusOnline, online.Status)

	tasks["r1"] = "task_1"
	busy, err := store.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, busy.Status)
	assert.Greater(t, busy.Version, online.Version)

	again, err := store.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, busy.Version, again.Version, "unchanged robot keeps its version")

	st, ok := store.Refresh("r1", "scheduled")
	require.True(t, ok)
	assert.Equal(t, busy.Version, st.Version)
	require.Len(t, changes, 2)
	assert.Equal(t, FieldTask, changes[1].Field)
	assert.Equal(t, StatusBusy, changes[1].Robot.Status)
	assert.Equal(t, busy.Version, changes[1].Robot.Version)

	_, ok = store.Refresh("r1", "scheduled")
	assert.False(t, ok, "nothing new to announce")

	delete(tasks, "r1")
	done, ok := store.Refresh("r1", "completed")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, done.Status)
	assert.Greater(t, done.Version, busy.Version)
	require.Len(t, changes, 3)
	assert.Equal(t, "", changes[2].Robot.ActiveTaskID)

	_, ok = store.Refresh("nope", "completed")
	assert.False(t, ok)
}

func TestRefreshAfterReportCarriedFlip(t *testing.T) {
	tasks := fakeTasks{}
	var changes []Change
	store := NewStore(WithTaskIndex(tasks), WithNotifier(func(c Change) {
		changes = append(changes, c)
	}))
	base := time.Now()

	_, _, err := store.Upsert("r1", battery(80, base))
	require.NoError(t, err)

	tasks["r1"] = "task_1"
	st, _, err := store.Upsert("r1", battery(79, base.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, st.Status)

	_, ok := store.Refresh("r1", "scheduled")
	assert.False(t, ok, "the battery report already announced BUSY")
	assert.Len(t, changes, 2)
}

func TestGetNotFound(t *testing.T) {
	store := NewStore()
	_, err := store.Get("nope")
	assert.ErrorIs(t, err, ErrRobotNotFound)
}

func TestListOrdered(t *testing.T) {
	store := NewStore()
	for _, id := range []string{"r3", "r1", "r2"} {
		_, err := store.Touch(id)
		require.NoError(t, err)
	}

	list := store.List()
	require.Len(t, list, 3)
	assert.Equal(t, "r1", list[0].RobotID)
	assert.Equal(t, "r2", list[1].RobotID)
	assert.Equal(t, "r3", list[2].RobotID)
}

func TestNotifier(t *testing.T) {
	clock := newFakeClock()
	var changes []Change
	store := NewStore(WithClock(clock.Now), WithNotifier(func(c Change) {
		changes = append(changes, c)
	}))

	_, _, err := store.Upsert("r1", battery(50, clock.Now().Add(time.Second)))
	require.NoError(t, err)
	_, _, err = store.Upsert("r1", battery(40, clock.Now()))
	require.NoError(t, err)

	require.Len(t, changes, 1, "stale report must not notify")
	assert.Equal(t, FieldBattery, changes[0].Field)
	assert.Equal(t, 50.0, changes[0].Robot.Battery)

	clock.Advance(10 * time.Second)
	_, ok := store.MarkOffline("r1", "timeout", clock.Now())
	require.True(t, ok)
	require.Len(t, changes, 2)
	assert.Equal(t, "timeout", changes[1].Reason)
	assert.Equal(t, StatusOffline, changes[1].Robot.Status)
}

func TestConcurrentUpserts(t *testing.T) {
	store := NewStore()
	base := time.Now()

	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		robotID := fmt.Sprintf("r%d", r)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					ts := base.Add(time.Duration(i*4+w) * time.Millisecond)
					_, _, err := store.Upsert(robotID, battery(float64(i), ts))
					assert.NoError(t, err)
					store.List()
				}
			}(w)
		}
	}
	wg.Wait()

	list := store.List()
	require.Len(t, list, 8)
	for _, st := range list {
		// the newest report is i=99 from worker 3
		assert.Equal(t, 99.0, st.Battery, st.RobotID)
	}
}
