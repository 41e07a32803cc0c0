package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleethub/internal/api"
	"fleethub/internal/fanout"
	"fleethub/internal/gateway"
	"fleethub/internal/scheduler"
	"fleethub/internal/state"
	"fleethub/internal/tasks"
)

type fixture struct {
	store  *state.Store
	events *fanout.Hub
	gw     *gateway.MemoryGateway
	client *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	events := fanout.NewHub(fanout.Config{})
	registry := tasks.NewRegistry(tasks.Config{})
	store := state.NewStore(state.WithTaskIndex(registry), state.WithNotifier(func(c state.Change) {
		events.Publish(fanout.StateUpdate(c, time.Now()))
	}))
	gw := gateway.NewMemoryGateway()
	require.NoError(t, gw.Start(context.Background()))

	server := api.NewServer(api.Config{}, api.Deps{
		Store:     store,
		Tasks:     registry,
		Scheduler: scheduler.New(scheduler.Config{}, store, registry, gw),
		Events:    events,
		Transport: gw,
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &fixture{store: store, events: events, gw: gw, client: New(ts.URL + "/")}
}

func (f *fixture) online(t *testing.T, robotID string, battery float64) {
	t.Helper()
	now := time.Now()
	_, _, err := f.store.Upsert(robotID, state.Update{Field: state.FieldStatus, Value: "IDLE", Timestamp: now})
	require.NoError(t, err)
	_, _, err = f.store.Upsert(robotID, state.Update{Field: state.FieldBattery, Value: battery, Timestamp: now})
	require.NoError(t, err)
}

func TestClientRobots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	robots, err := f.client.ListRobots(ctx)
	require.NoError(t, err)
	assert.Empty(t, robots)

	f.online(t, "r2", 50)
	f.online(t, "r1", 90)

	robots, err = f.client.ListRobots(ctx)
	require.NoError(t, err)
	require.Len(t, robots, 2)
	assert.Equal(t, "r1", robots[0].RobotID)
	assert.Equal(t, state.StatusOnline, robots[0].Status)

	robot, err := f.client.GetRobot(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, 50.0, robot.Battery)

	_, err = f.client.GetRobot(ctx, "ghost")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClientTaskLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online(t, "r1", 80)

	created, err := f.client.SendTask(ctx, scheduler.Request{
		RobotID:        "r1",
		TargetPosition: map[string]float64{"x": 1, "y": 2},
		Priority:       "high",
	})
	require.NoError(t, err)
	assert.Equal(t, "r1", created.RobotID)
	assert.Equal(t, tasks.PriorityHigh, created.Priority)

	task, err := f.client.GetTask(ctx, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusDispatched, task.Status)

	robotTasks, err := f.client.RobotTasks(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, robotTasks.Active)
	assert.Equal(t, created.TaskID, robotTasks.Active.TaskID)

	_, err = f.client.SendTask(ctx, scheduler.Request{
		RobotID:        "r1",
		TargetPosition: map[string]float64{"x": 3, "y": 4},
	})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, string(scheduler.ReasonBusy), apiErr.Reason)

	cancelled, err := f.client.CancelTask(ctx, "r1", "testing")
	require.NoError(t, err)
	assert.Equal(t, created.TaskID, cancelled.TaskID)
	assert.Equal(t, tasks.StatusCancelling, cancelled.Status)
}

func TestClientLowBatteryRejection(t *testing.T) {
	f := newFixture(t)
	f.online(t, "r1", 10)

	_, err := f.client.SendTask(context.Background(), scheduler.Request{
		RobotID:        "r1",
		TargetPosition: map[string]float64{"x": 1, "y": 1},
	})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, string(scheduler.ReasonLowBattery), apiErr.Reason)
	assert.Contains(t, apiErr.Error(), "low_battery")
}

func TestClientDispatchFailure(t *testing.T) {
	f := newFixture(t)
	f.online(t, "r1", 90)
	require.NoError(t, f.gw.Stop())

	resp, err := f.client.SendTask(context.Background(), scheduler.Request{
		RobotID:        "r1",
		TargetPosition: map[string]float64{"x": 1, "y": 1},
	})
	require.ErrorIs(t, err, ErrDispatchFailed)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr), "the hub answered 201")
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, tasks.StatusError, resp.Status)
	assert.Equal(t, "dispatch_failed", resp.Message)

	task, err := f.client.GetTask(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusError, task.Status)
}

func TestClientHealth(t *testing.T) {
	f := newFixture(t)

	health, err := f.client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health["status"])

	require.NoError(t, f.gw.Stop())
	_, err = f.client.Health(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
}

func TestClientWatch(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan map[string]any, 16)
	done := make(chan error, 1)
	go func() {
		done <- f.client.Watch(ctx, fanout.Filter{RobotIDs: []string{"r1"}}, func(event map[string]any) {
			received <- event
		})
	}()

	require.Eventually(t, func() bool {
		return f.events.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.online(t, "r2", 70)
	f.online(t, "r1", 70)

	select {
	case event := <-received:
		assert.Equal(t, "state_update", event["msg_type"])
		assert.Equal(t, "r1", event["robot_id"])
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return")
	}
}
