package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleethub/internal/state"
	"fleethub/internal/tasks"
)

func stateEvent(robotID string, n int) Envelope {
	return StateUpdate(state.Change{
		Robot: state.RobotState{RobotID: robotID, Status: state.StatusOnline},
		Field: state.FieldBattery,
		Value: float64(n),
	}, time.Now())
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestEnvelopeFlattened(t *testing.T) {
	ts := time.Unix(1700000000, 500000000)
	env := RobotOffline("r3", ts.Add(-6*time.Second), 6*time.Second, ts)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	msg := decode(t, data)
	assert.Equal(t, "system_event", msg["msg_type"])
	assert.Equal(t, "robot_offline", msg["event"])
	assert.Equal(t, "r3", msg["robot_id"])
	assert.Equal(t, 6.0, msg["offline_duration"])
	assert.InDelta(t, 1700000000.5, msg["timestamp"], 1e-6)
}

func TestPublishDelivers(t *testing.T) {
	hub := NewHub(Config{})
	a := hub.Subscribe(SubscribeOptions{})
	b := hub.Subscribe(SubscribeOptions{})

	n := hub.Publish(stateEvent("r1", 1))
	assert.Equal(t, 2, n)

	for _, s := range []*Subscriber{a, b} {
		select {
		case data := <-s.Events():
			msg := decode(t, data)
			assert.Equal(t, "state_update", msg["msg_type"])
			assert.Equal(t, "r1", msg["robot_id"])
			assert.Equal(t, "battery", msg["state_type"])
		default:
			t.Fatal("expected an event")
		}
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	hub := NewHub(Config{})
	assert.Equal(t, 0, hub.Publish(stateEvent("r1", 1)))
	assert.Equal(t, int64(1), hub.Stats().Published)
}

func TestPerSubscriberOrder(t *testing.T) {
	hub := NewHub(Config{QueueSize: 100})
	s := hub.Subscribe(SubscribeOptions{})

	for i := 0; i < 50; i++ {
		hub.Publish(stateEvent("r1", i))
	}
	for i := 0; i < 50; i++ {
		msg := decode(t, <-s.Events())
		assert.Equal(t, float64(i), msg["data"])
	}
}

func TestFilters(t *testing.T) {
	hub := NewHub(Config{})
	robots := hub.Subscribe(SubscribeOptions{Filter: Filter{RobotIDs: []string{"r1"}}})
	kinds := hub.Subscribe(SubscribeOptions{Filter: Filter{Kinds: []Kind{KindTaskUpdate}}})

	hub.Publish(stateEvent("r1", 1))
	hub.Publish(stateEvent("r2", 1))
	hub.Publish(TaskUpdate(tasks.Event{Task: tasks.Task{TaskID: "t1", RobotID: "r2", Status: tasks.StatusScheduled}}, time.Now()))
	hub.Publish(Heartbeat(time.Now()))

	assert.Len(t, robots.Events(), 2, "r1 state plus heartbeat")
	assert.Len(t, kinds.Events(), 2, "task update plus heartbeat")

	robots.SetFilter(Filter{})
	hub.Publish(stateEvent("r2", 2))
	assert.Len(t, robots.Events(), 3)
}

func TestSlowSubscriberIsolated(t *testing.T) {
	const events = 10000

	hub := NewHub(Config{QueueSize: 64, MaxConsecutiveDrops: 64})
	slow := hub.Subscribe(SubscribeOptions{})
	healthy := hub.Subscribe(SubscribeOptions{QueueSize: events + 1})

	start := time.Now()
	for i := 0; i < events; i++ {
		hub.Publish(stateEvent("r1", i))
	}
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 5*time.Second)
	assert.Len(t, healthy.Events(), events)

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow subscriber should have been disconnected")
	}
	assert.ErrorIs(t, slow.Err(), ErrSlowConsumer)
	assert.Equal(t, 1, hub.Count())
	assert.Equal(t, int64(1), hub.Stats().Disconnected)
	assert.Len(t, slow.Events(), 64)
}

func TestSlowSubscriberWithActiveReader(t *testing.T) {
	const events = 10000

	hub := NewHub(Config{QueueSize: 64, MaxConsecutiveDrops: 16})
	slow := hub.Subscribe(SubscribeOptions{})
	healthy := hub.Subscribe(SubscribeOptions{QueueSize: events})

	var (
		wg       sync.WaitGroup
		received int
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-healthy.Events():
				received++
				if received == events {
					return
				}
			case <-time.After(5 * time.Second):
				return
			}
		}
	}()

	for i := 0; i < events; i++ {
		hub.Publish(stateEvent("r1", i))
	}
	wg.Wait()

	assert.Equal(t, events, received)
	<-slow.Done()
}

func TestConsecutiveDropsReset(t *testing.T) {
	hub := NewHub(Config{QueueSize: 1, MaxConsecutiveDrops: 3})
	s := hub.Subscribe(SubscribeOptions{})

	for round := 0; round < 5; round++ {
		hub.Publish(stateEvent("r1", 0))
		hub.Publish(stateEvent("r1", 1)) // dropped
		hub.Publish(stateEvent("r1", 2)) // dropped
		<-s.Events()
	}
	select {
	case <-s.Done():
		t.Fatal("subscriber that keeps draining must stay connected")
	default:
	}
	assert.Equal(t, int64(10), s.Dropped())
}

func TestUnsubscribe(t *testing.T) {
	hub := NewHub(Config{})
	s := hub.Subscribe(SubscribeOptions{})
	hub.Unsubscribe(s)
	hub.Unsubscribe(s)

	<-s.Done()
	assert.NoError(t, s.Err())
	assert.Equal(t, 0, hub.Publish(stateEvent("r1", 1)))
}

func TestRunHeartbeats(t *testing.T) {
	hub := NewHub(Config{HeartbeatInterval: 10 * time.Millisecond})
	s := hub.Subscribe(SubscribeOptions{Filter: Filter{Kinds: []Kind{KindTaskUpdate}}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	select {
	case data := <-s.Events():
		assert.Equal(t, "heartbeat", decode(t, data)["msg_type"])
	case <-time.After(time.Second):
		t.Fatal("no heartbeat")
	}

	cancel()
	require.NoError(t, <-done)
	<-s.Done()
	assert.Equal(t, 0, hub.Count())
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	hub := NewHub(Config{QueueSize: 8, MaxConsecutiveDrops: 4})

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				hub.Publish(stateEvent(fmt.Sprintf("r%d", p), i))
			}
		}(p)
	}
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s := hub.Subscribe(SubscribeOptions{})
				hub.Unsubscribe(s)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Count())
}
