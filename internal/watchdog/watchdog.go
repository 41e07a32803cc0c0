package watchdog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"fleethub/internal/fanout"
	"fleethub/internal/gateway"
	"fleethub/internal/logger"
	"fleethub/internal/state"
	"fleethub/internal/tasks"
)

const (
	DefaultThreshold = 5 * time.Second
	DefaultInterval  = time.Second

	// ReasonTimeout is recorded on robots demoted for silence
	ReasonTimeout = "heartbeat_timeout"
	// ReasonCommunicationLost is recorded on tasks of demoted robots
	ReasonCommunicationLost = "communication_lost"
)

// Config for the liveness scan
type Config struct {
	Threshold time.Duration `yaml:"threshold"`
	Interval  time.Duration `yaml:"interval"`
}

// Store is the state store surface the watchdog needs
type Store interface {
	List() []state.RobotState
	MarkOffline(robotID, reason string, cutoff time.Time) (state.RobotState, bool)
}

// TaskFailer fails the active task of a robot
type TaskFailer interface {
	FailActive(robotID, taskID, reason string) (tasks.Task, bool)
}

// EventSink receives system events for observers
type EventSink interface {
	Publish(env fanout.Envelope) int
}

// Publisher sends system events onto the transport
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// OfflineEvent is published on fms/system/event/robot_offline
type OfflineEvent struct {
	RobotID         string  `json:"robot_id"`
	Reason          string  `json:"reason"`
	LastSeen        float64 `json:"last_seen"`
	OfflineDuration float64 `json:"offline_duration"`
	Timestamp       float64 `json:"timestamp"`
}

// Option configures a Watchdog
type Option func(*Watchdog)

// WithClock overrides the watchdog clock
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) {
		w.now = now
	}
}

// Watchdog demotes robots that have not reported within the threshold. It is
// the only source of time-based OFFLINE transitions.
type Watchdog struct {
	config    Config
	store     Store
	tasks     TaskFailer
	events    EventSink
	publisher Publisher
	now       func() time.Time
	logger    zerolog.Logger
}

// New creates a watchdog. events and publisher may be nil.
func New(config Config, store Store, taskFailer TaskFailer, events EventSink, publisher Publisher, opts ...Option) *Watchdog {
	if config.Threshold <= 0 {
		config.Threshold = DefaultThreshold
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}

	w := &Watchdog{
		config:    config,
		store:     store,
		tasks:     taskFailer,
		events:    events,
		publisher: publisher,
		now:       time.Now,
		logger:    logger.GetLogger("watchdog"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run scans on every interval until ctx is done
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	w.logger.Info().
		Dur("threshold", w.config.Threshold).
		Dur("interval", w.config.Interval).
		Msg("Starting liveness watchdog")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Liveness watchdog stopping")
			return nil
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check runs one scan and returns the robots it demoted
func (w *Watchdog) Check(ctx context.Context) []string {
	now := w.now()
	cutoff := now.Add(-w.config.Threshold)

	var demoted []state.RobotState
	for _, robot := range w.store.List() {
		if robot.Status == state.StatusOffline || !robot.LastSeen.Before(cutoff) {
			continue
		}
		// MarkOffline re-checks under the robot's lock; a report that
		// arrived since the snapshot wins.
		if st, ok := w.store.MarkOffline(robot.RobotID, ReasonTimeout, cutoff); ok {
			demoted = append(demoted, st)
		}
	}

	ids := make([]string, 0, len(demoted))
	for _, robot := range demoted {
		ids = append(ids, robot.RobotID)
		w.handleOffline(ctx, robot, now)
	}
	return ids
}

func (w *Watchdog) handleOffline(ctx context.Context, robot state.RobotState, now time.Time) {
	offlineFor := now.Sub(robot.LastSeen)

	w.logger.Warn().
		Str("robot_id", robot.RobotID).
		Time("last_seen", robot.LastSeen).
		Dur("offline_for", offlineFor).
		Msg("Robot went offline")

	// Only the task the robot held when it was demoted. The robot may have
	// reported and taken a new task since.
	if robot.ActiveTaskID != "" {
		if task, ok := w.tasks.FailActive(robot.RobotID, robot.ActiveTaskID, ReasonCommunicationLost); ok {
			w.logger.Warn().
				Str("robot_id", robot.RobotID).
				Str("task_id", task.TaskID).
				Msg("Active task failed after communication loss")
		}
	}

	if w.events != nil {
		w.events.Publish(fanout.RobotOffline(robot.RobotID, robot.LastSeen, offlineFor, now))
	}

	if w.publisher == nil {
		return
	}
	payload, err := json.Marshal(OfflineEvent{
		RobotID:         robot.RobotID,
		Reason:          ReasonTimeout,
		LastSeen:        fanout.UnixSeconds(robot.LastSeen),
		OfflineDuration: offlineFor.Seconds(),
		Timestamp:       fanout.UnixSeconds(now),
	})
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to encode offline event")
		return
	}
	topic := gateway.SystemEventTopic(gateway.EventRobotOffline)
	if err := w.publisher.Publish(ctx, topic, payload); err != nil {
		w.logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish offline event")
	}
}
