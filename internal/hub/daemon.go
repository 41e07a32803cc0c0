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

package hub

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"fleethub/internal/api"
	"fleethub/internal/fanout"
	"fleethub/internal/gateway"
	"fleethub/internal/gateway/natsgw"
	"fleethub/internal/gateway/zmq"
	"fleethub/internal/logger"
	"fleethub/internal/scheduler"
	"fleethub/internal/state"
	"fleethub/internal/tasks"
	"fleethub/internal/watchdog"
)

const (
	healthCheckInterval = 60 * time.Second
	shutdownTimeout     = 5 * time.Second
)

// Daemon owns every hub component and their lifetimes
type Daemon struct {
	config *Config

	gateway   gateway.Gateway
	store     *state.Store
	registry  *tasks.Registry
	events    *fanout.Hub
	scheduler *scheduler.Scheduler
	watchdog  *watchdog.Watchdog
	ingest    *Ingestor
	api       *api.Server

	subscriptions []gateway.Subscription

	logger    zerolog.Logger
	running   bool
	ready     chan struct{}
	readyOnce sync.Once
	mutex     sync.RWMutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewGateway builds the transport selected in config
func NewGateway(config TransportConfig) (gateway.Gateway, error) {
	switch config.Provider {
	case ProviderZMQ:
		return zmq.NewProvider(config.ZMQ), nil
	case ProviderNATS:
		return natsgw.NewProvider(config.NATS), nil
	case ProviderMemory:
		return gateway.NewMemoryGateway(), nil
	default:
		return nil, fmt.Errorf("unknown transport provider: %q", config.Provider)
	}
}

// NewDaemon creates a hub daemon using the configured transport
func NewDaemon(config *Config) (*Daemon, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	gw, err := NewGateway(config.Transport)
	if err != nil {
		return nil, err
	}
	return NewDaemonWithGateway(config, gw), nil
}

// NewDaemonWithGateway creates a hub daemon on an existing transport
func NewDaemonWithGateway(config *Config, gw gateway.Gateway) *Daemon {
	d := &Daemon{
		config:  config,
		gateway: gw,
		ready:   make(chan struct{}),
		logger:  logger.GetLogger("hub"),
	}

	d.events = fanout.NewHub(config.Fanout)
	d.registry = tasks.NewRegistry(config.Tasks, tasks.WithNotifier(d.onTaskEvent))
	d.store = state.NewStore(
		state.WithTaskIndex(d.registry),
		state.WithNotifier(d.onStateChange),
	)
	d.scheduler = scheduler.New(config.Scheduler, d.store, d.registry, gw)
	d.watchdog = watchdog.New(config.Watchdog, d.store, d.registry, d.events, gw)
	d.ingest = NewIngestor(d.store, d.registry)

	d.api = api.NewServer(api.Config{
		Address:        config.Server.Address,
		ReadTimeout:    config.Server.ReadTimeout,
		WriteTimeout:   config.Server.WriteTimeout,
		AllowedOrigins: config.Server.AllowedOrigins,
	}, api.Deps{
		Store:     d.store,
		Tasks:     d.registry,
		Scheduler: d.scheduler,
		Events:    d.events,
		Transport: gw,
		Stats:     d.stats,
	})

	return d
}

// onStateChange runs under the robot's lock; fan-out publishing never blocks
func (d *Daemon) onStateChange(c state.Change) {
	d.events.Publish(fanout.StateUpdate(c, time.Now()))
}

// onTaskEvent runs under the task's slot lock. A task starting or finishing
// flips the derived BUSY status, which the store announces with a new version.
func (d *Daemon) onTaskEvent(e tasks.Event) {
	d.events.Publish(fanout.TaskUpdate(e, time.Now()))

	if e.Previous == "" || e.Task.Status.Terminal() {
		d.store.Refresh(e.Task.RobotID, string(e.Task.Status))
	}
}

// Start runs the daemon until SIGINT or SIGTERM
func (d *Daemon) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

// Run starts every component and blocks until ctx is done or the API server
// fails
func (d *Daemon) Run(ctx context.Context) error {
	d.mutex.Lock()
	if d.running {
		d.mutex.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	ctx, d.cancel = context.WithCancel(ctx)
	d.mutex.Unlock()

	d.logger.Info().
		Str("transport", d.gateway.Name()).
		Str("address", d.config.Server.Address).
		Dur("offline_threshold", d.config.Watchdog.Threshold).
		Msg("Starting fleet hub")

	if err := d.gateway.Start(ctx); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start %s transport: %w", d.gateway.Name(), err)
	}

	for _, pattern := range []string{
		gateway.PatternRobotState,
		gateway.PatternRobotHeartbeat,
		gateway.PatternRobotTaskAck,
	} {
		sub, err := d.gateway.Subscribe(pattern, d.ingest.Handle)
		if err != nil {
			d.shutdown()
			return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
		}
		d.subscriptions = append(d.subscriptions, sub)
	}

	d.goRun(func() { d.events.Run(ctx) })
	d.goRun(func() { d.watchdog.Run(ctx) })
	d.goRun(func() { d.scheduler.Run(ctx) })
	d.goRun(func() { d.startHealthCheck(ctx) })

	apiErr := make(chan error, 1)
	go func() {
		apiErr <- d.api.Start()
	}()

	d.readyOnce.Do(func() { close(d.ready) })
	d.logger.Info().Msg("Fleet hub started")

	var err error
	select {
	case <-ctx.Done():
		d.logger.Info().Msg("Shutdown requested")
	case err = <-apiErr:
		if err != nil {
			err = fmt.Errorf("API server failed: %w", err)
		}
	}

	d.shutdown()
	return err
}

// Stop asks a running daemon to shut down
func (d *Daemon) Stop() {
	d.mutex.RLock()
	cancel := d.cancel
	d.mutex.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Daemon) shutdown() {
	d.logger.Info().Msg("Stopping fleet hub")

	if d.cancel != nil {
		d.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.api.Stop(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Error stopping API server")
	}

	for _, sub := range d.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			d.logger.Warn().Err(err).Str("pattern", sub.Pattern()).Msg("Error unsubscribing")
		}
	}
	d.subscriptions = nil

	d.wg.Wait()

	if err := d.gateway.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Error stopping transport")
	}

	d.setStopped()
	d.logger.Info().Msg("Fleet hub stopped")
}

func (d *Daemon) setStopped() {
	d.mutex.Lock()
	d.running = false
	d.mutex.Unlock()
}

func (d *Daemon) goRun(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// startHealthCheck logs a periodic summary of the fleet
func (d *Daemon) startHealthCheck(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.performHealthCheck()
		case <-ctx.Done():
			return
		}
	}
}

func (d *Daemon) performHealthCheck() {
	online, offline := 0, 0
	for _, robot := range d.store.List() {
		if robot.Status == state.StatusOffline {
			offline++
		} else {
			online++
		}
	}
	accepted, rejected := d.ingest.Stats()

	d.logger.Info().
		Bool("transport_running", d.gateway.IsRunning()).
		Int("robots_online", online).
		Int("robots_offline", offline).
		Int("subscribers", d.events.Count()).
		Int64("messages_accepted", accepted).
		Int64("messages_rejected", rejected).
		Msg("Health check completed")
}

func (d *Daemon) stats() map[string]any {
	accepted, rejected := d.ingest.Stats()
	return map[string]any{
		"ingest": map[string]int64{
			"accepted": accepted,
			"rejected": rejected,
		},
		"transport": map[string]any{
			"provider": d.gateway.Name(),
			"running":  d.gateway.IsRunning(),
		},
	}
}

// Ready is closed once the first Run has subscribed to robot traffic
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// IsRunning returns whether the daemon is currently running
func (d *Daemon) IsRunning() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.running
}

// Handler exposes the HTTP routes, mainly for tests
func (d *Daemon) Handler() http.Handler {
	return d.api.Handler()
}

// Store returns the state store
func (d *Daemon) Store() *state.Store {
	return d.store
}

// Registry returns the task registry
func (d *Daemon) Registry() *tasks.Registry {
	return d.registry
}

// Events returns the fan-out hub
func (d *Daemon) Events() *fanout.Hub {
	return d.events
}
