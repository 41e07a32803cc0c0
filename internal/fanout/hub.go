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

package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleethub/internal/logger"
)

// ErrSlowConsumer is the disconnect reason for a subscriber that stopped
// draining its queue
var ErrSlowConsumer = errors.New("subscriber too slow")

const (
	DefaultQueueSize           = 256
	DefaultMaxConsecutiveDrops = 64
	DefaultHeartbeatInterval   = 30 * time.Second
)

// Config controls queueing and keepalives
type Config struct {
	QueueSize           int           `yaml:"queue_size"`
	MaxConsecutiveDrops int           `yaml:"max_consecutive_drops"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
}

// SubscribeOptions configures a new subscriber
type SubscribeOptions struct {
	Filter    Filter
	QueueSize int // 0 uses the hub default
}

// Option configures a Hub
type Option func(*Hub)

// WithClock overrides the hub clock
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

// Hub broadcasts envelopes to subscribers. Publishing never blocks: a full
// queue drops the event for that subscriber only.
type Hub struct {
	config      Config
	subscribers map[string]*Subscriber
	mutex       sync.RWMutex
	now         func() time.Time

	published    atomic.Int64
	dropped      atomic.Int64
	disconnected atomic.Int64

	logger zerolog.Logger
}

// NewHub creates a hub. Zero config values take defaults.
func NewHub(config Config, opts ...Option) *Hub {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.MaxConsecutiveDrops <= 0 {
		config.MaxConsecutiveDrops = DefaultMaxConsecutiveDrops
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}

	h := &Hub{
		config:      config,
		subscribers: make(map[string]*Subscriber),
		now:         time.Now,
		logger:      logger.GetLogger("fanout"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new subscriber
func (h *Hub) Subscribe(opts SubscribeOptions) *Subscriber {
	size := opts.QueueSize
	if size <= 0 {
		size = h.config.QueueSize
	}

	s := &Subscriber{
		id:    uuid.NewString(),
		queue: make(chan []byte, size),
		done:  make(chan struct{}),
	}
	s.SetFilter(opts.Filter)

	h.mutex.Lock()
	h.subscribers[s.id] = s
	count := len(h.subscribers)
	h.mutex.Unlock()

	h.logger.Info().
		Str("subscriber_id", s.id).
		Int("queue_size", size).
		Int("subscribers", count).
		Msg("Subscriber connected")
	return s
}

// Unsubscribe removes a subscriber. Safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.remove(s, nil)
}

func (h *Hub) remove(s *Subscriber, reason error) {
	h.mutex.Lock()
	_, ok := h.subscribers[s.id]
	delete(h.subscribers, s.id)
	h.mutex.Unlock()

	if !s.close(reason) || !ok {
		return
	}

	if reason != nil {
		h.disconnected.Add(1)
		h.logger.Warn().
			Err(reason).
			Str("subscriber_id", s.id).
			Int64("dropped", s.Dropped()).
			Msg("Subscriber disconnected")
		return
	}
	h.logger.Info().Str("subscriber_id", s.id).Msg("Subscriber disconnected")
}

// Publish offers env to every matching subscriber and returns how many
// accepted it. The envelope is serialized at most once.
func (h *Hub) Publish(env Envelope) int {
	if env.Timestamp.IsZero() {
		env.Timestamp = h.now()
	}

	var (
		data     []byte
		accepted int
		slow     []*Subscriber
	)

	h.mutex.RLock()
	for _, s := range h.subscribers {
		if s.closed() || !s.filter.Load().match(env) {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(env); err != nil {
				h.mutex.RUnlock()
				h.logger.Error().Err(err).Str("kind", string(env.Kind)).Msg("Failed to serialize event")
				return 0
			}
		}

		select {
		case s.queue <- data:
			s.consecutiveDrops.Store(0)
			s.delivered.Add(1)
			accepted++
		default:
			s.dropped.Add(1)
			h.dropped.Add(1)
			if s.consecutiveDrops.Add(1) >= int64(h.config.MaxConsecutiveDrops) {
				slow = append(slow, s)
			}
		}
	}
	h.mutex.RUnlock()

	h.published.Add(1)
	for _, s := range slow {
		h.remove(s, ErrSlowConsumer)
	}
	return accepted
}

// Run injects heartbeats until ctx is done, then disconnects everyone
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-ticker.C:
			h.Publish(Heartbeat(h.now()))
		}
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.subscribers = make(map[string]*Subscriber)
	h.mutex.Unlock()

	for _, s := range subs {
		s.close(nil)
	}
}

// Count returns the number of connected subscribers
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.subscribers)
}

// Stats summarizes fan-out activity
type Stats struct {
	Subscribers  int   `json:"subscribers"`
	Published    int64 `json:"published"`
	Dropped      int64 `json:"dropped"`
	Disconnected int64 `json:"slow_disconnects"`
}

// Stats returns current counters
func (h *Hub) Stats() Stats {
	return Stats{
		Subscribers:  h.Count(),
		Published:    h.published.Load(),
		Dropped:      h.dropped.Load(),
		Disconnected: h.disconnected.Load(),
	}
}
