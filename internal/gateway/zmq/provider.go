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

package zmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"fleethub/internal/gateway"
	"fleethub/internal/logger"
)

const pollInterval = 100 * time.Millisecond

// Config holds ZMQ endpoints. In bind mode (the hub) both sockets bind; in
// connect mode (an agent) both sockets connect to the hub's endpoints with the
// roles swapped by the caller.
type Config struct {
	PublishEndpoint   string      `yaml:"publish_endpoint"`   // PUB socket: outbound messages
	SubscribeEndpoint string      `yaml:"subscribe_endpoint"` // SUB socket: inbound messages
	Bind              bool        `yaml:"bind"`
	HighWatermark     int         `yaml:"high_watermark"`
	Curve             CurveConfig `yaml:"curve"`
}

// Provider implements gateway.Gateway over a ZMQ PUB/SUB socket pair.
// Topics travel as the first frame of a two-frame message.
type Provider struct {
	config Config
	keys   *KeyPair
	logger zerolog.Logger

	pub      *zmq4.Socket
	pubMutex sync.Mutex

	sub      *zmq4.Socket
	subMutex sync.Mutex // zmq sockets are not goroutine safe

	subs     map[string]*subscription
	prefixes map[string]int
	subsMu   sync.RWMutex

	running bool
	mutex   sync.RWMutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type subscription struct {
	id       string
	pattern  string
	prefix   string
	handler  gateway.Handler
	provider *Provider
}

// NewProvider creates a new ZMQ gateway provider
func NewProvider(config Config) *Provider {
	if config.HighWatermark <= 0 {
		config.HighWatermark = 1000
	}
	return &Provider{
		config:   config,
		logger:   logger.GetLogger("gateway.zmq"),
		subs:     make(map[string]*subscription),
		prefixes: make(map[string]int),
	}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "zmq"
}

// Start opens both sockets and starts the receive loop
func (p *Provider) Start(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.running {
		return fmt.Errorf("ZMQ provider already running")
	}

	if p.config.Curve.Enabled && p.keys == nil {
		if err := p.config.Validate(); err != nil {
			return err
		}
		keys, err := LoadOrGenerateKeys(p.config.Curve.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load CurveZMQ keys: %w", err)
		}
		p.keys = keys
		p.logger.Info().
			Str("public_key", keys.PublicKey).
			Msg("CurveZMQ encryption enabled")
	}

	pub, err := p.openSocket(zmq4.PUB, p.config.PublishEndpoint)
	if err != nil {
		return fmt.Errorf("failed to open PUB socket: %w", err)
	}

	sub, err := p.openSocket(zmq4.SUB, p.config.SubscribeEndpoint)
	if err != nil {
		pub.Close()
		return fmt.Errorf("failed to open SUB socket: %w", err)
	}

	p.subsMu.RLock()
	for prefix := range p.prefixes {
		if err := sub.SetSubscribe(prefix); err != nil {
			p.subsMu.RUnlock()
			pub.Close()
			sub.Close()
			return fmt.Errorf("failed to subscribe to %q: %w", prefix, err)
		}
	}
	p.subsMu.RUnlock()

	p.pub = pub
	p.sub = sub

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go p.receiveLoop(loopCtx)

	p.logger.Info().
		Str("publish_endpoint", p.config.PublishEndpoint).
		Str("subscribe_endpoint", p.config.SubscribeEndpoint).
		Bool("bind", p.config.Bind).
		Msg("ZMQ provider started")
	return nil
}

func (p *Provider) openSocket(kind zmq4.Type, endpoint string) (*zmq4.Socket, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	socket, err := zmq4.NewSocket(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}

	defer func() {
		if err != nil {
			socket.Close()
		}
	}()

	if err = socket.SetLinger(time.Second); err != nil {
		return nil, fmt.Errorf("failed to set linger: %w", err)
	}
	if err = socket.SetSndhwm(p.config.HighWatermark); err != nil {
		return nil, fmt.Errorf("failed to set send high watermark: %w", err)
	}
	if err = socket.SetRcvhwm(p.config.HighWatermark); err != nil {
		return nil, fmt.Errorf("failed to set receive high watermark: %w", err)
	}
	if err = p.secure(socket); err != nil {
		return nil, err
	}

	if p.config.Bind {
		err = socket.Bind(endpoint)
	} else {
		err = socket.Connect(endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to attach to %s: %w", endpoint, err)
	}

	return socket, nil
}

// Stop gracefully shuts down the ZMQ provider
func (p *Provider) Stop() error {
	p.mutex.Lock()
	if !p.running {
		p.mutex.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mutex.Unlock()

	p.wg.Wait()

	var lastErr error
	p.pubMutex.Lock()
	if err := p.pub.Close(); err != nil {
		p.logger.Error().Err(err).Msg("Failed to close PUB socket")
		lastErr = err
	}
	p.pub = nil
	p.pubMutex.Unlock()

	p.subMutex.Lock()
	if err := p.sub.Close(); err != nil {
		p.logger.Error().Err(err).Msg("Failed to close SUB socket")
		lastErr = err
	}
	p.sub = nil
	p.subMutex.Unlock()

	p.logger.Info().Msg("ZMQ provider stopped")
	return lastErr
}

// IsRunning returns whether the provider is currently active
func (p *Provider) IsRunning() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.running
}

// Publish sends [topic][payload] on the PUB socket
func (p *Provider) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.IsRunning() {
		return gateway.ErrNotRunning
	}

	p.pubMutex.Lock()
	defer p.pubMutex.Unlock()

	if p.pub == nil {
		return gateway.ErrNotRunning
	}
	if _, err := p.pub.SendMessage(topic, payload); err != nil {
		return fmt.Errorf("ZMQ publish failed on %s: %w", topic, err)
	}

	p.logger.Debug().
		Str("topic", topic).
		Int("payload_size", len(payload)).
		Msg("ZMQ message published")
	return nil
}

// Subscribe registers a prefix filter on the SUB socket and a wildcard match
// for the full pattern
func (p *Provider) Subscribe(pattern string, handler gateway.Handler) (gateway.Subscription, error) {
	if pattern == "" || handler == nil {
		return nil, fmt.Errorf("pattern and handler are required")
	}

	s := &subscription{
		id:       uuid.NewString(),
		pattern:  pattern,
		prefix:   gateway.LiteralPrefix(pattern),
		handler:  handler,
		provider: p,
	}

	p.subsMu.Lock()
	p.subs[s.id] = s
	p.prefixes[s.prefix]++
	first := p.prefixes[s.prefix] == 1
	p.subsMu.Unlock()

	if first {
		p.subMutex.Lock()
		var err error
		if p.sub != nil {
			err = p.sub.SetSubscribe(s.prefix)
		}
		p.subMutex.Unlock()
		if err != nil {
			s.Unsubscribe()
			return nil, fmt.Errorf("failed to subscribe to %q: %w", s.prefix, err)
		}
	}

	p.logger.Info().Str("pattern", pattern).Str("prefix", s.prefix).Msg("ZMQ subscription added")
	return s, nil
}

// receiveLoop polls the SUB socket and dispatches messages to handlers
func (p *Provider) receiveLoop(ctx context.Context) {
	defer p.wg.Done()

	poller := zmq4.NewPoller()
	p.subMutex.Lock()
	poller.Add(p.sub, zmq4.POLLIN)
	p.subMutex.Unlock()

	p.logger.Info().Msg("Starting ZMQ receive loop")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("ZMQ receive loop stopping")
			return
		default:
		}

		p.subMutex.Lock()
		polled, err := poller.Poll(pollInterval)
		var msg [][]byte
		if err == nil && len(polled) > 0 {
			msg, err = p.sub.RecvMessageBytes(0)
		}
		p.subMutex.Unlock()

		if err != nil {
			if zmq4.AsErrno(err) == zmq4.ETERM {
				return
			}
			p.logger.Error().Err(err).Msg("Failed to receive message")
			continue
		}
		if msg == nil {
			continue
		}
		if len(msg) != 2 {
			p.logger.Warn().
				Int("parts_count", len(msg)).
				Msg("Received malformed message (expected topic and payload)")
			continue
		}

		p.dispatch(string(msg[0]), msg[1])
	}
}

func (p *Provider) dispatch(topic string, payload []byte) {
	p.subsMu.RLock()
	targets := make([]gateway.Handler, 0, len(p.subs))
	for _, s := range p.subs {
		if gateway.Match(s.pattern, topic) {
			targets = append(targets, s.handler)
		}
	}
	p.subsMu.RUnlock()

	for _, handler := range targets {
		handler(topic, payload)
	}
}

func (s *subscription) Pattern() string {
	return s.pattern
}

func (s *subscription) Unsubscribe() error {
	p := s.provider

	p.subsMu.Lock()
	if _, ok := p.subs[s.id]; !ok {
		p.subsMu.Unlock()
		return nil
	}
	delete(p.subs, s.id)
	p.prefixes[s.prefix]--
	last := p.prefixes[s.prefix] == 0
	if last {
		delete(p.prefixes, s.prefix)
	}
	p.subsMu.Unlock()

	if !last {
		return nil
	}

	p.subMutex.Lock()
	defer p.subMutex.Unlock()
	if p.sub == nil {
		return nil
	}
	return p.sub.SetUnsubscribe(s.prefix)
}

// Compile-time check that Provider implements gateway.Gateway
var _ gateway.Gateway = (*Provider)(nil)
