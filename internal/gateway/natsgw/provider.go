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

package natsgw

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"fleethub/internal/gateway"
	"fleethub/internal/logger"
)

// Config holds NATS connection settings
type Config struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// Provider implements gateway.Gateway on NATS core subjects. The topic
// separator "/" becomes ".", "*" stays "*" and "**" becomes ">".
type Provider struct {
	config Config
	conn   *nats.Conn
	logger zerolog.Logger
	mutex  sync.RWMutex
}

// NewProvider creates a new NATS gateway provider
func NewProvider(config Config) *Provider {
	if config.URL == "" {
		config.URL = nats.DefaultURL
	}
	if config.Name == "" {
		config.Name = "fleethub"
	}
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = 2 * time.Second
	}
	return &Provider{
		config: config,
		logger: logger.GetLogger("gateway.nats"),
	}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "nats"
}

// Start connects to the NATS server
func (p *Provider) Start(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.conn != nil {
		return fmt.Errorf("NATS provider already running")
	}

	conn, err := nats.Connect(p.config.URL,
		nats.Name(p.config.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(p.config.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			p.logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := p.logger.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("NATS async error")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", p.config.URL, err)
	}

	p.conn = conn
	p.logger.Info().Str("url", p.config.URL).Msg("NATS provider started")
	return nil
}

// Stop drains and closes the connection
func (p *Provider) Stop() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.conn == nil {
		return nil
	}
	err := p.conn.Drain()
	p.conn = nil
	p.logger.Info().Msg("NATS provider stopped")
	return err
}

// IsRunning returns whether the provider is currently connected
func (p *Provider) IsRunning() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.conn != nil && !p.conn.IsClosed()
}

// Publish sends payload on the subject derived from topic
func (p *Provider) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mutex.RLock()
	conn := p.conn
	p.mutex.RUnlock()
	if conn == nil {
		return gateway.ErrNotRunning
	}

	if err := conn.Publish(TopicToSubject(topic), payload); err != nil {
		return fmt.Errorf("NATS publish failed on %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for pattern
func (p *Provider) Subscribe(pattern string, handler gateway.Handler) (gateway.Subscription, error) {
	if pattern == "" || handler == nil {
		return nil, fmt.Errorf("pattern and handler are required")
	}

	p.mutex.RLock()
	conn := p.conn
	p.mutex.RUnlock()
	if conn == nil {
		return nil, gateway.ErrNotRunning
	}

	sub, err := conn.Subscribe(TopicToSubject(pattern), func(msg *nats.Msg) {
		handler(SubjectToTopic(msg.Subject), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %q: %w", pattern, err)
	}

	p.logger.Info().Str("pattern", pattern).Str("subject", sub.Subject).Msg("NATS subscription added")
	return &subscription{pattern: pattern, sub: sub}, nil
}

type subscription struct {
	pattern string
	sub     *nats.Subscription
}

func (s *subscription) Pattern() string {
	return s.pattern
}

func (s *subscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// TopicToSubject converts a slash separated topic or pattern to a NATS subject
func TopicToSubject(topic string) string {
	parts := strings.Split(topic, "/")
	for i, part := range parts {
		if part == "**" {
			parts[i] = ">"
		}
	}
	return strings.Join(parts, ".")
}

// SubjectToTopic converts a NATS subject back to a slash separated topic
func SubjectToTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// Compile-time check that Provider implements gateway.Gateway
var _ gateway.Gateway = (*Provider)(nil)
