package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleethub/internal/logger"
)

const memoryHistoryLimit = 1024

// Message is a published topic/payload pair
type Message struct {
	Topic   string
	Payload []byte
}

// MemoryGateway is an in-process Gateway. Handlers run on the publishing
// goroutine, after the subscription table lock has been released.
type MemoryGateway struct {
	subs    map[string]*memorySubscription
	history []Message
	running bool
	logger  zerolog.Logger
	mutex   sync.RWMutex
}

type memorySubscription struct {
	id      string
	pattern string
	handler Handler
	gw      *MemoryGateway
}

// NewMemoryGateway creates an in-process gateway
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		subs:   make(map[string]*memorySubscription),
		logger: logger.GetLogger("gateway.memory"),
	}
}

// Name returns the provider name
func (m *MemoryGateway) Name() string {
	return "memory"
}

// Start marks the gateway as running
func (m *MemoryGateway) Start(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.running = true
	return nil
}

// Stop marks the gateway as stopped
func (m *MemoryGateway) Stop() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.running = false
	return nil
}

// IsRunning returns whether the gateway is started
func (m *MemoryGateway) IsRunning() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.running
}

// Publish delivers payload to every matching subscription
func (m *MemoryGateway) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.Lock()
	if !m.running {
		m.mutex.Unlock()
		return ErrNotRunning
	}
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	m.history = append(m.history, msg)
	if len(m.history) > memoryHistoryLimit {
		m.history = m.history[len(m.history)-memoryHistoryLimit:]
	}
	targets := make([]*memorySubscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if Match(sub.pattern, topic) {
			targets = append(targets, sub)
		}
	}
	m.mutex.Unlock()

	for _, sub := range targets {
		sub.handler(topic, msg.Payload)
	}

	m.logger.Debug().
		Str("topic", topic).
		Int("subscribers", len(targets)).
		Msg("Message published")

	return nil
}

// Subscribe registers handler for pattern
func (m *MemoryGateway) Subscribe(pattern string, handler Handler) (Subscription, error) {
	if pattern == "" || handler == nil {
		return nil, fmt.Errorf("pattern and handler are required")
	}

	sub := &memorySubscription{
		id:      uuid.NewString(),
		pattern: pattern,
		handler: handler,
		gw:      m,
	}

	m.mutex.Lock()
	m.subs[sub.id] = sub
	m.mutex.Unlock()

	return sub, nil
}

// Published returns the most recent published messages, oldest first
func (m *MemoryGateway) Published() []Message {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make([]Message, len(m.history))
	copy(out, m.history)
	return out
}

// PublishedOn returns the recent messages whose topic matches pattern
func (m *MemoryGateway) PublishedOn(pattern string) []Message {
	var out []Message
	for _, msg := range m.Published() {
		if Match(pattern, msg.Topic) {
			out = append(out, msg)
		}
	}
	return out
}

func (s *memorySubscription) Pattern() string {
	return s.pattern
}

func (s *memorySubscription) Unsubscribe() error {
	s.gw.mutex.Lock()
	defer s.gw.mutex.Unlock()
	delete(s.gw.subs, s.id)
	return nil
}

// Compile-time check that MemoryGateway implements Gateway
var _ Gateway = (*MemoryGateway)(nil)
