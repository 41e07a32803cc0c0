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

// Package gateway is the narrow publish/subscribe surface the hub uses to talk
// to robot agents. Concrete transports live in subpackages.
package gateway

import (
	"context"
	"errors"
)

var (
	// ErrNotRunning is returned when publishing on a stopped gateway
	ErrNotRunning = errors.New("gateway not running")
	// ErrInvalidTopic is returned for topics that do not follow the fms hierarchy
	ErrInvalidTopic = errors.New("invalid topic")
)

// Handler receives a message delivered on a topic matching a subscription.
// Handlers must not retain payload after returning.
type Handler func(topic string, payload []byte)

// Subscription is returned by Subscribe and cancels delivery when closed.
type Subscription interface {
	Pattern() string
	Unsubscribe() error
}

// Gateway defines the interface for different pub/sub transport implementations
type Gateway interface {
	// Name returns the provider name (e.g., "zmq", "nats", "memory")
	Name() string

	// Start initializes and starts the provider
	Start(ctx context.Context) error

	// Stop gracefully shuts down the provider
	Stop() error

	// IsRunning returns whether the provider is currently active
	IsRunning() bool

	// Publish sends payload on topic. Delivery is best-effort.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for every topic matching pattern.
	// Patterns use "*" for one segment and "**" for any number of segments.
	Subscribe(pattern string, handler Handler) (Subscription, error)
}
