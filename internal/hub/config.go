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
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fleethub/internal/fanout"
	"fleethub/internal/gateway/natsgw"
	"fleethub/internal/gateway/zmq"
	"fleethub/internal/logger"
	"fleethub/internal/scheduler"
	"fleethub/internal/tasks"
	"fleethub/internal/watchdog"
)

// Transport providers
const (
	ProviderZMQ    = "zmq"
	ProviderNATS   = "nats"
	ProviderMemory = "memory"
)

// Config represents the hub configuration structure
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Transport TransportConfig  `yaml:"transport"`
	Watchdog  watchdog.Config  `yaml:"watchdog"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Tasks     tasks.Config     `yaml:"tasks"`
	Fanout    fanout.Config    `yaml:"fanout"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains the HTTP and WebSocket listener settings
type ServerConfig struct {
	Address        string        `yaml:"address"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"` // WebSocket origin patterns
}

// TransportConfig selects and configures the robot message transport
type TransportConfig struct {
	Provider string        `yaml:"provider"`
	ZMQ      zmq.Config    `yaml:"zmq"`
	NATS     natsgw.Config `yaml:"nats"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Silent bool   `yaml:"silent"`
}

// LoadConfig loads configuration from a YAML file. Missing values take
// defaults before validation.
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := NewDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}

	switch c.Transport.Provider {
	case ProviderZMQ:
		if err := c.Transport.ZMQ.Validate(); err != nil {
			return fmt.Errorf("transport.zmq: %w", err)
		}
	case ProviderNATS:
		if !strings.HasPrefix(c.Transport.NATS.URL, "nats://") && !strings.HasPrefix(c.Transport.NATS.URL, "tls://") {
			return fmt.Errorf("transport.nats.url must be a nats:// or tls:// URL")
		}
	case ProviderMemory:
	default:
		return fmt.Errorf("transport.provider must be one of %s, %s, %s", ProviderZMQ, ProviderNATS, ProviderMemory)
	}

	if c.Watchdog.Threshold <= 0 {
		return fmt.Errorf("watchdog.threshold must be positive")
	}
	if c.Watchdog.Interval <= 0 {
		return fmt.Errorf("watchdog.interval must be positive")
	}
	if c.Watchdog.Interval > c.Watchdog.Threshold {
		return fmt.Errorf("watchdog.interval must not exceed watchdog.threshold")
	}

	if c.Scheduler.BatteryFloor < 0 || c.Scheduler.BatteryFloor >= 100 {
		return fmt.Errorf("scheduler.battery_floor must be in [0, 100)")
	}
	if c.Scheduler.Dispatch.Retries < 0 {
		return fmt.Errorf("scheduler.dispatch.retries must not be negative")
	}

	if c.Tasks.HistorySize <= 0 {
		return fmt.Errorf("tasks.history_size must be positive")
	}
	if c.Fanout.QueueSize <= 0 {
		return fmt.Errorf("fanout.queue_size must be positive")
	}
	if c.Fanout.MaxConsecutiveDrops <= 0 {
		return fmt.Errorf("fanout.max_consecutive_drops must be positive")
	}

	if !logger.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}

	return nil
}

// Save saves the configuration to a YAML file
func (c *Config) Save(filepath string) error {
	return SaveConfig(c, filepath)
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NewDefaultConfig creates a default configuration
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8000",
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Transport: TransportConfig{
			Provider: ProviderZMQ,
			ZMQ: zmq.Config{
				PublishEndpoint:   "tcp://*:7448",
				SubscribeEndpoint: "tcp://*:7447",
				Bind:              true,
				HighWatermark:     1000,
				Curve: zmq.CurveConfig{
					KeyFile: "hub.keys.yml",
				},
			},
			NATS: natsgw.Config{
				URL:           "nats://127.0.0.1:4222",
				Name:          "fleethub",
				ReconnectWait: 2 * time.Second,
			},
		},
		Watchdog: watchdog.Config{
			Threshold: watchdog.DefaultThreshold,
			Interval:  watchdog.DefaultInterval,
		},
		Scheduler: scheduler.Config{
			BatteryFloor: scheduler.DefaultBatteryFloor,
		},
		Tasks: tasks.Config{
			HistorySize:   tasks.DefaultHistorySize,
			RetainedTasks: tasks.DefaultRetainedTasks,
			RetainFor:     tasks.DefaultRetainFor,
		},
		Fanout: fanout.Config{
			QueueSize:           fanout.DefaultQueueSize,
			MaxConsecutiveDrops: fanout.DefaultMaxConsecutiveDrops,
			HeartbeatInterval:   fanout.DefaultHeartbeatInterval,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
