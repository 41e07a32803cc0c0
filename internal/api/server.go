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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"fleethub/internal/fanout"
	"fleethub/internal/logger"
	"fleethub/internal/scheduler"
	"fleethub/internal/state"
	"fleethub/internal/tasks"
)

// StateReader exposes robot snapshots
type StateReader interface {
	Get(robotID string) (state.RobotState, error)
	List() []state.RobotState
}

// TaskReader exposes task lookups
type TaskReader interface {
	Get(taskID string) (tasks.Task, error)
	Active(robotID string) (tasks.Task, bool)
	Recent(robotID string) []tasks.Task
	Stats() tasks.Stats
}

// Scheduler accepts task and cancel requests
type Scheduler interface {
	Schedule(ctx context.Context, req scheduler.Request) (tasks.Task, error)
	Cancel(ctx context.Context, robotID, reason string) (tasks.Task, error)
}

// EventHub hands out event subscriptions
type EventHub interface {
	Subscribe(opts fanout.SubscribeOptions) *fanout.Subscriber
	Unsubscribe(s *fanout.Subscriber)
	Stats() fanout.Stats
}

// Transport reports the robot transport's state for health checks
type Transport interface {
	Name() string
	IsRunning() bool
}

// Config for the HTTP listener
type Config struct {
	Address        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// Deps are the components the server fronts. Transport and Stats are
// optional.
type Deps struct {
	Store     StateReader
	Tasks     TaskReader
	Scheduler Scheduler
	Events    EventHub
	Transport Transport
	Stats     func() map[string]any
}

// Server handles REST and WebSocket requests
type Server struct {
	config  Config
	deps    Deps
	router  *mux.Router
	server  *http.Server
	started time.Time
	logger  zerolog.Logger
}

// NewServer creates the API server and its routes
func NewServer(config Config, deps Deps) *Server {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 15 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 15 * time.Second
	}

	s := &Server{
		config:  config,
		deps:    deps,
		started: time.Now(),
		logger:  logger.GetLogger("api"),
	}
	s.router = s.routes()

	// no write timeout: it would cut long-lived WebSocket streams
	s.server = &http.Server{
		Addr:        config.Address,
		Handler:     s.router,
		ReadTimeout: config.ReadTimeout,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	apiRouter := router.PathPrefix("/api").Subrouter()

	// Robots
	apiRouter.HandleFunc("/robots", s.handleListRobots).Methods("GET")
	apiRouter.HandleFunc("/robots/{id}", s.handleGetRobot).Methods("GET")
	apiRouter.HandleFunc("/robots/{id}/tasks", s.handleRobotTasks).Methods("GET")
	apiRouter.HandleFunc("/robots/{id}/cancel", s.handleCancel).Methods("POST", "OPTIONS")

	// Tasks
	apiRouter.HandleFunc("/tasks", s.handleCreateTask).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/tasks/{id}", s.handleGetTask).Methods("GET")

	apiRouter.HandleFunc("/health", s.handleHealth).Methods("GET")
	apiRouter.HandleFunc("/stats", s.handleStats).Methods("GET")

	// Event stream
	router.HandleFunc("/ws", s.handleWebSocket)

	return router
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info().
		Str("address", s.config.Address).
		Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down, waiting for in-flight requests until ctx
// ends. A server stopped before Start never listens.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Middleware
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("API request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Response helpers
func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// sendRejection reports a scheduler rejection with its reason code
func (s *Server) sendRejection(w http.ResponseWriter, err error) {
	var rej *scheduler.Rejection
	if !errors.As(err, &rej) {
		s.logger.Error().Err(err).Msg("Request failed")
		s.sendError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.sendJSON(w, statusForRejection(rej.Reason), map[string]interface{}{
		"error":     true,
		"reason":    rej.Reason,
		"message":   rej.Error(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func statusForRejection(reason scheduler.Reason) int {
	switch reason {
	case scheduler.ReasonInvalid:
		return http.StatusBadRequest
	case scheduler.ReasonNotFound:
		return http.StatusNotFound
	case scheduler.ReasonUnavailable, scheduler.ReasonLowBattery:
		return http.StatusServiceUnavailable
	case scheduler.ReasonBusy, scheduler.ReasonNoActiveTask:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
