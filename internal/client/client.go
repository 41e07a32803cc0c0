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

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"fleethub/internal/api"
	"fleethub/internal/fanout"
	"fleethub/internal/scheduler"
	"fleethub/internal/state"
	"fleethub/internal/tasks"
)

// ErrDispatchFailed means the hub accepted a task but could not publish its
// command, so the task is already finished with an error
var ErrDispatchFailed = errors.New("task command was not dispatched")

// APIError is a non-2xx response from the hub
type APIError struct {
	StatusCode int
	Reason     string `json:"reason"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("hub returned %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("hub returned %d: %s", e.StatusCode, e.Message)
}

// RobotTasks is the active task and recent history of one robot
type RobotTasks struct {
	RobotID string       `json:"robot_id"`
	Active  *tasks.Task  `json:"active"`
	Recent  []tasks.Task `json:"recent"`
}

// Client talks to the hub HTTP and WebSocket API
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the hub at baseURL, e.g. http://localhost:8000
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// ListRobots returns every known robot
func (c *Client) ListRobots(ctx context.Context) ([]state.RobotState, error) {
	var robots []state.RobotState
	err := c.do(ctx, http.MethodGet, "/api/robots", nil, &robots)
	return robots, err
}

// GetRobot returns one robot
func (c *Client) GetRobot(ctx context.Context, robotID string) (state.RobotState, error) {
	var robot state.RobotState
	err := c.do(ctx, http.MethodGet, "/api/robots/"+url.PathEscape(robotID), nil, &robot)
	return robot, err
}

// RobotTasks returns a robot's active task and recent history
func (c *Client) RobotTasks(ctx context.Context, robotID string) (RobotTasks, error) {
	var out RobotTasks
	err := c.do(ctx, http.MethodGet, "/api/robots/"+url.PathEscape(robotID)+"/tasks", nil, &out)
	return out, err
}

// SendTask assigns a task to a robot. A task the hub created but could not
// send to the robot is returned together with ErrDispatchFailed.
func (c *Client) SendTask(ctx context.Context, req scheduler.Request) (api.TaskResponse, error) {
	var out api.TaskResponse
	if err := c.do(ctx, http.MethodPost, "/api/tasks", req, &out); err != nil {
		return out, err
	}
	if out.Status == tasks.StatusError {
		return out, fmt.Errorf("%w: task %s: %s", ErrDispatchFailed, out.TaskID, out.Message)
	}
	return out, nil
}

// CancelTask cancels a robot's active task
func (c *Client) CancelTask(ctx context.Context, robotID, reason string) (api.TaskResponse, error) {
	var out api.TaskResponse
	err := c.do(ctx, http.MethodPost, "/api/robots/"+url.PathEscape(robotID)+"/cancel",
		map[string]string{"reason": reason}, &out)
	return out, err
}

// GetTask returns a task by id
func (c *Client) GetTask(ctx context.Context, taskID string) (tasks.Task, error) {
	var task tasks.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID), nil, &task)
	return task, err
}

// Health returns the hub health document
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &out)
	return out, err
}

// Watch streams fan-out events matching filter to fn until ctx is done or
// the hub closes the stream
func (c *Client) Watch(ctx context.Context, filter fanout.Filter, fn func(event map[string]any)) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid hub url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	q := url.Values{}
	if len(filter.RobotIDs) > 0 {
		q.Set("robot_id", strings.Join(filter.RobotIDs, ","))
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		q.Set("kind", strings.Join(kinds, ","))
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", u.String(), err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("event stream closed: %w", err)
		}

		var event map[string]any
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		fn(event)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to hub failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
