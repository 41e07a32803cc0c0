package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"fleethub/internal/scheduler"
	"fleethub/internal/state"
	"fleethub/internal/tasks"
)

const maxBodyBytes = 1 << 20

// TaskResponse is returned for task creation and cancellation. A created
// task whose command could not be published comes back with status error
// and message dispatch_failed.
type TaskResponse struct {
	TaskID   string         `json:"task_id"`
	RobotID  string         `json:"robot_id"`
	Status   tasks.Status   `json:"status"`
	Priority tasks.Priority `json:"priority,omitempty"`
	Message  string         `json:"message,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleListRobots(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.deps.Store.List())
}

func (s *Server) handleGetRobot(w http.ResponseWriter, r *http.Request) {
	robotID := mux.Vars(r)["id"]
	robot, err := s.deps.Store.Get(robotID)
	if err != nil {
		s.sendError(w, http.StatusNotFound, "robot not found: "+robotID)
		return
	}
	s.sendJSON(w, http.StatusOK, robot)
}

func (s *Server) handleRobotTasks(w http.ResponseWriter, r *http.Request) {
	robotID := mux.Vars(r)["id"]
	if _, err := s.deps.Store.Get(robotID); err != nil {
		s.sendError(w, http.StatusNotFound, "robot not found: "+robotID)
		return
	}

	response := map[string]interface{}{
		"robot_id": robotID,
		"active":   nil,
		"recent":   s.deps.Tasks.Recent(robotID),
	}
	if task, ok := s.deps.Tasks.Active(robotID); ok {
		response["active"] = task
	}
	s.sendJSON(w, http.StatusOK, response)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req scheduler.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	task, err := s.deps.Scheduler.Schedule(r.Context(), req)
	if err != nil {
		s.sendRejection(w, err)
		return
	}

	s.sendJSON(w, http.StatusCreated, TaskResponse{
		TaskID:   task.TaskID,
		RobotID:  task.RobotID,
		Status:   task.Status,
		Priority: task.Priority,
		Message:  task.Message,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]
	task, err := s.deps.Tasks.Get(taskID)
	if err != nil {
		s.sendError(w, http.StatusNotFound, "task not found: "+taskID)
		return
	}
	s.sendJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	robotID := mux.Vars(r)["id"]

	// the body is optional
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && err != io.EOF {
			s.sendError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}

	task, err := s.deps.Scheduler.Cancel(r.Context(), robotID, req.Reason)
	if err != nil {
		s.sendRejection(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, TaskResponse{
		TaskID:  task.TaskID,
		RobotID: task.RobotID,
		Status:  task.Status,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{
		"state_store": "healthy",
		"fanout":      "healthy",
	}
	status := "healthy"
	code := http.StatusOK

	if t := s.deps.Transport; t != nil {
		if t.IsRunning() {
			components["transport_"+t.Name()] = "healthy"
		} else {
			components["transport_"+t.Name()] = "stopped"
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	s.sendJSON(w, code, map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"components": components,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	robots := s.deps.Store.List()
	counts := map[state.Status]int{
		state.StatusOnline:  0,
		state.StatusBusy:    0,
		state.StatusOffline: 0,
		state.StatusError:   0,
	}
	for _, robot := range robots {
		counts[robot.Status]++
	}

	response := map[string]interface{}{
		"robots": map[string]interface{}{
			"total":     len(robots),
			"by_status": counts,
		},
		"tasks":     s.deps.Tasks.Stats(),
		"fanout":    s.deps.Events.Stats(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Stats != nil {
		for k, v := range s.deps.Stats() {
			response[k] = v
		}
	}
	s.sendJSON(w, http.StatusOK, response)
}
