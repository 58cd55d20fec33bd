package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a task status change is not allowed
var ErrInvalidTransition = errors.New("coordinator: invalid task transition")

const (
	taskKeyPrefix        = "task:"
	activeTasksKeyPrefix = "tasks:active:"
)

// TaskStatus is the lifecycle state of a research task
type TaskStatus string

const (
	// TaskCreated indicates the record exists but the runtime has not started
	TaskCreated TaskStatus = "created"
	// TaskRunning indicates the runtime is producing events
	TaskRunning TaskStatus = "running"
	// TaskCompleted indicates the runtime delivered final results
	TaskCompleted TaskStatus = "completed"
	// TaskFailed indicates the runtime or the instance running it failed
	TaskFailed TaskStatus = "failed"
	// TaskCancelled indicates a client or operator stopped the task
	TaskCancelled TaskStatus = "cancelled"
)

var transitions = map[TaskStatus][]TaskStatus{
	TaskCreated: {TaskRunning, TaskFailed, TaskCancelled},
	TaskRunning: {TaskCompleted, TaskFailed, TaskCancelled},
}

// Terminal reports whether no further transition is possible
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// CanTransition reports whether a task may move from one status to another
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AgentStatus is the last reported state of one agent on a task
type AgentStatus struct {
	Stage     string    `json:"stage"`
	Progress  int       `json:"progress"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is the fleet-visible execution state of one research request
type Task struct {
	ID         string                 `json:"id"`
	SessionID  string                 `json:"session_id"`
	UserID     string                 `json:"user_id"`
	Tier       string                 `json:"tier"`
	Query      string                 `json:"query"`
	Mode       string                 `json:"mode"`
	FocusAreas []string               `json:"focus_areas,omitempty"`
	Status     TaskStatus             `json:"status"`
	Progress   int                    `json:"progress"`
	Agents     map[string]AgentStatus `json:"agents,omitempty"`
	Partials   []json.RawMessage      `json:"partials,omitempty"`
	Results    json.RawMessage        `json:"results,omitempty"`
	Error      string                 `json:"error,omitempty"`
	InstanceID string                 `json:"instance_id,omitempty"` // Instance running the task
	QuotaHeld  bool                   `json:"quota_held,omitempty"`  // Counted in tasks:active:<user>
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// transition moves t to status `to`, stamping the timestamps
func (t *Task) transition(to TaskStatus, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = now
	switch {
	case to == TaskRunning:
		t.StartedAt = &now
	case to.Terminal():
		t.FinishedAt = &now
	}
	return nil
}

// advance records progress for agent, never letting overall progress go back
func (t *Task) advance(agent, stage string, progress int, now time.Time) int {
	if progress > 100 {
		progress = 100
	}
	if progress > t.Progress {
		t.Progress = progress
	}
	if agent != "" {
		if t.Agents == nil {
			t.Agents = make(map[string]AgentStatus)
		}
		t.Agents[agent] = AgentStatus{Stage: stage, Progress: t.Progress, UpdatedAt: now}
	}
	t.UpdatedAt = now
	return t.Progress
}

func taskKey(id string) string {
	return taskKeyPrefix + id
}

func activeTasksKey(userID string) string {
	return activeTasksKeyPrefix + userID
}
