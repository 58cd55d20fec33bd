package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/protocol"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/store"
)

const healthTimeout = 2 * time.Second

// TaskStatusView is the client-facing status of a task
type TaskStatusView struct {
	TaskID     string                 `json:"task_id"`
	Status     TaskStatus             `json:"status"`
	Mode       string                 `json:"mode"`
	Progress   int                    `json:"progress"`
	Agents     map[string]AgentStatus `json:"agents,omitempty"`
	Results    json.RawMessage        `json:"results,omitempty"`
	Error      string                 `json:"error,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

func newTaskStatusView(t *Task) TaskStatusView {
	return TaskStatusView{
		TaskID:     t.ID,
		Status:     t.Status,
		Mode:       t.Mode,
		Progress:   t.Progress,
		Agents:     t.Agents,
		Results:    t.Results,
		Error:      t.Error,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
		FinishedAt: t.FinishedAt,
	}
}

// httpAPI serves the request/response surface next to the socket endpoint
type httpAPI struct {
	tasks    *TaskCoordinator
	store    *store.Store
	draining func() bool
	logger   *zap.Logger
}

func (a *httpAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/tasks/{id}", a.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", a.handleCancelTask)
	mux.HandleFunc("GET /healthz", a.handleHealth)
}

func (a *httpAPI) handleGetTask(w http.ResponseWriter, r *http.Request) {
	userID, taskID, perr := identify(r)
	if perr != nil {
		writeError(w, perr, "")
		return
	}
	task, err := a.tasks.GetForUser(r.Context(), taskID, userID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskStatusView(task))
}

func (a *httpAPI) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	userID, taskID, perr := identify(r)
	if perr != nil {
		writeError(w, perr, "")
		return
	}
	task, changed, err := a.tasks.Cancel(r.Context(), taskID, userID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		TaskStatusView
		Cancelled bool `json:"cancelled"`
	}{newTaskStatusView(task), changed})
}

func (a *httpAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	body := map[string]string{"status": "ok", "fast_store": "ok", "durable_store": "ok"}
	status := http.StatusOK
	if err := a.store.Fast().Ping(ctx); err != nil {
		body["fast_store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := a.store.Durable().Ping(ctx); err != nil {
		body["durable_store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if a.draining != nil && a.draining() {
		body["status"] = "draining"
		status = http.StatusServiceUnavailable
	} else if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func (a *httpAPI) fail(w http.ResponseWriter, err error) {
	pe := protocol.AsError(err)
	if pe.Code == protocol.CodeServerError {
		a.logger.Error("Request failed", zap.Error(err))
	}
	writeError(w, pe, "")
}

// identify reads the proxy identity and the task id path value
func identify(r *http.Request) (userID, taskID string, err *protocol.Error) {
	userID = r.Header.Get(HeaderUserID)
	if userID == "" {
		return "", "", protocol.NewError(protocol.CodeAuthFailed)
	}
	taskID = r.PathValue("id")
	if !protocol.IsUUID(taskID) {
		return "", "", protocol.NewError(protocol.CodeInvalidInput)
	}
	return userID, taskID, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a boundary error with its status and rate-limit headers
func writeError(w http.ResponseWriter, err *protocol.Error, requestID string) {
	if info := err.RateLimit; info != nil {
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(info.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(info.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.Reset, 10))
	}
	msg := err.Message(requestID)
	if msg.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(msg.RetryAfter, 10))
	}
	writeJSON(w, err.Code.HTTPStatus(), map[string]*protocol.ErrorMessage{"error": msg})
}
