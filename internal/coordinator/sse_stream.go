package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/protocol"
)

// streamLinger is how long a stream stays open after its task's final event
const streamLinger = 5 * time.Second

// progressStream mirrors task events to read-only server-sent-event
// subscribers (dashboards, CLI watchers). One stream per task id. Streams
// replay their events to late subscribers and close shortly after the
// task's final event.
type progressStream struct {
	server  *sse.Server
	tasks   *TaskCoordinator
	logger  *zap.Logger
	linger  time.Duration
	closing sync.Map // task id -> struct{}
}

func newProgressStream(tasks *TaskCoordinator, logger *zap.Logger) *progressStream {
	srv := sse.New()
	srv.AutoStream = true
	srv.AutoReplay = true
	return &progressStream{server: srv, tasks: tasks, logger: logger, linger: streamLinger}
}

// HandleEvent forwards a bus event to the task's subscribers, if any
func (p *progressStream) HandleEvent(_ context.Context, ev *Event) {
	if !p.server.StreamExists(ev.TaskID) {
		return
	}
	p.server.Publish(ev.TaskID, &sse.Event{
		Event: []byte(ev.Type),
		Data:  ev.Frame,
	})
	if finalEvent(ev.Type) {
		p.closeLater(ev.TaskID)
	}
}

func finalEvent(t protocol.Type) bool {
	switch t {
	case protocol.TypeResearchCompleted, protocol.TypeResearchCancelled, protocol.TypeError:
		return true
	}
	return false
}

// closeLater removes the stream once subscribers had time to drain it
func (p *progressStream) closeLater(taskID string) {
	if _, loaded := p.closing.LoadOrStore(taskID, struct{}{}); loaded {
		return
	}
	time.AfterFunc(p.linger, func() {
		p.server.RemoveStream(taskID)
		p.closing.Delete(taskID)
	})
}

// ServeHTTP serves GET /v1/tasks/{id}/events
func (p *progressStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, taskID, perr := identify(r)
	if perr != nil {
		writeError(w, perr, "")
		return
	}
	task, err := p.tasks.GetForUser(r.Context(), taskID, userID)
	if err != nil {
		pe := protocol.AsError(err)
		if pe.Code == protocol.CodeServerError {
			p.logger.Error("Progress stream lookup failed", zap.String("task_id", taskID), zap.Error(err))
		}
		writeError(w, pe, "")
		return
	}

	// A finished task produces no more events; answer with its status
	if task.Status.Terminal() {
		p.writeStatus(w, task)
		return
	}

	// The stream must exist before the second look so a task finishing in
	// between is either seen here or replayed to the subscriber
	p.server.CreateStream(taskID)
	task, err = p.tasks.GetForUser(r.Context(), taskID, userID)
	if err != nil {
		writeError(w, protocol.AsError(err), "")
		return
	}
	if task.Status.Terminal() {
		p.closeLater(taskID)
		p.writeStatus(w, task)
		return
	}

	r2 := r.Clone(r.Context())
	q := r2.URL.Query()
	q.Set("stream", taskID)
	r2.URL.RawQuery = q.Encode()
	p.server.ServeHTTP(w, r2)
}

func (p *progressStream) writeStatus(w http.ResponseWriter, task *Task) {
	data, err := json.Marshal(newTaskStatusView(task))
	if err != nil {
		writeError(w, protocol.Wrap(protocol.CodeServerError, err), "")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// Close ends every open stream
func (p *progressStream) Close() {
	p.server.Close()
}
