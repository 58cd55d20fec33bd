package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/cache"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/config"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/protocol"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/ratelimit"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/store"
	"github.com/AltairaLabs/research-coordinator/internal/runtime"
)

const (
	maxPartials       = 50
	finalizeTimeout   = 5 * time.Second
	interruptedReason = "interrupted"
)

var (
	errTaskNotOwned    = errors.New("task belongs to another user")
	errShuttingDown    = errors.New("coordinator: shutting down")
	errStreamTruncated = errors.New("runtime stream ended without a result")
)

// CreateRequest carries a validated research query from a session
type CreateRequest struct {
	SessionID  string
	UserID     string
	Tier       string
	Query      string
	Mode       string
	FocusAreas []string
}

type localRun struct {
	sessionID string
	cancel    context.CancelFunc
}

// TaskCoordinator drives research tasks from creation to a terminal status.
// Every change to a task record happens under the task's fleet-wide lock,
// and the matching bus event is published before the lock is released, so
// events for one task leave in the order the record changed.
type TaskCoordinator struct {
	store   *store.Store
	bus     *EventBus
	runtime runtime.Runtime
	limiter *ratelimit.Limiter
	cfg     *config.Config
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time

	// Finished records never change again; nil when disabled
	finished *cache.TTLCache[*Task]

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*localRun
	closed bool
}

// NewTaskCoordinator creates a coordinator that runs tasks on rt
func NewTaskCoordinator(
	st *store.Store,
	bus *EventBus,
	rt runtime.Runtime,
	limiter *ratelimit.Limiter,
	cfg *config.Config,
	logger *zap.Logger,
	metrics *Metrics,
) *TaskCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	var finished *cache.TTLCache[*Task]
	if cfg.Task.FinishedCacheTTL > 0 {
		finished = cache.New[*Task](cfg.Task.FinishedCacheTTL)
	}
	return &TaskCoordinator{
		store:    st,
		bus:      bus,
		runtime:  rt,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		finished: finished,
		baseCtx:  ctx,
		stop:     cancel,
		runs:     make(map[string]*localRun),
	}
}

// Create checks the tier's mode list, the query rate and the concurrent
// task quota, then writes a task record in status created. The rate-limit
// result is returned for the caller to report, even on rejection.
func (c *TaskCoordinator) Create(ctx context.Context, req CreateRequest) (*Task, ratelimit.Result, error) {
	tierName, tierCfg := c.cfg.Tier(req.Tier)
	if !tierCfg.AllowsMode(req.Mode) {
		return nil, ratelimit.Result{}, protocol.NewError(protocol.CodeForbidden)
	}

	res := c.limiter.CheckOperation(ctx, req.UserID, tierName, ratelimit.OpResearchQuery)
	if !res.Allowed {
		return nil, res, res.Err()
	}

	quotaHeld := true
	n, err := c.store.Increment(ctx, activeTasksKey(req.UserID), 1, c.cfg.Task.Retention)
	if err != nil {
		c.logger.Warn("Task quota counter unavailable, admitting without quota check",
			zap.String("user_id", req.UserID), zap.Error(err))
		quotaHeld = false
	} else if n > int64(tierCfg.MaxConcurrentTasks) {
		c.releaseQuota(ctx, req.UserID)
		return nil, res, protocol.NewError(protocol.CodeQuotaExceeded).WithRateLimit(res.Info(), 0)
	}

	now := c.now().UTC()
	task := &Task{
		ID:         uuid.NewString(),
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		Tier:       tierName,
		Query:      req.Query,
		Mode:       req.Mode,
		FocusAreas: req.FocusAreas,
		Status:     TaskCreated,
		QuotaHeld:  quotaHeld,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.PutJSON(ctx, c.store, taskKey(task.ID), task, c.cfg.Task.Retention); err != nil {
		if quotaHeld {
			c.releaseQuota(ctx, req.UserID)
		}
		return nil, res, protocol.Wrap(protocol.CodeServerError, err)
	}
	c.metrics.taskCreated()

	c.logger.Info("Task created",
		zap.String("task_id", task.ID),
		zap.String("session_id", req.SessionID),
		zap.String("mode", req.Mode))
	return task, res, nil
}

// Start runs the task in the background until it reaches a terminal status
func (c *TaskCoordinator) Start(taskID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errShuttingDown
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := c.Run(c.baseCtx, taskID); err != nil {
			c.logger.Warn("Task run ended with error", zap.String("task_id", taskID), zap.Error(err))
		}
	}()
	return nil
}

// Run moves a created task to running and consumes the runtime's event
// stream until a terminal event, a cancel or ctx ends. No automatic retry
// happens on failure.
func (c *TaskCoordinator) Run(ctx context.Context, taskID string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	task, changed, err := c.mutate(ctx, taskID, func(t *Task) (protocol.Payload, error) {
		if t.Status != TaskCreated {
			return nil, store.ErrSkip
		}
		t.InstanceID = c.cfg.InstanceID
		return nil, t.transition(TaskRunning, c.now().UTC())
	})
	if err != nil {
		return err
	}
	if !changed {
		c.logger.Debug("Task not startable", zap.String("task_id", taskID), zap.String("status", string(task.Status)))
		return nil
	}

	c.track(taskID, task.SessionID, cancel)
	defer c.untrack(taskID)

	events, err := c.runtime.Start(runCtx, &runtime.Request{
		TaskID:     task.ID,
		UserID:     task.UserID,
		Query:      task.Query,
		Mode:       task.Mode,
		FocusAreas: task.FocusAreas,
	})
	if err != nil {
		c.finalize(ctx, taskID, protocol.CodeResearchFailed.Message(), err)
		return err
	}

	for {
		select {
		case <-runCtx.Done():
			c.finalize(ctx, taskID, interruptedReason, runCtx.Err())
			return nil
		case ev, ok := <-events:
			if !ok {
				c.finalize(ctx, taskID, interruptedReason, errStreamTruncated)
				return nil
			}
			done, err := c.apply(ctx, taskID, ev)
			if err != nil {
				c.logger.Error("Failed to record runtime event",
					zap.String("task_id", taskID),
					zap.String("kind", string(ev.Kind)),
					zap.Error(err))
				if ev.Terminal() {
					return c.settle(ctx, taskID, ev, err)
				}
				continue
			}
			if done {
				return nil
			}
		}
	}
}

// apply records one runtime event. done is true once the task is terminal.
func (c *TaskCoordinator) apply(ctx context.Context, taskID string, ev runtime.Event) (bool, error) {
	task, _, err := c.mutate(ctx, taskID, func(t *Task) (protocol.Payload, error) {
		if t.Status.Terminal() {
			return nil, store.ErrSkip
		}
		now := c.now().UTC()

		switch ev.Kind {
		case runtime.EventProgress:
			p := t.advance(ev.Agent, ev.Stage, ev.Progress, now)
			return protocol.ResearchUpdate{TaskID: t.ID, Agent: ev.Agent, Progress: p, Stage: ev.Stage}, nil

		case runtime.EventPartial:
			stage := ev.Stage
			if stage == "" {
				stage = "partial"
			}
			p := t.advance(ev.Agent, stage, ev.Progress, now)
			t.Partials = append(t.Partials, ev.Data)
			if len(t.Partials) > maxPartials {
				t.Partials = t.Partials[len(t.Partials)-maxPartials:]
			}
			return protocol.ResearchUpdate{TaskID: t.ID, Agent: ev.Agent, Progress: p, Stage: stage, Partial: ev.Data}, nil

		case runtime.EventCompleted:
			t.advance("", "", 100, now)
			t.Results = ev.Data
			if err := t.transition(TaskCompleted, now); err != nil {
				return nil, err
			}
			return protocol.ResearchCompleted{TaskID: t.ID, Results: ev.Data}, nil

		case runtime.EventFailed:
			c.logger.Warn("Runtime reported failure",
				zap.String("task_id", t.ID), zap.String("agent", ev.Agent), zap.Error(ev.Err))
			t.Error = protocol.CodeResearchFailed.Message()
			if err := t.transition(TaskFailed, now); err != nil {
				return nil, err
			}
			return *protocol.NewError(protocol.CodeResearchFailed).WithTask(t.ID).Message(""), nil
		}

		c.logger.Warn("Ignoring unknown runtime event", zap.String("task_id", t.ID), zap.String("kind", string(ev.Kind)))
		return nil, store.ErrSkip
	})
	if err != nil {
		return false, err
	}
	return task.Status.Terminal(), nil
}

// settle retries a terminal event that could not be recorded. When the
// event still cannot be recorded the task is failed so its quota unit is
// released and subscribers see an end.
func (c *TaskCoordinator) settle(ctx context.Context, taskID string, ev runtime.Event, cause error) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	for {
		timer := time.NewTimer(c.cfg.Task.LockBackoff)
		select {
		case <-sctx.Done():
			timer.Stop()
			c.finalize(ctx, taskID, protocol.CodeResearchFailed.Message(), cause)
			return cause
		case <-timer.C:
		}
		_, err := c.apply(sctx, taskID, ev)
		if err == nil {
			c.logger.Info("Recorded runtime event after retry",
				zap.String("task_id", taskID), zap.String("kind", string(ev.Kind)))
			return nil
		}
		cause = err
	}
}

// finalize fails a task whose stream stopped without a terminal event. A
// task that is already terminal (cancelled, usually) is left alone.
func (c *TaskCoordinator) finalize(ctx context.Context, taskID, reason string, cause error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	_, changed, err := c.mutate(fctx, taskID, func(t *Task) (protocol.Payload, error) {
		if t.Status.Terminal() {
			return nil, store.ErrSkip
		}
		t.Error = reason
		if err := t.transition(TaskFailed, c.now().UTC()); err != nil {
			return nil, err
		}
		return *protocol.NewError(protocol.CodeResearchFailed).WithTask(t.ID).Message(""), nil
	})
	if err != nil {
		c.logger.Error("Failed to finalize task", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if changed {
		c.logger.Warn("Task failed without a runtime result",
			zap.String("task_id", taskID), zap.String("reason", reason), zap.Error(cause))
	}
}

// Cancel moves a task to cancelled. A task that is already terminal is left
// untouched and changed is false. userID, when set, must own the task.
func (c *TaskCoordinator) Cancel(ctx context.Context, taskID, userID string) (task *Task, changed bool, err error) {
	task, changed, err = c.mutate(ctx, taskID, func(t *Task) (protocol.Payload, error) {
		if userID != "" && t.UserID != userID {
			return nil, errTaskNotOwned
		}
		if t.Status.Terminal() {
			return nil, store.ErrSkip
		}
		if err := t.transition(TaskCancelled, c.now().UTC()); err != nil {
			return nil, err
		}
		return protocol.ResearchCancelled{TaskID: t.ID}, nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		c.stopLocal(taskID)
		c.logger.Info("Task cancelled", zap.String("task_id", taskID))
	}
	return task, changed, nil
}

// Get returns the task record
func (c *TaskCoordinator) Get(ctx context.Context, taskID string) (*Task, error) {
	if c.finished != nil {
		if t, ok := c.finished.Get(taskID); ok {
			cp := *t
			return &cp, nil
		}
	}
	t, err := store.GetJSON[Task](ctx, c.store, taskKey(taskID))
	if err != nil {
		return nil, taskError(taskID, err)
	}
	c.rememberFinished(t)
	return t, nil
}

func (c *TaskCoordinator) rememberFinished(t *Task) {
	if c.finished == nil || !t.Status.Terminal() {
		return
	}
	cp := *t
	c.finished.Store(t.ID, &cp)
}

// GetForUser returns the task record if userID owns it
func (c *TaskCoordinator) GetForUser(ctx context.Context, taskID, userID string) (*Task, error) {
	t, err := c.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, taskError(taskID, errTaskNotOwned)
	}
	return t, nil
}

// ReleaseSession cancels the tasks a disconnected session is running here
func (c *TaskCoordinator) ReleaseSession(ctx context.Context, sessionID string) {
	c.mu.Lock()
	var owned []string
	for id, run := range c.runs {
		if run.sessionID == sessionID {
			owned = append(owned, id)
		}
	}
	c.mu.Unlock()

	for _, id := range owned {
		if _, _, err := c.Cancel(ctx, id, ""); err != nil {
			c.logger.Warn("Failed to cancel task of closed session",
				zap.String("task_id", id), zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// HandleEvent stops a local run when another instance cancelled its task
func (c *TaskCoordinator) HandleEvent(_ context.Context, ev *Event) {
	if ev.Type == protocol.TypeResearchCancelled {
		c.stopLocal(ev.TaskID)
	}
}

// Running returns the number of tasks running on this instance
func (c *TaskCoordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

// Shutdown stops accepting runs, cancels the running ones and waits for
// them to record their final status.
func (c *TaskCoordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()
	if c.finished != nil {
		c.finished.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mutate applies fn to the task record under the task lock and publishes
// the payload fn returns. changed is false when fn returned store.ErrSkip.
func (c *TaskCoordinator) mutate(
	ctx context.Context,
	taskID string,
	fn func(t *Task) (protocol.Payload, error),
) (task *Task, changed bool, err error) {
	var (
		payload     protocol.Payload
		finished    bool
		releaseUser string
	)
	err = c.store.WithLock(ctx, taskKey(taskID), c.cfg.Task.LockTTL, c.cfg.Task.LockAttempts, func(ctx context.Context) error {
		updated, uerr := store.UpdateJSON(ctx, c.store, taskKey(taskID), c.cfg.Task.Retention,
			func(t *Task) (*Task, error) {
				if t == nil {
					return nil, storage.ErrNotFound
				}
				wasTerminal := t.Status.Terminal()
				p, ferr := fn(t)
				if ferr != nil {
					return nil, ferr
				}
				if !wasTerminal && t.Status.Terminal() {
					finished = true
					if t.QuotaHeld {
						t.QuotaHeld = false
						releaseUser = t.UserID
					}
				}
				payload = p
				changed = true
				return t, nil
			})
		if uerr != nil {
			return uerr
		}
		task = updated
		if payload != nil {
			ev, eerr := newTaskEvent(task, payload)
			if eerr != nil {
				return eerr
			}
			if perr := c.bus.Publish(ctx, TaskChannel(taskID), ev); perr != nil {
				c.logger.Warn("Failed to publish task event",
					zap.String("task_id", taskID), zap.String("type", string(ev.Type)), zap.Error(perr))
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, taskError(taskID, err)
	}
	if finished {
		c.rememberFinished(task)
		c.metrics.taskFinished(task.Status)
		if releaseUser != "" {
			c.releaseQuota(ctx, releaseUser)
		}
	}
	return task, changed, nil
}

func (c *TaskCoordinator) releaseQuota(ctx context.Context, userID string) {
	if _, err := c.store.Increment(ctx, activeTasksKey(userID), -1, c.cfg.Task.Retention); err != nil {
		c.logger.Warn("Failed to release task quota", zap.String("user_id", userID), zap.Error(err))
	}
}

func (c *TaskCoordinator) track(taskID, sessionID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[taskID] = &localRun{sessionID: sessionID, cancel: cancel}
}

func (c *TaskCoordinator) untrack(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runs, taskID)
}

func (c *TaskCoordinator) stopLocal(taskID string) {
	c.mu.Lock()
	run, ok := c.runs[taskID]
	c.mu.Unlock()
	if ok {
		run.cancel()
	}
}

// taskError maps store and lock failures to boundary errors
func taskError(taskID string, err error) error {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, errTaskNotOwned) {
		return protocol.Wrap(protocol.CodeNotFound, err).WithTask(taskID)
	}
	return protocol.Wrap(protocol.CodeServerError, err).WithTask(taskID)
}
