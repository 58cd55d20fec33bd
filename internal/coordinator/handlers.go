package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/protocol"
)

// handlerFunc handles one validated inbound message from a local session
type handlerFunc func(ctx context.Context, s *Session, in *protocol.Inbound) error

// messageRouter dispatches inbound messages through a table keyed by the
// message tag. Tags outside the table never reach business logic.
type messageRouter struct {
	registry *Registry
	tasks    *TaskCoordinator
	logger   *zap.Logger
	table    map[protocol.Type]handlerFunc
}

func newMessageRouter(registry *Registry, tasks *TaskCoordinator, logger *zap.Logger) *messageRouter {
	r := &messageRouter{
		registry: registry,
		tasks:    tasks,
		logger:   logger,
	}
	r.table = map[protocol.Type]handlerFunc{
		protocol.TypeResearchQuery:  r.handleResearchQuery,
		protocol.TypeCancelResearch: r.handleCancelResearch,
		protocol.TypePing:           r.handlePing,
		protocol.TypePong:           r.handlePong,
	}
	return r
}

// route runs the handler for in. A returned error is reported to the
// session as an error message; it never closes the connection.
func (r *messageRouter) route(ctx context.Context, s *Session, in *protocol.Inbound) error {
	h, ok := r.table[in.Type]
	if !ok {
		return protocol.Wrap(protocol.CodeInvalidInput, fmt.Errorf("no handler for %q", in.Type))
	}
	return h(ctx, s, in)
}

func (r *messageRouter) handleResearchQuery(ctx context.Context, s *Session, in *protocol.Inbound) error {
	q, ok := in.Payload.(protocol.ResearchQuery)
	if !ok {
		return protocol.Wrap(protocol.CodeInvalidInput, fmt.Errorf("unexpected payload %T", in.Payload))
	}

	task, res, err := r.tasks.Create(ctx, CreateRequest{
		SessionID:  s.ID,
		UserID:     s.UserID,
		Tier:       s.Tier,
		Query:      q.Query,
		Mode:       string(q.Mode),
		FocusAreas: q.FocusAreas,
	})
	if err != nil {
		return err
	}

	// The acknowledgement goes out before the run starts so it always
	// precedes the task's first update on this socket.
	if err := r.registry.Send(ctx, s.ID, protocol.ResearchStarted{TaskID: task.ID, RateLimit: res.Info()}, in.RequestID); err != nil {
		r.logger.Info("Session gone before task start", zap.String("task_id", task.ID), zap.Error(err))
	}
	if err := r.tasks.Start(task.ID); err != nil {
		_, _, _ = r.tasks.Cancel(ctx, task.ID, "")
		return protocol.Wrap(protocol.CodeServerError, err).WithTask(task.ID)
	}
	return nil
}

func (r *messageRouter) handleCancelResearch(ctx context.Context, s *Session, in *protocol.Inbound) error {
	c, ok := in.Payload.(protocol.CancelResearch)
	if !ok {
		return protocol.Wrap(protocol.CodeInvalidInput, fmt.Errorf("unexpected payload %T", in.Payload))
	}

	task, changed, err := r.tasks.Cancel(ctx, c.TaskID, s.UserID)
	if err != nil {
		return err
	}
	// The owner session hears about the cancel through the bus. Another
	// session of the same user gets a direct confirmation. A cancel of a
	// finished task is a silent no-op.
	if changed && task.SessionID != s.ID {
		return r.registry.Send(ctx, s.ID, protocol.ResearchCancelled{TaskID: task.ID}, in.RequestID)
	}
	return nil
}

func (r *messageRouter) handlePing(ctx context.Context, s *Session, in *protocol.Inbound) error {
	ts := time.Now().UnixMilli()
	if p, ok := in.Payload.(protocol.Ping); ok && p.Timestamp != 0 {
		ts = p.Timestamp
	}
	return r.registry.Send(ctx, s.ID, protocol.Pong{Timestamp: ts}, in.RequestID)
}

// handlePong only needs the activity refresh every inbound message gets
func (r *messageRouter) handlePong(context.Context, *Session, *protocol.Inbound) error {
	return nil
}
