package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/protocol"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/retry"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/store"
)

const (
	// TaskChannelPattern matches every task channel
	TaskChannelPattern = taskKeyPrefix + "*"

	eventBuffer = 256
)

// Event is one fact broadcast across the fleet. Frame is the complete wire
// message the owning session's socket receives.
type Event struct {
	Type      protocol.Type   `json:"type"`
	TaskID    string          `json:"task_id"`
	SessionID string          `json:"session_id"` // Owner session
	Origin    string          `json:"origin"`     // Instance that published
	Timestamp time.Time       `json:"timestamp"`
	Frame     json.RawMessage `json:"frame"`
}

// TaskChannel returns the bus channel of a task
func TaskChannel(taskID string) string {
	return taskKeyPrefix + taskID
}

// newTaskEvent frames p for the owner of task
func newTaskEvent(task *Task, p protocol.Payload) (*Event, error) {
	frame, err := protocol.Encode(p)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type:      p.MessageType(),
		TaskID:    task.ID,
		SessionID: task.SessionID,
		Frame:     frame,
	}, nil
}

// EventHandler receives every event delivered to this instance
type EventHandler func(ctx context.Context, ev *Event)

// EventBus is the cross-instance delivery primitive on top of the
// coordination store's publish/subscribe channel.
type EventBus struct {
	store      *store.Store
	instanceID string
	policy     retry.Policy
	logger     *zap.Logger
	metrics    *Metrics

	mu       sync.RWMutex
	handlers []EventHandler
}

// NewEventBus creates an event bus publishing as instanceID
func NewEventBus(st *store.Store, instanceID string, policy retry.Policy, logger *zap.Logger, metrics *Metrics) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		store:      st,
		instanceID: instanceID,
		policy:     policy,
		logger:     logger,
		metrics:    metrics,
	}
}

// Handle registers fn for events received through Listen
func (b *EventBus) Handle(fn EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, fn)
}

// Publish stamps ev with this instance and broadcasts it on channel
func (b *EventBus) Publish(ctx context.Context, channel string, ev *Event) error {
	ev.Origin = b.instanceID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.store.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	b.metrics.busEvent("published")
	return nil
}

// Subscribe opens a long-lived subscription and returns its event stream.
// The first subscription is made before returning; after that, lost
// subscriptions are re-opened with backoff until ctx ends, at which point
// the stream is closed. Events published during a reconnect are lost.
func (b *EventBus) Subscribe(ctx context.Context, patterns ...string) (<-chan *Event, error) {
	sub, err := b.store.Subscribe(ctx, patterns...)
	if err != nil {
		return nil, fmt.Errorf("subscribe %v: %w", patterns, err)
	}
	out := make(chan *Event, eventBuffer)
	go b.listen(ctx, sub, patterns, out)
	return out, nil
}

// Listen subscribes to patterns and hands every event to the registered
// handlers, in delivery order, until ctx ends. done is closed when the
// dispatch loop has exited.
func (b *EventBus) Listen(ctx context.Context, patterns ...string) (done <-chan struct{}, err error) {
	events, err := b.Subscribe(ctx, patterns...)
	if err != nil {
		return nil, err
	}
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for ev := range events {
			b.dispatch(ctx, ev)
		}
	}()
	return finished, nil
}

func (b *EventBus) dispatch(ctx context.Context, ev *Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
}

func (b *EventBus) listen(ctx context.Context, sub storage.Subscription, patterns []string, out chan<- *Event) {
	defer close(out)
	for {
		b.pump(ctx, sub, out)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("Event bus subscription lost, reconnecting", zap.Strings("patterns", patterns))
		sub = b.resubscribe(ctx, patterns)
		if sub == nil {
			return
		}
		b.logger.Info("Event bus subscription restored", zap.Strings("patterns", patterns))
	}
}

// pump forwards messages until the subscription ends or ctx is done
func (b *EventBus) pump(ctx context.Context, sub storage.Subscription, out chan<- *Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				b.logger.Warn("Dropping malformed bus event",
					zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			b.metrics.busEvent("received")
			select {
			case out <- &ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// resubscribe retries Subscribe with the bus backoff policy. It returns nil
// when ctx ends or the policy gives up.
func (b *EventBus) resubscribe(ctx context.Context, patterns []string) storage.Subscription {
	for attempt := 0; b.policy.ShouldRetry(attempt); attempt++ {
		if err := b.policy.Wait(ctx, attempt); err != nil {
			return nil
		}
		sub, err := b.store.Subscribe(ctx, patterns...)
		if err == nil {
			return sub
		}
		b.logger.Warn("Event bus reconnect failed",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	b.logger.Error("Event bus gave up reconnecting", zap.Strings("patterns", patterns))
	return nil
}
