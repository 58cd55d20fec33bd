// Package mock provides a scripted agent runtime. It drives tests and lets a
// single binary run end to end without an external runtime.
package mock

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/AltairaLabs/research-coordinator/internal/runtime"
)

// Name is the registry name of the mock runtime
const Name = "mock"

// Step is one scripted progress event
type Step struct {
	Agent    string
	Stage    string
	Progress int
	Partial  json.RawMessage
}

// DefaultPlans returns the stage plan for each research mode
func DefaultPlans() map[string][]Step {
	return map[string][]Step{
		"quick": {
			{Agent: "retrieval", Stage: "searching", Progress: 10},
			{Agent: "analysis", Stage: "analyzing", Progress: 60},
			{Agent: "citation", Stage: "citing", Progress: 100},
		},
		"comprehensive": {
			{Agent: "retrieval", Stage: "searching", Progress: 10},
			{Agent: "retrieval", Stage: "fetching", Progress: 30},
			{Agent: "analysis", Stage: "analyzing", Progress: 55, Partial: json.RawMessage(`{"findings":1}`)},
			{Agent: "citation", Stage: "citing", Progress: 80},
			{Agent: "graph", Stage: "linking", Progress: 100},
		},
		"continuous": {
			{Agent: "retrieval", Stage: "monitoring", Progress: 20},
			{Agent: "analysis", Stage: "analyzing", Progress: 50, Partial: json.RawMessage(`{"findings":1}`)},
			{Agent: "graph", Stage: "linking", Progress: 80, Partial: json.RawMessage(`{"findings":2}`)},
			{Agent: "citation", Stage: "citing", Progress: 100},
		},
	}
}

// Runtime replays a plan per mode. It is safe for concurrent use.
type Runtime struct {
	mu         sync.Mutex
	plans      map[string][]Step
	delay      time.Duration
	gate       <-chan struct{}
	failAt     int
	failErr    error
	startErr   error
	startCount int
	requests   []runtime.Request
}

// Option configures a mock Runtime
type Option func(*Runtime)

// WithDelay pauses before every step
func WithDelay(d time.Duration) Option {
	return func(r *Runtime) { r.delay = d }
}

// WithGate makes every step wait for a value on gate
func WithGate(gate <-chan struct{}) Option {
	return func(r *Runtime) { r.gate = gate }
}

// WithPlan replaces the plan for mode
func WithPlan(mode string, steps []Step) Option {
	return func(r *Runtime) { r.plans[mode] = steps }
}

// FailAt makes the stream emit EventFailed with err instead of step index
func FailAt(step int, err error) Option {
	return func(r *Runtime) {
		r.failAt = step
		r.failErr = err
	}
}

// FailStart makes Start return err
func FailStart(err error) Option {
	return func(r *Runtime) { r.startErr = err }
}

// New creates a mock runtime with the default plans
func New(opts ...Option) *Runtime {
	r := &Runtime{plans: DefaultPlans(), failAt: -1}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start implements runtime.Runtime
func (r *Runtime) Start(ctx context.Context, req *runtime.Request) (<-chan runtime.Event, error) {
	r.mu.Lock()
	r.startCount++
	r.requests = append(r.requests, *req)
	startErr := r.startErr
	plan, ok := r.plans[req.Mode]
	if !ok {
		plan = r.plans["quick"]
	}
	r.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}

	ch := make(chan runtime.Event, runtime.DefaultBuffer)
	go r.play(ctx, req, plan, ch)
	return ch, nil
}

func (r *Runtime) play(ctx context.Context, req *runtime.Request, plan []Step, ch chan<- runtime.Event) {
	defer close(ch)

	send := func(e runtime.Event) bool {
		select {
		case ch <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for i, step := range plan {
		if !r.pause(ctx) {
			return
		}
		if i == r.failAt {
			send(runtime.Event{Kind: runtime.EventFailed, Agent: step.Agent, Err: r.failErr})
			return
		}
		if !send(runtime.Event{
			Kind:     runtime.EventProgress,
			Agent:    step.Agent,
			Stage:    step.Stage,
			Progress: step.Progress,
		}) {
			return
		}
		if step.Partial != nil {
			if !send(runtime.Event{Kind: runtime.EventPartial, Agent: step.Agent, Data: step.Partial}) {
				return
			}
		}
	}

	results, _ := json.Marshal(map[string]interface{}{
		"query":   req.Query,
		"mode":    req.Mode,
		"summary": "Simulated research summary for: " + req.Query,
		"sources": []string{"https://example.org/source-1", "https://example.org/source-2"},
	})
	send(runtime.Event{Kind: runtime.EventCompleted, Progress: 100, Data: results})
}

func (r *Runtime) pause(ctx context.Context) bool {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return false
		}
	}
	if r.delay > 0 {
		timer := time.NewTimer(r.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return false
		}
	}
	return ctx.Err() == nil
}

// StartCount returns how many times Start was called
func (r *Runtime) StartCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startCount
}

// Requests returns copies of the requests passed to Start
func (r *Runtime) Requests() []runtime.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]runtime.Request, len(r.requests))
	copy(out, r.requests)
	return out
}
