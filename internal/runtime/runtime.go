// Package runtime defines the boundary to the external agent runtime that
// performs research. The coordinator consumes a runtime's event stream; it
// never looks inside the work itself.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// DefaultBuffer is the capacity of a runtime's event channel
const DefaultBuffer = 16

// EventKind identifies a runtime event
type EventKind string

// Event kinds. Completed and Failed are sentinels: each is the last event on
// the channel, which is then closed.
const (
	EventProgress  EventKind = "progress"
	EventPartial   EventKind = "partial"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is one item of a runtime's progress stream.
type Event struct {
	Kind     EventKind
	Agent    string          // retrieval, analysis, citation, graph
	Progress int             // overall progress, 0-100
	Stage    string          // runtime-defined stage name
	Data     json.RawMessage // partial result or final results
	Err      error           // set on EventFailed
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed
}

// Request describes the research to perform.
type Request struct {
	TaskID     string
	UserID     string
	Query      string
	Mode       string
	FocusAreas []string
}

// Runtime starts research work and reports progress on a bounded channel.
// Cancelling ctx is the stop signal; the runtime closes the channel when it
// stops, with or without a sentinel.
type Runtime interface {
	Start(ctx context.Context, req *Request) (<-chan Event, error)
}

// Registry maps runtime names to constructors.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]func() Runtime
}

// NewRegistry creates an empty runtime registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]func() Runtime)}
}

// Register adds a runtime constructor under name.
func (r *Registry) Register(name string, factory func() Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[name] = factory
}

// Create builds the runtime registered under name.
func (r *Registry) Create(name string) (Runtime, error) {
	r.mu.RLock()
	factory, ok := r.runtimes[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported runtime: %s", name)
	}
	return factory(), nil
}

// ListSupported returns the registered runtime names, sorted.
func (r *Registry) ListSupported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
