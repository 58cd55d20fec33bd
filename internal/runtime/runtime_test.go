package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopRuntime struct{}

func (nopRuntime) Start(ctx context.Context, req *Request) (<-chan Event, error) {
	ch := make(chan Event, 1)
	ch <- Event{Kind: EventCompleted}
	close(ch)
	return ch, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("nop", func() Runtime { return nopRuntime{} })
	r.Register("alpha", func() Runtime { return nopRuntime{} })

	rt, err := r.Create("nop")
	require.NoError(t, err)
	assert.NotNil(t, rt)

	_, err = r.Create("missing")
	assert.Error(t, err)

	assert.Equal(t, []string{"alpha", "nop"}, r.ListSupported())
}

func TestEventTerminal(t *testing.T) {
	assert.True(t, Event{Kind: EventCompleted}.Terminal())
	assert.True(t, Event{Kind: EventFailed}.Terminal())
	assert.False(t, Event{Kind: EventProgress}.Terminal())
	assert.False(t, Event{Kind: EventPartial}.Terminal())
}
