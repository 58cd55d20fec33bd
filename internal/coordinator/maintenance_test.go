package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMaintenance_RejectsBadSchedule(t *testing.T) {
	cfg := testConfig("i-1")
	cfg.Task.GCSchedule = "every now and then"
	reg, _, _ := newTestRegistry(t, cfg, nil)

	_, err := newMaintenance(context.Background(), cfg, reg, reg.store, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task gc schedule")
}

func TestMaintenance_ReapSessions(t *testing.T) {
	cfg := testConfig("i-1")
	reg, releaser, _ := newTestRegistry(t, cfg, nil)
	ctx := context.Background()

	conn := &fakeConn{}
	s, err := reg.Connect(ctx, "user-1", "basic", conn)
	require.NoError(t, err)

	m, err := newMaintenance(ctx, cfg, reg, reg.store, zap.NewNop())
	require.NoError(t, err)

	m.reapSessions()
	assert.Equal(t, 1, reg.Count(), "a fresh session survives the reaper")

	later := time.Now().Add(cfg.Session.IdleTimeout + time.Minute)
	reg.now = func() time.Time { return later }
	m.reapSessions()

	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, []string{s.ID}, releaser.calls())
	closed, _, _ := conn.closeInfo()
	assert.True(t, closed)
}

func TestMaintenance_StartStop(t *testing.T) {
	cfg := testConfig("i-1")
	reg, _, _ := newTestRegistry(t, cfg, nil)

	m, err := newMaintenance(context.Background(), cfg, reg, reg.store, zap.NewNop())
	require.NoError(t, err)
	m.start()
	m.sweepTasks()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.stop(ctx)
	assert.NoError(t, ctx.Err(), "stop returns once the schedule halts")
}
