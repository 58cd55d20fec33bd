package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/protocol"
	"github.com/AltairaLabs/research-coordinator/internal/runtime/mock"
)

func newTestRouter(t *testing.T, inst *Instance) *messageRouter {
	t.Helper()
	return newMessageRouter(inst.Registry(), inst.Tasks(), zap.NewNop())
}

func connect(t *testing.T, inst *Instance, user, tier string) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s, err := inst.Registry().Connect(context.Background(), user, tier, conn)
	require.NoError(t, err)
	return s, conn
}

func TestRouter_ResearchQueryAcknowledgesFirst(t *testing.T) {
	inst := newTestInstance(t, testConfig("i-1"), nil, nil)
	router := newTestRouter(t, inst)
	s, conn := connect(t, inst, "user-1", "basic")

	err := router.route(context.Background(), s, &protocol.Inbound{
		Type:      protocol.TypeResearchQuery,
		RequestID: "req-7",
		Payload:   protocol.ResearchQuery{Query: "What is quantum computing?", Mode: protocol.ModeQuick},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(conn.ofType(t, protocol.TypeResearchCompleted)) == 1
	}, waitFor, 5*time.Millisecond)

	envs := conn.envelopes(t)
	require.NotEmpty(t, envs)
	assert.Equal(t, protocol.TypeResearchStarted, envs[0].Type)
	assert.Equal(t, "req-7", envs[0].RequestID)
	started := decodeData[protocol.ResearchStarted](t, envs[0])
	assert.True(t, protocol.IsUUID(started.TaskID))
	require.NotNil(t, started.RateLimit)
	assert.Equal(t, int64(50), started.RateLimit.Limit)
	assert.Equal(t, int64(49), started.RateLimit.Remaining)
}

func TestRouter_ResearchQueryForbiddenMode(t *testing.T) {
	inst := newTestInstance(t, testConfig("i-1"), nil, nil)
	router := newTestRouter(t, inst)
	s, conn := connect(t, inst, "user-1", "free")

	err := router.route(context.Background(), s, &protocol.Inbound{
		Type:    protocol.TypeResearchQuery,
		Payload: protocol.ResearchQuery{Query: "q", Mode: protocol.ModeComprehensive},
	})
	assert.True(t, protocol.IsCode(err, protocol.CodeForbidden))
	assert.Empty(t, conn.ofType(t, protocol.TypeResearchStarted))
}

func TestRouter_UnknownType(t *testing.T) {
	inst := newTestInstance(t, testConfig("i-1"), nil, nil)
	router := newTestRouter(t, inst)
	s, _ := connect(t, inst, "user-1", "basic")

	err := router.route(context.Background(), s, &protocol.Inbound{Type: protocol.TypeResearchCompleted})
	assert.True(t, protocol.IsCode(err, protocol.CodeInvalidInput))
}

func TestRouter_Ping(t *testing.T) {
	inst := newTestInstance(t, testConfig("i-1"), nil, nil)
	router := newTestRouter(t, inst)
	s, conn := connect(t, inst, "user-1", "basic")
	ctx := context.Background()

	require.NoError(t, router.route(ctx, s, &protocol.Inbound{
		Type: protocol.TypePing, RequestID: "p1", Payload: protocol.Ping{Timestamp: 1700000000000},
	}))
	require.NoError(t, router.route(ctx, s, &protocol.Inbound{
		Type: protocol.TypePing, Payload: protocol.Ping{},
	}))
	require.NoError(t, router.route(ctx, s, &protocol.Inbound{
		Type: protocol.TypePong, Payload: protocol.Pong{Timestamp: 1},
	}))

	pongs := conn.ofType(t, protocol.TypePong)
	require.Len(t, pongs, 2)
	assert.Equal(t, "p1", pongs[0].RequestID)
	assert.Equal(t, int64(1700000000000), decodeData[protocol.Pong](t, pongs[0]).Timestamp)
	assert.Positive(t, decodeData[protocol.Pong](t, pongs[1]).Timestamp)
}

func TestRouter_CancelFromAnotherSession(t *testing.T) {
	inst := newTestInstance(t, testConfig("i-1"), nil, mock.New(mock.WithGate(make(chan struct{}))))
	router := newTestRouter(t, inst)
	owner, ownerConn := connect(t, inst, "user-1", "basic")
	other, otherConn := connect(t, inst, "user-1", "basic")
	ctx := context.Background()

	require.NoError(t, router.route(ctx, owner, &protocol.Inbound{
		Type:    protocol.TypeResearchQuery,
		Payload: protocol.ResearchQuery{Query: "q", Mode: protocol.ModeQuick},
	}))
	started := ownerConn.ofType(t, protocol.TypeResearchStarted)
	require.Len(t, started, 1)
	taskID := decodeData[protocol.ResearchStarted](t, started[0]).TaskID

	require.NoError(t, router.route(ctx, other, &protocol.Inbound{
		Type:      protocol.TypeCancelResearch,
		RequestID: "c1",
		Payload:   protocol.CancelResearch{TaskID: taskID},
	}))

	direct := otherConn.ofType(t, protocol.TypeResearchCancelled)
	require.Len(t, direct, 1)
	assert.Equal(t, "c1", direct[0].RequestID)
	require.Eventually(t, func() bool {
		return len(ownerConn.ofType(t, protocol.TypeResearchCancelled)) == 1
	}, waitFor, 5*time.Millisecond)
}

func TestRouter_CancelForeignTask(t *testing.T) {
	inst := newTestInstance(t, testConfig("i-1"), nil, mock.New(mock.WithGate(make(chan struct{}))))
	router := newTestRouter(t, inst)
	owner, ownerConn := connect(t, inst, "user-1", "basic")
	intruder, _ := connect(t, inst, "user-2", "basic")
	ctx := context.Background()

	require.NoError(t, router.route(ctx, owner, &protocol.Inbound{
		Type:    protocol.TypeResearchQuery,
		Payload: protocol.ResearchQuery{Query: "q", Mode: protocol.ModeQuick},
	}))
	taskID := decodeData[protocol.ResearchStarted](t, ownerConn.ofType(t, protocol.TypeResearchStarted)[0]).TaskID

	err := router.route(ctx, intruder, &protocol.Inbound{
		Type:    protocol.TypeCancelResearch,
		Payload: protocol.CancelResearch{TaskID: taskID},
	})
	assert.True(t, protocol.IsCode(err, protocol.CodeNotFound))

	task, err := inst.Tasks().Get(ctx, taskID)
	require.NoError(t, err)
	assert.False(t, task.Status.Terminal())
}
