package dispatch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiulinh/otaku-agent-sub003/internal/agent"
)

func TestLocal_RunsAndReports(t *testing.T) {
	sink := &fakeSink{}
	local := NewLocal(&LocalConfig{
		Executor:    &agent.Echo{},
		Concurrency: 2,
		QueueSize:   4,
		Logger:      testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	local.Start(ctx, sink)
	defer local.Stop()

	require.NoError(t, local.Dispatch(ctx, testExecution(time.Minute)))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	got := sink.snapshot()[0]
	assert.Equal(t, testJobID, got.id)
	assert.Equal(t, "ping", got.outcome.Content)
	assert.Equal(t, agent.EchoModel, got.outcome.Model)
	assert.False(t, got.outcome.Failed())
}

func TestLocal_ExecutorErrorReportsFailure(t *testing.T) {
	sink := &fakeSink{}
	local := NewLocal(&LocalConfig{
		Executor: executorFunc(func(context.Context, agent.Request) (agent.Response, error) {
			return agent.Response{}, errBoom
		}),
		Logger: testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	local.Start(ctx, sink)
	defer local.Stop()

	require.NoError(t, local.Dispatch(ctx, testExecution(time.Minute)))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	outcome := sink.snapshot()[0].outcome
	assert.True(t, outcome.Failed())
	assert.Contains(t, outcome.Error, "boom")
}

func TestLocal_ExecutorPanicReportsFailure(t *testing.T) {
	sink := &fakeSink{}
	local := NewLocal(&LocalConfig{
		Executor: executorFunc(func(context.Context, agent.Request) (agent.Response, error) {
			panic("model exploded")
		}),
		Logger: testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	local.Start(ctx, sink)
	defer local.Stop()

	require.NoError(t, local.Dispatch(ctx, testExecution(time.Minute)))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	outcome := sink.snapshot()[0].outcome
	assert.True(t, strings.HasPrefix(outcome.Error, "agent panic: model exploded"))
}

func TestLocal_DeadlineLeavesJobToSweep(t *testing.T) {
	sink := &fakeSink{}
	local := NewLocal(&LocalConfig{
		Executor: &agent.Echo{Delay: time.Minute},
		Logger:   testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	local.Start(ctx, sink)

	require.NoError(t, local.Dispatch(ctx, testExecution(20*time.Millisecond)))

	time.Sleep(100 * time.Millisecond)
	local.Stop()
	assert.Empty(t, sink.snapshot())
}

func TestLocal_DispatchFullQueue(t *testing.T) {
	local := NewLocal(&LocalConfig{
		Executor:  &agent.Echo{},
		QueueSize: 1,
		Logger:    testLogger(),
	})

	// not started, so nothing drains the queue
	require.NoError(t, local.Dispatch(context.Background(), testExecution(time.Minute)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, local.Dispatch(ctx, testExecution(time.Minute)), ErrQueueFull)
}

func TestLocal_DispatchAfterStop(t *testing.T) {
	local := NewLocal(&LocalConfig{
		Executor: &agent.Echo{},
		Logger:   testLogger(),
	})
	local.Start(context.Background(), &fakeSink{})
	local.Stop()
	local.Stop()

	assert.ErrorIs(t, local.Dispatch(context.Background(), testExecution(time.Minute)), ErrStopped)
}
