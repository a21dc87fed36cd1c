package workerpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/opusload/opus/internal/pkg/log"
)

func TestPool_Bounded(t *testing.T) {
	t.Parallel()

	pool := New(context.Background(), log.NewNopLogger(), 2)
	release := make(chan struct{})
	maxRunning := atomic.NewInt64(0)
	for range 5 {
		require.NoError(t, pool.Submit("task", func(ctx context.Context) {
			if n := pool.Running(); n > maxRunning.Load() {
				maxRunning.Store(n)
			}
			<-release
		}))
	}

	assert.Eventually(t, func() bool {
		return pool.Running() == 2 && pool.Waiting() == 3
	}, time.Second, time.Millisecond)

	close(release)
	pool.Wait()
	assert.LessOrEqual(t, maxRunning.Load(), int64(2))
	assert.Equal(t, int64(0), pool.Running())
}

func TestPool_Stopped(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	logger := log.NewDebugLogger()
	pool := New(ctx, logger, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, pool.Submit("long", func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, pool.Submit("waiting", func(ctx context.Context) {
		assert.Fail(t, "must not be started")
	}))

	cancel()
	assert.Eventually(t, func() bool {
		return pool.Waiting() == 0
	}, time.Second, time.Millisecond)
	close(release)
	pool.Wait()
	assert.Error(t, pool.Submit("late", func(ctx context.Context) {}))
	logger.AssertJSONMessages(t, `{"level":"warn","message":"task \"waiting\" has not been started: context canceled","component":"worker-pool"}`)
}

func TestPool_Panic(t *testing.T) {
	t.Parallel()

	logger := log.NewDebugLogger()
	pool := New(context.Background(), logger, 1)
	require.NoError(t, pool.Submit("panic", func(ctx context.Context) {
		panic("boom")
	}))
	pool.Wait()
	logger.AssertJSONMessages(t, `{"level":"error","message":"task \"panic\" panic: boom, stacktrace: %A"}`)
}

func TestNew_InvalidMaxRunning(t *testing.T) {
	t.Parallel()

	assert.PanicsWithError(t, "max running tasks must be positive, found 0", func() {
		New(context.Background(), log.NewNopLogger(), 0)
	})
}
