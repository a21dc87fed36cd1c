package timeout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/opusload/opus/internal/pkg/log"
)

type recorder struct {
	lock  sync.Mutex
	fired []ID
}

func (r *recorder) OnTimeout(_ context.Context, id ID) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.fired = append(r.fired, id)
}

func (r *recorder) Fired() []ID {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]ID(nil), r.fired...)
}

func newSchedulerForTest(t *testing.T) (*Scheduler, *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	clk := clockwork.NewFakeClock()
	return NewScheduler(ctx, wg, clk, log.NewNopLogger()), clk
}

func TestScheduler_FiresOnce(t *testing.T) {
	t.Parallel()

	s, clk := newSchedulerForTest(t)
	r := &recorder{}
	id := s.NewID()

	s.Schedule(time.Second, id, r)
	assert.True(t, s.IsActive(id))
	assert.Empty(t, r.Fired())

	clk.Advance(time.Second)
	assert.Eventually(t, func() bool {
		return len(r.Fired()) == 1
	}, time.Second, time.Millisecond)
	assert.False(t, s.IsActive(id))

	clk.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, []ID{id}, r.Fired())
}

func TestScheduler_Rearm(t *testing.T) {
	t.Parallel()

	s, clk := newSchedulerForTest(t)
	r := &recorder{}
	id := s.NewID()

	s.Schedule(time.Second, id, r)
	s.Schedule(5*time.Second, id, r)
	assert.Equal(t, 1, s.Len())

	// The first arming has been replaced
	clk.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, r.Fired())
	assert.True(t, s.IsActive(id))

	clk.Advance(4 * time.Second)
	assert.Eventually(t, func() bool {
		return len(r.Fired()) == 1
	}, time.Second, time.Millisecond)
}

func TestScheduler_Cancel(t *testing.T) {
	t.Parallel()

	s, clk := newSchedulerForTest(t)
	r := &recorder{}
	id1, id2 := s.NewID(), s.NewID()
	assert.NotEqual(t, id1, id2)

	s.Schedule(time.Second, id1, r)
	s.Schedule(2*time.Second, id2, HandlerFunc(r.OnTimeout))
	assert.True(t, s.Cancel(id1))
	assert.False(t, s.Cancel(id1))

	clk.Advance(2 * time.Second)
	assert.Eventually(t, func() bool {
		return len(r.Fired()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []ID{id2}, r.Fired())
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_NotInline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer func() {
		cancel()
		wg.Wait()
	}()

	s := NewScheduler(ctx, wg, clockwork.NewRealClock(), log.NewNopLogger())
	done := make(chan struct{})
	s.Schedule(0, s.NewID(), HandlerFunc(func(ctx context.Context, id ID) {
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		assert.Fail(t, "timeout")
	}
}
