// Package timeout provides one-shot delayed callbacks multiplexed by a caller supplied id.
//
// All callbacks are invoked sequentially from one goroutine owned by the Scheduler,
// never inline with the Schedule call.
package timeout

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"

	"github.com/opusload/opus/internal/pkg/log"
)

const queueSize = 256

// ID identifies a timer, see Scheduler.NewID.
type ID uint64

type Handler interface {
	OnTimeout(ctx context.Context, id ID)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, id ID)

func (f HandlerFunc) OnTimeout(ctx context.Context, id ID) {
	f(ctx, id)
}

type Scheduler struct {
	clock  clockwork.Clock
	logger log.Logger
	ids    *atomic.Uint64
	fired  chan firing
	done   <-chan struct{}

	lock   *sync.Mutex
	gen    uint64
	timers map[ID]*armed
}

type armed struct {
	timer   clockwork.Timer
	gen     uint64
	handler Handler
}

type firing struct {
	id  ID
	gen uint64
}

// NewScheduler starts the callbacks goroutine, it stops when the ctx is done.
// Pending timers are stopped then.
func NewScheduler(ctx context.Context, wg *sync.WaitGroup, clock clockwork.Clock, logger log.Logger) *Scheduler {
	s := &Scheduler{
		clock:  clock,
		logger: logger.WithComponent("timeout"),
		ids:    atomic.NewUint64(0),
		fired:  make(chan firing, queueSize),
		done:   ctx.Done(),
		lock:   &sync.Mutex{},
		timers: make(map[ID]*armed),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				s.stopAll()
				return
			case f := <-s.fired:
				if handler := s.take(f); handler != nil {
					handler.OnTimeout(ctx, f.id)
				}
			}
		}
	}()

	return s
}

// NewID returns a new unique timer id.
func (s *Scheduler) NewID() ID {
	return ID(s.ids.Inc())
}

// Schedule arms a one-shot timer, an armed timer with the same id is replaced.
func (s *Scheduler) Schedule(d time.Duration, id ID, handler Handler) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if prev, found := s.timers[id]; found {
		prev.timer.Stop()
	}

	s.gen++
	f := firing{id: id, gen: s.gen}
	s.timers[id] = &armed{
		gen:     f.gen,
		handler: handler,
		timer: s.clock.AfterFunc(d, func() {
			select {
			case s.fired <- f:
			case <-s.done:
			}
		}),
	}
}

// IsActive returns true if a timer with the id is armed and its callback has not been invoked yet.
func (s *Scheduler) IsActive(id ID) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, found := s.timers[id]
	return found
}

// Cancel stops the timer, false is returned if there is no armed timer with the id.
func (s *Scheduler) Cancel(id ID) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	a, found := s.timers[id]
	if !found {
		return false
	}
	a.timer.Stop()
	delete(s.timers, id)
	return true
}

// Len returns count of armed timers.
func (s *Scheduler) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.timers)
}

// take removes the timer if the firing belongs to its current arming.
// A firing of a replaced or cancelled timer is dropped.
func (s *Scheduler) take(f firing) Handler {
	s.lock.Lock()
	defer s.lock.Unlock()
	a, found := s.timers[f.id]
	if !found || a.gen != f.gen {
		return nil
	}
	delete(s.timers, f.id)
	return a.handler
}

func (s *Scheduler) stopAll() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for id, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, id)
	}
	if n := len(s.fired); n > 0 {
		s.logger.Debugf(context.Background(), "dropped %d fired timers on shutdown", n)
	}
}
