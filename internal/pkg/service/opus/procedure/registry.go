package procedure

import (
	"context"
	"sync"

	"github.com/opusload/opus/internal/pkg/log"
	"github.com/opusload/opus/internal/pkg/service/opus/model"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

// Registry owns the live procedures and delivers shared-store events to them.
//
// Register may be called from any goroutine. All other methods are called by the dispatcher,
// one batch at a time: PreBatch, events, PostBatch.
//
// Membership changes only at batch boundaries. A procedure registered during a batch is initialized
// in the PostBatch and it receives events from the next batch.
type Registry struct {
	logger   log.Logger
	onRemove RemoveHook
	onLive   func(n int)

	// lock guards pending adds and the live set, it is never held during a handler execution
	lock       *sync.Mutex
	pendingAdd []Procedure
	pending    map[Procedure]bool
	live       []Procedure
	liveSet    map[Procedure]bool

	// dispatcher only
	batch         []Procedure
	pendingRemove []Procedure
	removing      map[Procedure]bool
}

// RemoveHook runs the owner bookkeeping of a reaped procedure, before its Shutdown.
type RemoveHook func(ctx context.Context, p Procedure)

type RegistryOption func(r *Registry)

func WithRemoveHook(fn RemoveHook) RegistryOption {
	return func(r *Registry) {
		r.onRemove = fn
	}
}

// WithLiveCallback reports count of live procedures after each change, for example to a metric.
func WithLiveCallback(fn func(n int)) RegistryOption {
	return func(r *Registry) {
		r.onLive = fn
	}
}

func NewRegistry(logger log.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:   logger.WithComponent("registry"),
		lock:     &sync.Mutex{},
		pending:  make(map[Procedure]bool),
		liveSet:  make(map[Procedure]bool),
		removing: make(map[Procedure]bool),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register queues the procedure for addition.
// False is returned if the procedure is already live or pending.
func (r *Registry) Register(p Procedure) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.pending[p] || r.liveSet[p] {
		return false
	}
	r.pending[p] = true
	r.pendingAdd = append(r.pendingAdd, p)
	return true
}

// Len returns count of live procedures.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.live)
}

// PendingLen returns count of procedures waiting for the initialization.
func (r *Registry) PendingLen() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.pendingAdd)
}

// Procedures returns a snapshot of the live procedures, in the order of registration.
func (r *Registry) Procedures() []Procedure {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]Procedure, len(r.live))
	copy(out, r.live)
	return out
}

// PreBatch initializes pending procedures, clears the pending removals and takes the delivery snapshot.
func (r *Registry) PreBatch(ctx context.Context) {
	r.flushAdds(ctx)
	r.pendingRemove = nil
	clear(r.removing)
	r.batch = r.Procedures()
}

func (r *Registry) Added(ctx context.Context, entry model.Entry) {
	r.deliver(ctx, "added", func(p Procedure) State {
		return p.OnAdded(ctx, entry)
	})
}

func (r *Registry) Updated(ctx context.Context, entry model.Entry) {
	r.deliver(ctx, "updated", func(p Procedure) State {
		return p.OnUpdated(ctx, entry)
	})
}

func (r *Registry) Evicted(ctx context.Context, entry model.Entry) {
	r.deliver(ctx, "evicted", func(p Procedure) State {
		return p.OnEvicted(ctx, entry)
	})
}

func (r *Registry) Removed(ctx context.Context, key model.Key) {
	r.deliver(ctx, "removed", func(p Procedure) State {
		return p.OnRemoved(ctx, key)
	})
}

// PostBatch initializes procedures registered during the batch, then reaps terminal procedures.
// Terminal procedures are reaped even if they reached the terminal state outside the dispatcher,
// for example from a timer or a worker pool task.
func (r *Registry) PostBatch(ctx context.Context) {
	r.flushAdds(ctx)

	for _, p := range r.Procedures() {
		if p.State().IsTerminal() {
			r.queueRemove(p)
		}
	}

	for _, p := range r.pendingRemove {
		if r.onRemove != nil {
			r.onRemove(ctx, p)
		}
		p.Shutdown(ctx)
		r.evict(p)
	}
	if len(r.pendingRemove) > 0 {
		r.reportLive()
	}

	r.pendingRemove = nil
	clear(r.removing)
	r.batch = nil
}

func (r *Registry) deliver(ctx context.Context, event string, handler func(p Procedure) State) {
	for _, p := range r.batch {
		if r.removing[p] {
			continue
		}

		// Late event
		if state := p.State(); state.IsTerminal() {
			r.logger.Debugf(ctx, `ignored %s event: procedure "%s" txID "%d" is %s`, event, p.Name(), p.TxID(), state)
			r.queueRemove(p)
			continue
		}

		if state := handler(p); state.IsTerminal() {
			r.queueRemove(p)
		}
	}
}

func (r *Registry) queueRemove(p Procedure) {
	if !r.removing[p] {
		r.removing[p] = true
		r.pendingRemove = append(r.pendingRemove, p)
	}
}

func (r *Registry) flushAdds(ctx context.Context) {
	r.lock.Lock()
	batch := r.pendingAdd
	r.pendingAdd = nil
	r.lock.Unlock()

	if len(batch) == 0 {
		return
	}

	initialized := make([]Procedure, 0, len(batch))
	for _, p := range batch {
		if err := p.Init(ctx); err != nil {
			r.logger.Errorf(ctx, `cannot init procedure "%s" txID "%d": %s`, p.Name(), p.TxID(), err)
			p.SetState(ctx, StateAborted)
			r.lock.Lock()
			delete(r.pending, p)
			r.lock.Unlock()
			continue
		}
		initialized = append(initialized, p)
	}

	r.lock.Lock()
	for _, p := range initialized {
		delete(r.pending, p)
		r.live = append(r.live, p)
		r.liveSet[p] = true
	}
	r.lock.Unlock()
	r.reportLive()
}

func (r *Registry) evict(p Procedure) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if !r.liveSet[p] {
		panic(errors.Errorf(`procedure "%s" txID "%d" is not live`, p.Name(), p.TxID()))
	}
	delete(r.liveSet, p)
	for i, item := range r.live {
		if item == p {
			r.live = append(r.live[:i], r.live[i+1:]...)
			break
		}
	}
}

func (r *Registry) reportLive() {
	if r.onLive != nil {
		r.onLive(r.Len())
	}
}
