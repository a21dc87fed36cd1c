// Package procedure provides the procedure engine: a unit of work with a finite-state machine,
// and a registry which delivers shared-store events to all live procedures.
package procedure

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opusload/opus/internal/pkg/log"
	"github.com/opusload/opus/internal/pkg/service/opus/model"
)

// Procedure is driven by the Registry. Each event handler returns the resulting state.
//
// Init and the event handlers are invoked from the dispatcher, one batch at a time.
// Shutdown is invoked exactly once, after the procedure reached a terminal state.
type Procedure interface {
	Name() string
	TxID() model.TxID
	State() State
	SetState(ctx context.Context, next State) bool

	Init(ctx context.Context) error
	Shutdown(ctx context.Context)

	OnAdded(ctx context.Context, entry model.Entry) State
	OnUpdated(ctx context.Context, entry model.Entry) State
	OnEvicted(ctx context.Context, entry model.Entry) State
	OnRemoved(ctx context.Context, key model.Key) State
}

// Base implements the state machine discipline, it is embedded in all procedures.
// Default event handlers ignore the event.
type Base struct {
	name     string
	txID     model.TxID
	logger   log.Logger
	observer Observer

	lock  *sync.RWMutex
	state State
}

func NewBase(name string, txID model.TxID, logger log.Logger, observer Observer) *Base {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Base{
		name:     name,
		txID:     txID,
		logger:   logger.With(attribute.String("procedure.name", name), attribute.Int("procedure.txID", int(txID))),
		observer: observer,
		lock:     &sync.RWMutex{},
		state:    StateCreated,
	}
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) TxID() model.TxID {
	return b.txID
}

func (b *Base) Logger() log.Logger {
	return b.logger
}

func (b *Base) State() State {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.state
}

func (b *Base) IsTerminal() bool {
	return b.State().IsTerminal()
}

// SetState is a no-op if the current state is terminal or equal to the next state.
// The observer is notified about each transition.
func (b *Base) SetState(ctx context.Context, next State) bool {
	b.lock.Lock()
	prev := b.state
	if prev.IsTerminal() || prev == next {
		b.lock.Unlock()
		return false
	}
	b.state = next
	b.lock.Unlock()

	b.observer.OnStateChange(ctx, b, prev, next)
	return true
}

// Abort logs the reason and transitions to StateAborted.
func (b *Base) Abort(ctx context.Context, format string, args ...any) State {
	if !b.IsTerminal() {
		b.logger.Errorf(ctx, "aborting: "+format, args...)
	}
	b.SetState(ctx, StateAborted)
	return b.State()
}

func (b *Base) Init(context.Context) error {
	return nil
}

func (b *Base) Shutdown(context.Context) {}

func (b *Base) OnAdded(context.Context, model.Entry) State {
	return b.State()
}

func (b *Base) OnUpdated(context.Context, model.Entry) State {
	return b.State()
}

func (b *Base) OnEvicted(context.Context, model.Entry) State {
	return b.State()
}

func (b *Base) OnRemoved(context.Context, model.Key) State {
	return b.State()
}
