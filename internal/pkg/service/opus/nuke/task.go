package nuke

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/atomic"

	"github.com/opusload/opus/internal/pkg/service/opus/model"
	"github.com/opusload/opus/internal/pkg/service/opus/procedure"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

const StateRunning procedure.State = "Running"

// task is the common part of the procedures executing a command in the worker pool.
//
// The command entry is written by the worker and by the dispatcher, the writes are serialized by the lock.
// The final write sets a terminal local state first, so a later stop or terminate request is not written over it.
type task struct {
	*procedure.Base
	tasks *Tasks

	lock    *sync.Mutex
	command *model.NukeCommand

	cancel context.CancelFunc

	// set by the events of the entry, read by the worker
	stopped    *atomic.Bool
	terminated *atomic.Bool

	// dispatcher only, requests written by the Tasks
	stopRequested      bool
	terminateRequested bool
}

func newTask(name string, t *Tasks, cmd *model.NukeCommand) *task {
	return &task{
		Base:       procedure.NewBase(name, cmd.TxID, t.logger, t.observer),
		tasks:      t,
		lock:       &sync.Mutex{},
		command:    cmd.Clone(),
		stopped:    atomic.NewBool(false),
		terminated: atomic.NewBool(false),
	}
}

func (p *task) Key() model.Key {
	return p.command.Key
}

func (p *task) IsStopped() bool {
	return p.stopped.Load()
}

func (p *task) IsTerminated() bool {
	return p.terminated.Load()
}

// submit runs the fn in the worker pool, the ctx of the fn is cancelled by a terminate request.
// A panic of the fn aborts the command.
func (p *task) submit(fn func(ctx context.Context)) error {
	return p.tasks.pool.Submit(p.Name(), func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				p.Logger().Errorf(ctx, `command "%s" panic: %v, stacktrace: %s`, p.command.Key, r, string(debug.Stack()))
				p.finish(ctx, model.CommandAborted, fmt.Sprintf("panic: %v", r))
			}
		}()

		taskCtx, cancel := context.WithCancel(ctx)
		p.lock.Lock()
		p.cancel = cancel
		p.lock.Unlock()
		terminated := p.terminated.Load()

		defer p.cancelAction()
		if terminated {
			p.cancelAction()
		}
		fn(taskCtx)
	})
}

func (p *task) cancelAction() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// start writes the WORKING state, false is returned if the procedure cannot continue.
func (p *task) start(ctx context.Context) bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.IsTerminal() {
		return false
	}

	p.SetState(ctx, StateRunning)
	p.command.State = model.CommandWorking
	if err := p.tasks.store.Update(ctx, p.command); err != nil {
		p.Abort(ctx, `cannot update command "%s": %s`, p.command.Key, err)
		return false
	}
	return true
}

// finish sets the terminal local state and writes the final state of the command.
// The written entry is the signal for the commander, a failed write is only logged.
func (p *task) finish(ctx context.Context, state model.CommandState, response string) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.IsTerminal() {
		return
	}

	if state == model.CommandDone {
		p.SetState(ctx, procedure.StateCompleted)
	} else {
		p.SetState(ctx, procedure.StateAborted)
	}

	p.command.State = state
	p.command.Response = response
	if err := p.tasks.store.Update(ctx, p.command); err != nil {
		p.Logger().Errorf(ctx, `cannot update command "%s": %s`, p.command.Key, err)
	}
	p.tasks.metrics.CommandFinished(state)
}

// request writes the STOP or TERMINATE state of the command, it is called by the Tasks.
// False is returned, if the procedure is already finished.
func (p *task) request(ctx context.Context, state model.CommandState) bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.IsTerminal() {
		return false
	}

	p.command.State = state
	if err := p.tasks.store.Update(ctx, p.command); err != nil {
		p.Logger().Errorf(ctx, `cannot request "%s" of command "%s": %s`, state, p.command.Key, err)
		return false
	}

	switch state {
	case model.CommandStop:
		p.stopRequested = true
	case model.CommandTerminate:
		p.terminateRequested = true
	default:
		panic(errors.Errorf(`unexpected request "%s"`, state))
	}
	return true
}

func (p *task) requests() (stop bool, terminate bool) {
	return p.stopRequested, p.terminateRequested
}

func (p *task) OnUpdated(ctx context.Context, entry model.Entry) procedure.State {
	cmd, ok := entry.(*model.NukeCommand)
	if !ok || cmd.Key != p.command.Key {
		return p.State()
	}

	switch cmd.State {
	case model.CommandStop:
		p.Logger().Infof(ctx, `stop of command "%s" requested`, cmd.Key)
		p.stopped.Store(true)
	case model.CommandTerminate:
		p.Logger().Infof(ctx, `terminate of command "%s" requested`, cmd.Key)
		p.terminated.Store(true)
		p.stopped.Store(false)
		p.cancelAction()
	default:
	}
	return p.State()
}

func (p *task) OnEvicted(ctx context.Context, entry model.Entry) procedure.State {
	if entry.EntryKey() == p.command.Key {
		p.cancelAction()
		return p.Abort(ctx, `command "%s" has been evicted`, p.command.Key)
	}
	return p.State()
}

func (p *task) OnRemoved(ctx context.Context, key model.Key) procedure.State {
	if key == p.command.Key && !p.IsTerminal() {
		p.cancelAction()
		return p.Abort(ctx, `command "%s" has been removed before it has been finished`, key)
	}
	return p.State()
}

func (p *task) mustBeTerminal() {
	if state := p.State(); !state.IsTerminal() {
		panic(errors.Errorf(`procedure "%s" txID "%d" cannot be shut down in state "%s"`, p.Name(), p.TxID(), state))
	}
}
