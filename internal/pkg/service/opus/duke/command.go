package duke

import (
	"context"
	"sync"
	"time"

	"github.com/opusload/opus/internal/pkg/service/common/timeout"
	"github.com/opusload/opus/internal/pkg/service/opus/model"
	"github.com/opusload/opus/internal/pkg/service/opus/procedure"
)

const (
	StateWorking  procedure.State = "Working"
	StateRemoving procedure.State = "Removing"
)

// FinishedFunc is invoked once, when the command procedure reached a terminal state.
// The state is the last state reported by the node, or CommandAborted if the procedure has been aborted.
type FinishedFunc func(ctx context.Context, node model.NodeID, state model.CommandState, query, response string)

type CommandOption func(p *CommandProcedure)

func WithFolder(v string) CommandOption {
	return func(p *CommandProcedure) {
		p.folder = v
	}
}

func WithRepeated(v bool) CommandOption {
	return func(p *CommandProcedure) {
		p.repeated = v
	}
}

// WithQuery writes the command in the QUERY state, the node replies with the output of the command.
func WithQuery() CommandOption {
	return func(p *CommandProcedure) {
		p.initial = model.CommandQuery
	}
}

func WithFinished(fn FinishedFunc) CommandOption {
	return func(p *CommandProcedure) {
		p.finished = fn
	}
}

// WithTimeout aborts the procedure and removes the entry, if the command is not done within the duration.
func WithTimeout(v time.Duration) CommandOption {
	return func(p *CommandProcedure) {
		p.timeout = v
	}
}

// CommandProcedure writes one command addressed to a node,
// waits until the node reports it done and removes the entry.
type CommandProcedure struct {
	*procedure.Base
	commander *Commander
	node      model.NodeID
	command   string
	folder    string
	repeated  bool
	initial   model.CommandState
	timeout   time.Duration
	finished  FinishedFunc

	lock     *sync.Mutex
	key      model.Key
	timerID  timeout.ID
	state    model.CommandState
	response string
}

func newCommandProcedure(c *Commander, txID model.TxID, node model.NodeID, command string, opts ...CommandOption) *CommandProcedure {
	p := &CommandProcedure{
		Base:      procedure.NewBase("CommandProcedure", txID, c.logger, c.observer),
		commander: c,
		node:      node,
		command:   command,
		initial:   model.CommandExecute,
		lock:      &sync.Mutex{},
		state:     model.CommandUndefined,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *CommandProcedure) Node() model.NodeID {
	return p.node
}

// Key of the written entry, it is set by Init.
func (p *CommandProcedure) Key() model.Key {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.key
}

func (p *CommandProcedure) Init(ctx context.Context) error {
	cmd := model.NewNukeCommand(p.TxID(), p.command)
	cmd.State = p.initial
	cmd.Component = p.node
	cmd.Folder = p.folder
	cmd.Repeated = p.repeated

	key, err := p.commander.store.Put(ctx, cmd)
	if err != nil {
		return err
	}

	p.lock.Lock()
	p.key = key
	p.state = p.initial
	if p.timeout > 0 {
		p.timerID = p.commander.scheduler.NewID()
		p.commander.scheduler.Schedule(p.timeout, p.timerID, p)
	}
	p.lock.Unlock()

	p.Logger().Debugf(ctx, `command "%s" written to node "%s", key "%s"`, p.command, p.node, key)
	p.SetState(ctx, StateWorking)
	return nil
}

func (p *CommandProcedure) OnUpdated(ctx context.Context, entry model.Entry) procedure.State {
	cmd, ok := entry.(*model.NukeCommand)
	if !ok || cmd.TxID != p.TxID() {
		return p.State()
	}

	p.lock.Lock()
	p.state = cmd.State
	p.response = cmd.Response
	p.lock.Unlock()

	switch cmd.State {
	case model.CommandExecute, model.CommandWorking:
		return p.State()
	case model.CommandDone:
		if _, err := p.commander.store.RemoveByKey(ctx, cmd.Key); err != nil {
			return p.Abort(ctx, `cannot remove command "%s": %s`, cmd.Key, err)
		}
		p.SetState(ctx, StateRemoving)
		return p.State()
	default:
		return p.Abort(ctx, `unexpected command state "%s"`, cmd.State)
	}
}

func (p *CommandProcedure) OnEvicted(ctx context.Context, entry model.Entry) procedure.State {
	if entry.EntryTxID() == p.TxID() {
		return p.Abort(ctx, `command "%s" has been evicted`, entry.EntryKey())
	}
	return p.State()
}

func (p *CommandProcedure) OnRemoved(ctx context.Context, key model.Key) procedure.State {
	if key != p.Key() {
		return p.State()
	}
	if p.State() == StateRemoving {
		p.SetState(ctx, procedure.StateCompleted)
		return p.State()
	}
	return p.Abort(ctx, `command "%s" has been removed unexpectedly`, key)
}

// OnTimeout is invoked by the scheduler, if the command has not been finished in time.
func (p *CommandProcedure) OnTimeout(ctx context.Context, id timeout.ID) {
	p.lock.Lock()
	key, timerID := p.key, p.timerID
	p.lock.Unlock()

	if id != timerID || p.IsTerminal() || p.State() == StateRemoving {
		return
	}

	p.Abort(ctx, `command "%s" has not been finished within %s`, key, p.timeout)
	if _, err := p.commander.store.RemoveByKey(ctx, key); err != nil {
		p.Logger().Warnf(ctx, `cannot remove timed out command "%s": %s`, key, err)
	}
}

func (p *CommandProcedure) Shutdown(ctx context.Context) {
	p.lock.Lock()
	if p.timerID != 0 {
		p.commander.scheduler.Cancel(p.timerID)
	}
	state, response := p.state, p.response
	p.lock.Unlock()

	if p.State() == procedure.StateAborted {
		state = model.CommandAborted
	}
	if p.finished != nil {
		p.finished(ctx, p.node, state, p.command, response)
	}
}
