// Package nuke implements the node of the load test.
//
// [Tasks] registers the node in the shared store and executes the commands addressed to the node.
// Each command is executed by a procedure in the worker pool, see [ExecuteTask], [RepeatedExecuteTask] and [QueryTask].
package nuke

import (
	"context"
	"sync"

	"github.com/opusload/opus/internal/pkg/log"
	"github.com/opusload/opus/internal/pkg/service/common/workerpool"
	"github.com/opusload/opus/internal/pkg/service/opus/dependencies"
	"github.com/opusload/opus/internal/pkg/service/opus/metrics"
	"github.com/opusload/opus/internal/pkg/service/opus/model"
	"github.com/opusload/opus/internal/pkg/service/opus/nuke/executor"
	"github.com/opusload/opus/internal/pkg/service/opus/procedure"
	"github.com/opusload/opus/internal/pkg/service/opus/store"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

type Tasks struct {
	logger   log.Logger
	store    store.Store
	pool     *workerpool.Pool
	metrics  *metrics.Metrics
	executor executor.Executor
	observer procedure.Observer
	registry *procedure.Registry
	wg       *sync.WaitGroup
	nodeID   model.NodeID

	infoLock *sync.Mutex
	info     *model.NukeInfo
	dirty    bool
	lost     bool

	// dispatcher only
	stopCommand      *model.NukeCommand
	terminateCommand *model.NukeCommand
	stopPending      int
	terminatePending int
}

func New(d dependencies.ServiceScope, exec executor.Executor) *Tasks {
	t := &Tasks{
		logger:   d.Logger().WithComponent("nuke"),
		store:    d.Store(),
		pool:     d.WorkerPool(),
		metrics:  d.Metrics(),
		executor: exec,
		wg:       d.WaitGroup(),
		nodeID:   model.NodeID(d.Config().NodeID),
		infoLock: &sync.Mutex{},
	}
	t.observer = procedure.Observers{procedure.LogObserver{Logger: t.logger}, d.Metrics()}
	t.registry = procedure.NewRegistry(
		t.logger,
		procedure.WithRemoveHook(t.onRemove),
		procedure.WithLiveCallback(d.Metrics().LiveCallback("nuke")),
	)
	return t
}

// Start registers the node and subscribes to the store.
// If the node id is not configured, a new one is allocated.
func (t *Tasks) Start(ctx context.Context) error {
	if t.nodeID <= 0 {
		id, err := t.store.AllocateID(ctx)
		if err != nil {
			return errors.PrefixError(err, "cannot allocate node id")
		}
		t.nodeID = model.NodeID(id)
	}

	info := model.NewNukeInfo(t.nodeID)
	if _, err := t.store.Put(ctx, info); err != nil {
		return errors.PrefixErrorf(err, `cannot register node "%s"`, t.nodeID)
	}
	t.infoLock.Lock()
	t.info = info
	t.infoLock.Unlock()

	if err := <-t.store.Subscribe(ctx, t.wg, t); err != nil {
		return errors.PrefixError(err, "cannot subscribe to the store")
	}

	if err := t.setNodeState(ctx, model.NukeRunning); err != nil {
		return err
	}
	t.logger.Infof(ctx, `node "%s" is running`, t.nodeID)
	return nil
}

// Shutdown waits for running commands, then the node is unregistered.
func (t *Tasks) Shutdown(ctx context.Context) {
	if err := t.setNodeState(ctx, model.NukeStopping); err != nil {
		t.logger.Warn(ctx, err.Error())
	}

	t.pool.Wait()

	if err := t.setNodeState(ctx, model.NukeTerminated); err != nil {
		t.logger.Warn(ctx, err.Error())
	}
	if _, err := t.store.RemoveByKey(ctx, t.nodeID.Key()); err != nil {
		t.logger.Warnf(ctx, `cannot unregister node "%s": %s`, t.nodeID, err)
	}
	t.logger.Infof(ctx, `node "%s" stopped`, t.nodeID)
}

func (t *Tasks) NodeID() model.NodeID {
	return t.nodeID
}

// Info returns a copy of the node info.
func (t *Tasks) Info() *model.NukeInfo {
	t.infoLock.Lock()
	defer t.infoLock.Unlock()
	return t.info.Clone()
}

func (t *Tasks) PreBatch(ctx context.Context) {
	t.infoLock.Lock()
	t.dirty = false
	t.infoLock.Unlock()
	t.registry.PreBatch(ctx)
}

func (t *Tasks) Added(ctx context.Context, entry model.Entry) {
	t.registry.Added(ctx, entry)
	if cmd, ok := entry.(*model.NukeCommand); ok {
		t.handleCommand(ctx, cmd)
	}
}

func (t *Tasks) Updated(ctx context.Context, entry model.Entry) {
	t.registry.Updated(ctx, entry)
}

func (t *Tasks) Evicted(ctx context.Context, entry model.Entry) {
	if info, ok := entry.(*model.NukeInfo); ok && info.NodeID == t.nodeID {
		t.logger.Errorf(ctx, `node "%s" info has been evicted, it will be registered again`, t.nodeID)
		t.infoLock.Lock()
		t.lost = true
		t.infoLock.Unlock()
	}
	t.registry.Evicted(ctx, entry)
}

func (t *Tasks) Removed(ctx context.Context, key model.Key) {
	switch {
	case t.stopCommand != nil && key == t.stopCommand.Key:
		t.stopCommand = nil
	case t.terminateCommand != nil && key == t.terminateCommand.Key:
		t.terminateCommand = nil
	default:
		t.registry.Removed(ctx, key)
	}
}

func (t *Tasks) PostBatch(ctx context.Context) {
	t.registry.PostBatch(ctx)

	// Writes of the node info are serialized by the lock
	t.infoLock.Lock()
	defer t.infoLock.Unlock()

	switch {
	case t.lost:
		if _, err := t.store.Put(ctx, t.info.Clone()); err != nil {
			t.logger.Errorf(ctx, `cannot register node "%s": %s`, t.nodeID, err)
		}
	case t.dirty:
		t.logger.Debugf(ctx, `updating node info: active "%d", requested "%d", completed "%d"`, t.info.ActiveCommands, t.info.RequestedCommands, t.info.CompletedCommands)
		if err := t.store.Update(ctx, t.info.Clone()); err != nil {
			t.logger.Errorf(ctx, `cannot update node "%s": %s`, t.nodeID, err)
		}
	}
	t.dirty, t.lost = false, false
}

// handleCommand creates a procedure for a new command addressed to this node.
func (t *Tasks) handleCommand(ctx context.Context, cmd *model.NukeCommand) {
	if !cmd.IsAddressedTo(t.nodeID) {
		return
	}

	switch cmd.State {
	case model.CommandExecute:
		switch cmd.Command {
		case model.StopExecution:
			t.stopExecution(ctx, cmd)
		case model.TerminateExecution:
			t.terminateExecution(ctx, cmd)
		default:
			t.logger.Debugf(ctx, `received command "%s": "%s"`, cmd.Key, cmd.Command)
			if cmd.Repeated {
				if t.registry.Register(newRepeatedExecuteTask(t, cmd)) {
					t.updateInfo(func(info *model.NukeInfo) {
						info.Repeated = true
					})
				}
			} else {
				t.registry.Register(newExecuteTask(t, cmd))
			}
		}
	case model.CommandQuery:
		t.registry.Register(newQueryTask(t, cmd))
	default:
		t.logger.Errorf(ctx, `unexpected state "%s" of new command "%s"`, cmd.State, cmd.Key)
	}
}

func (t *Tasks) stopExecution(ctx context.Context, cmd *model.NukeCommand) {
	t.logger.Info(ctx, "stopping all commands")
	n := t.requestAll(ctx, model.CommandStop)
	if n == 0 {
		t.logger.Info(ctx, "all commands stopped")
		t.finishCommand(ctx, cmd, model.CommandDone)
		return
	}

	t.logger.Infof(ctx, `stop requested from "%d" commands, waiting`, n)
	t.stopPending = n
	t.stopCommand = cmd.Clone()
}

func (t *Tasks) terminateExecution(ctx context.Context, cmd *model.NukeCommand) {
	t.logger.Info(ctx, "terminating all commands")
	n := t.requestAll(ctx, model.CommandTerminate)

	if t.stopCommand != nil {
		t.logger.Infof(ctx, `terminate received before "%d" commands stopped, stop aborted`, t.stopPending)
		t.stopPending = 0
		t.finishCommand(ctx, t.stopCommand, model.CommandAborted)
		t.stopCommand = nil
	}

	if n == 0 {
		t.logger.Info(ctx, "all commands terminated")
		t.finishCommand(ctx, cmd, model.CommandDone)
		return
	}

	t.logger.Infof(ctx, `terminate requested from "%d" commands, waiting`, n)
	t.terminatePending = n
	t.terminateCommand = cmd.Clone()
}

// requestAll writes the state to all running execute commands, it returns the number of written commands.
func (t *Tasks) requestAll(ctx context.Context, state model.CommandState) int {
	n := 0
	for _, p := range t.registry.Procedures() {
		var ok bool
		switch v := p.(type) {
		case *ExecuteTask:
			ok = v.request(ctx, state)
		case *RepeatedExecuteTask:
			ok = v.request(ctx, state)
		}
		if ok {
			n++
		}
	}
	return n
}

// onRemove counts down the stopped and terminated commands.
func (t *Tasks) onRemove(ctx context.Context, p procedure.Procedure) {
	r, ok := p.(interface{ requests() (bool, bool) })
	if !ok {
		return
	}

	stop, terminate := r.requests()
	switch {
	case terminate && t.terminateCommand != nil:
		t.terminatePending--
		if t.terminatePending < 0 {
			panic(errors.Errorf(`unexpected terminated procedure "%s" txID "%d"`, p.Name(), p.TxID()))
		}
		if t.terminatePending == 0 {
			t.logger.Info(ctx, "all commands terminated")
			t.finishCommand(ctx, t.terminateCommand, model.CommandDone)
		}
	case stop && t.stopCommand != nil:
		t.stopPending--
		if t.stopPending < 0 {
			panic(errors.Errorf(`unexpected stopped procedure "%s" txID "%d"`, p.Name(), p.TxID()))
		}
		if t.stopPending == 0 {
			t.logger.Info(ctx, "all commands stopped")
			t.finishCommand(ctx, t.stopCommand, model.CommandDone)
		}
	}
}

func (t *Tasks) finishCommand(ctx context.Context, cmd *model.NukeCommand, state model.CommandState) {
	cmd.State = state
	if err := t.store.Update(ctx, cmd); err != nil {
		t.logger.Errorf(ctx, `cannot update command "%s": %s`, cmd.Key, err)
	}
}

// updateInfo modifies the node info, it is written in the PostBatch.
func (t *Tasks) updateInfo(fn func(info *model.NukeInfo)) {
	t.infoLock.Lock()
	defer t.infoLock.Unlock()
	fn(t.info)
	t.dirty = true
}

func (t *Tasks) setNodeState(ctx context.Context, state model.NukeState) error {
	t.infoLock.Lock()
	defer t.infoLock.Unlock()

	t.info.State = state
	if err := t.store.Update(ctx, t.info.Clone()); err != nil {
		return errors.PrefixErrorf(err, `cannot set node "%s" state "%s"`, t.nodeID, state)
	}
	return nil
}
