package duke

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opusload/opus/internal/pkg/service/opus/dependencies"
	"github.com/opusload/opus/internal/pkg/service/opus/model"
	"github.com/opusload/opus/internal/pkg/service/opus/procedure"
)

type finishedCall struct {
	node     model.NodeID
	state    model.CommandState
	query    string
	response string
}

type finishedCalls struct {
	lock sync.Mutex
	all  []finishedCall
}

func (v *finishedCalls) Func(_ context.Context, node model.NodeID, state model.CommandState, query, response string) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.all = append(v.all, finishedCall{node: node, state: state, query: query, response: response})
}

func (v *finishedCalls) All() []finishedCall {
	v.lock.Lock()
	defer v.lock.Unlock()
	return append([]finishedCall(nil), v.all...)
}

// reportState rewrites the command entry as the node does.
func reportState(t *testing.T, d dependencies.Mocked, p *CommandProcedure, state model.CommandState, response string) {
	t.Helper()
	entry, found := d.MemStore().Get(p.Key())
	require.True(t, found)
	cmd := entry.(*model.NukeCommand)
	cmd.State = state
	cmd.Response = response
	require.NoError(t, d.Store().Update(context.Background(), cmd))
}

// initialize wakes the dispatcher, it initializes the registered procedures.
func initialize(ctx context.Context, d dependencies.Mocked, c *Commander) {
	c.wake()
	d.MemStore().DispatchAll(ctx)
}

func TestCommandProcedure_Done(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, c := newTestCommander(t, nil)
	require.NoError(t, c.Start(ctx))

	calls := &finishedCalls{}
	p := c.NewCommand(1001, "sleep 1", WithFolder("/tmp"), WithRepeated(true), WithFinished(calls.Func))
	require.True(t, c.Register(p))
	assert.False(t, c.Register(p))
	initialize(ctx, d, c)
	assert.Equal(t, StateWorking, p.State())

	// Entry is written and addressed to the node
	entry, found := d.MemStore().Get(p.Key())
	require.True(t, found)
	cmd := entry.(*model.NukeCommand)
	assert.Equal(t, p.TxID(), cmd.TxID)
	assert.Equal(t, model.CommandExecute, cmd.State)
	assert.Equal(t, model.NodeID(1001), cmd.Component)
	assert.Equal(t, "/tmp", cmd.Folder)
	assert.True(t, cmd.Repeated)

	reportState(t, d, p, model.CommandWorking, "")
	d.MemStore().DispatchAll(ctx)
	assert.Equal(t, StateWorking, p.State())

	reportState(t, d, p, model.CommandDone, "ok")
	d.MemStore().DispatchAll(ctx)
	assert.Equal(t, procedure.StateCompleted, p.State())
	_, found = d.MemStore().Get(p.Key())
	assert.False(t, found)
	assert.Equal(t, []finishedCall{{node: 1001, state: model.CommandDone, query: "sleep 1", response: "ok"}}, calls.All())
	assert.Equal(t, 0, c.registry.Len())
}

func TestCommandProcedure_Query(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, c := newTestCommander(t, nil)
	require.NoError(t, c.Start(ctx))

	p := c.NewCommand(1001, "hostname", WithQuery())
	c.Register(p)
	initialize(ctx, d, c)
	entry, found := d.MemStore().Get(p.Key())
	require.True(t, found)
	assert.Equal(t, model.CommandQuery, entry.(*model.NukeCommand).State)

	// QUERY reported back is not handled on the commander side
	d.MemStore().DispatchAll(ctx)
	reportState(t, d, p, model.CommandQuery, "")
	d.MemStore().DispatchAll(ctx)
	assert.Equal(t, procedure.StateAborted, p.State())
	d.DebugLogger().AssertJSONMessages(t, `{"level":"error","message":"aborting: unexpected command state \"QUERY\"","procedure.name":"CommandProcedure"}`)
}

func TestCommandProcedure_StopOrTerminateReported(t *testing.T) {
	t.Parallel()

	for _, state := range []model.CommandState{model.CommandStop, model.CommandTerminate} {
		t.Run(state.String(), func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			d, c := newTestCommander(t, nil)
			require.NoError(t, c.Start(ctx))

			calls := &finishedCalls{}
			p := c.NewCommand(1001, "sleep 1", WithFinished(calls.Func))
			c.Register(p)
			initialize(ctx, d, c)
			assert.Equal(t, StateWorking, p.State())

			// The node writes the request to its own commands, the commander doesn't expect it
			reportState(t, d, p, state, "")
			d.MemStore().DispatchAll(ctx)
			assert.Equal(t, procedure.StateAborted, p.State())
			assert.Equal(t, []finishedCall{{node: 1001, state: model.CommandAborted, query: "sleep 1"}}, calls.All())
			d.DebugLogger().AssertJSONMessages(t, `{"level":"error","message":"aborting: unexpected command state \"`+state.String()+`\""}`)
		})
	}
}

func TestCommandProcedure_AbortedByNode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, c := newTestCommander(t, nil)
	require.NoError(t, c.Start(ctx))

	p := c.NewCommand(1001, "sleep 1")
	c.Register(p)
	initialize(ctx, d, c)

	reportState(t, d, p, model.CommandAborted, "")
	d.MemStore().DispatchAll(ctx)
	assert.Equal(t, procedure.StateAborted, p.State())
}

func TestCommandProcedure_RegisteredOutsideDispatcher(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, c := newTestCommander(t, nil)
	require.NoError(t, c.Start(ctx))
	d.MemStore().DispatchAll(ctx)

	// Registration only queues the procedure
	p := c.NewCommand(1001, "sleep 1")
	require.True(t, c.Register(p))
	assert.Equal(t, procedure.StateCreated, p.State())
	assert.Equal(t, 1, c.registry.PendingLen())
	assert.Empty(t, d.MemStore().Keys())

	// The wake batch initializes it on the dispatcher
	c.wake()
	assert.Equal(t, 1, d.MemStore().Pending())
	assert.Equal(t, procedure.StateCreated, p.State())
	d.MemStore().DispatchAll(ctx)
	assert.Equal(t, StateWorking, p.State())
	assert.Equal(t, 0, c.registry.PendingLen())
	assert.Equal(t, []model.Key{p.Key()}, d.MemStore().Keys())
}

func TestCommandProcedure_Evicted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, c := newTestCommander(t, nil)
	require.NoError(t, c.Start(ctx))

	calls := &finishedCalls{}
	p7 := newCommandProcedure(c, 7, 1001, "sleep 1", WithFinished(calls.Func))
	p8 := newCommandProcedure(c, 8, 1001, "sleep 1")
	c.Register(p7)
	c.Register(p8)
	initialize(ctx, d, c)
	d.MemStore().DispatchAll(ctx)
	assert.Equal(t, StateWorking, p7.State())
	assert.Equal(t, StateWorking, p8.State())

	require.True(t, d.MemStore().Evict(p7.Key()))
	d.MemStore().DispatchAll(ctx)
	assert.Equal(t, procedure.StateAborted, p7.State())
	assert.Equal(t, StateWorking, p8.State())
	assert.Equal(t, []finishedCall{{node: 1001, state: model.CommandAborted, query: "sleep 1"}}, calls.All())
	d.DebugLogger().AssertJSONMessages(t, `{"level":"error","message":"aborting: command \"commands/%d\" has been evicted","procedure.txID":7}`)
}

func TestCommandProcedure_RemovedUnexpectedly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, c := newTestCommander(t, nil)
	require.NoError(t, c.Start(ctx))

	p := c.NewCommand(1001, "sleep 1")
	c.Register(p)
	initialize(ctx, d, c)
	d.MemStore().DispatchAll(ctx)

	_, err := d.Store().RemoveByKey(ctx, p.Key())
	require.NoError(t, err)
	d.MemStore().DispatchAll(ctx)
	assert.Equal(t, procedure.StateAborted, p.State())
	d.DebugLogger().AssertJSONMessages(t, `{"level":"error","message":"aborting: command \"commands/%d\" has been removed unexpectedly"}`)
}

func TestCommandProcedure_Timeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, c := newTestCommander(t, nil)
	require.NoError(t, c.Start(ctx))

	calls := &finishedCalls{}
	p := c.NewCommand(1001, "sleep 1", WithTimeout(time.Minute), WithFinished(calls.Func))
	c.Register(p)
	initialize(ctx, d, c)
	d.MemStore().DispatchAll(ctx)
	assert.Equal(t, 1, d.Scheduler().Len())

	d.FakeClock().Advance(time.Minute)
	assert.Eventually(t, func() bool {
		_, found := d.MemStore().Get(p.Key())
		return !found
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, procedure.StateAborted, p.State())

	// The removal reaps the procedure
	d.MemStore().DispatchAll(ctx)
	assert.Equal(t, 0, c.registry.Len())
	assert.Equal(t, []finishedCall{{node: 1001, state: model.CommandAborted, query: "sleep 1"}}, calls.All())
	assert.Equal(t, 0, d.Scheduler().Len())
}
