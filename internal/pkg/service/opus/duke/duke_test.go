package duke

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opusload/opus/internal/pkg/service/opus/config"
	"github.com/opusload/opus/internal/pkg/service/opus/dependencies"
	"github.com/opusload/opus/internal/pkg/service/opus/model"
	"github.com/opusload/opus/internal/pkg/service/opus/procedure"
)

func newTestCommander(t *testing.T, modify func(cfg *config.Load)) (dependencies.Mocked, *Commander) {
	t.Helper()
	d := dependencies.NewMocked(t, dependencies.WithConfig(func(cfg *config.Config) {
		if modify != nil {
			modify(&cfg.Load)
		}
	}))
	return d, New(d)
}

func putNode(t *testing.T, d dependencies.Mocked, node model.NodeID, state model.NukeState) {
	t.Helper()
	info := model.NewNukeInfo(node)
	info.State = state
	_, err := d.Store().Put(context.Background(), info)
	require.NoError(t, err)
}

func updateNode(t *testing.T, d dependencies.Mocked, node model.NodeID, fn func(info *model.NukeInfo)) {
	t.Helper()
	entry, found := d.MemStore().Get(node.Key())
	require.True(t, found)
	info := entry.(*model.NukeInfo)
	fn(info)
	require.NoError(t, d.Store().Update(context.Background(), info))
}

func commands(d dependencies.Mocked, command string) []*model.NukeCommand {
	var out []*model.NukeCommand
	for _, key := range d.MemStore().Keys() {
		entry, found := d.MemStore().Get(key)
		if cmd, ok := entry.(*model.NukeCommand); found && ok && cmd.Command == command {
			out = append(out, cmd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out
}

func commandsPerNode(d dependencies.Mocked, command string) map[model.NodeID]int {
	out := make(map[model.NodeID]int)
	for _, cmd := range commands(d, command) {
		out[cmd.Component]++
	}
	return out
}

// waitForCommands dispatches queued batches, procedures registered by a timer are initialized by a wake batch.
func waitForCommands(t *testing.T, d dependencies.Mocked, command string, count int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		d.MemStore().DispatchAll(context.Background())
		return len(commands(d, command)) == count
	}, 5*time.Second, 10*time.Millisecond, `expected "%d" commands "%s"`, count, command)
}

// waitForTimers blocks until the count of armed timers is n, it is used after a timer has been fired.
func waitForTimers(t *testing.T, clk *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, n))
}

// waitForDone dispatches queued batches until the finished distributor is reaped.
func waitForDone(t *testing.T, d dependencies.Mocked, c *Commander) {
	t.Helper()
	assert.Eventually(t, func() bool {
		d.MemStore().DispatchAll(context.Background())
		select {
		case <-c.Done():
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond, "commander is not done")
}

func TestCommander_StartDistribution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, c := newTestCommander(t, func(cfg *config.Load) {
		cfg.MinNodes = 2
	})
	require.NoError(t, c.Start(ctx))

	putNode(t, d, 1001, model.NukeRunning)
	putNode(t, d, 1002, model.NukeStarting)
	d.MemStore().DispatchAll(ctx)
	assert.Len(t, c.Nodes(), 2)
	assert.Len(t, c.RunningNodes(), 1)
	assert.Nil(t, c.Distributor())

	updateNode(t, d, 1002, func(info *model.NukeInfo) {
		info.State = model.NukeRunning
	})
	d.MemStore().DispatchAll(ctx)
	require.NotNil(t, c.Distributor())
	assert.Equal(t, StateRampingUp, c.Distributor().State())

	// Node view follows evicted and removed entries
	d.MemStore().Evict(model.NodeID(1001).Key())
	_, err := d.Store().RemoveByKey(ctx, model.NodeID(1002).Key())
	require.NoError(t, err)
	d.MemStore().DispatchAll(ctx)
	assert.Empty(t, c.Nodes())
	d.DebugLogger().AssertJSONMessages(t, `{"level":"warn","message":"node \"1001\" disappeared","component":"duke"}`)
}

func TestCommander_SmallNodeID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, c := newTestCommander(t, func(cfg *config.Load) {
		cfg.MaxUsers = 4
		cfg.UserIncrease = 4
		cfg.Interval = time.Second
	})

	// Node id equal to the ids allocated to the commands
	putNode(t, d, 3, model.NukeRunning)
	require.NoError(t, c.Start(ctx))
	d.MemStore().DispatchAll(ctx)
	dist := c.Distributor()
	require.NotNil(t, dist)

	d.FakeClock().Advance(time.Second)
	waitForCommands(t, d, "sleep 1", 4)
	assert.Equal(t, map[model.NodeID]int{3: 4}, commandsPerNode(d, "sleep 1"))
	assert.Equal(t, 4, dist.RampedUp())
	d.DebugLogger().AssertNoJSONMessage(t, `{"level":"error"}`)

	var keys []model.Key
	for _, cmd := range commands(d, "sleep 1") {
		keys = append(keys, cmd.Key)
	}
	assert.Contains(t, keys, model.CommandKey(3))

	// Removal of the command with the same id keeps the node
	_, err := d.Store().RemoveByKey(ctx, model.CommandKey(3))
	require.NoError(t, err)
	d.MemStore().DispatchAll(ctx)
	require.Len(t, c.Nodes(), 1)
	assert.Equal(t, model.NodeID(3), c.Nodes()[0].NodeID)
	_, found := d.MemStore().Get(model.NodeID(3).Key())
	assert.True(t, found)
}

func TestClusterDistributor_RampUp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, c := newTestCommander(t, func(cfg *config.Load) {
		cfg.MaxUsers = 10
		cfg.UserIncrease = 4
		cfg.Interval = time.Second
	})
	putNode(t, d, 1001, model.NukeRunning)
	putNode(t, d, 1002, model.NukeRunning)
	require.NoError(t, c.Start(ctx))
	d.MemStore().DispatchAll(ctx)

	dist := c.Distributor()
	require.NotNil(t, dist)
	assert.Equal(t, StateRampingUp, dist.State())

	for _, expected := range []int{4, 8, 10} {
		d.FakeClock().Advance(time.Second)
		waitForCommands(t, d, "sleep 1", expected)
		assert.Equal(t, expected, dist.RampedUp())
	}

	d.MemStore().DispatchAll(ctx)
	assert.Equal(t, StatePeakDelay, dist.State())
	assert.Equal(t, map[model.NodeID]int{1001: 5, 1002: 5}, commandsPerNode(d, "sleep 1"))
	for _, cmd := range commands(d, "sleep 1") {
		assert.Equal(t, model.CommandExecute, cmd.State)
	}
	d.DebugLogger().AssertJSONMessages(t, `
{"level":"info","message":"ramped up to \"4\" of \"10\" users","procedure.name":"ClusterDistributor"}
{"level":"info","message":"ramped up to \"8\" of \"10\" users","procedure.name":"ClusterDistributor"}
{"level":"info","message":"ramped up to \"10\" of \"10\" users","procedure.name":"ClusterDistributor"}
{"level":"info","message":"peak load reached, ramp down in \"%s\""}
`)
}

func TestClusterDistributor_RampUp_NoRunningNode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, c := newTestCommander(t, func(cfg *config.Load) {
		cfg.Interval = time.Second
	})
	putNode(t, d, 1001, model.NukeRunning)
	require.NoError(t, c.Start(ctx))
	d.MemStore().DispatchAll(ctx)
	dist := c.Distributor()
	require.NotNil(t, dist)

	updateNode(t, d, 1001, func(info *model.NukeInfo) {
		info.State = model.NukeStopping
	})
	d.MemStore().DispatchAll(ctx)

	d.FakeClock().Advance(time.Second)
	waitForTimers(t, d.FakeClock(), 2)
	assert.Equal(t, StateRampingUp, dist.State())
	assert.Equal(t, 0, dist.RampedUp())
	d.DebugLogger().AssertJSONMessages(t, `{"level":"warn","message":"no running node, ramp up postponed by \"1s\""}`)
}

func TestClusterDistributor_RampDown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, c := newTestCommander(t, func(cfg *config.Load) {
		cfg.MaxUsers = 10
		cfg.UserIncrease = 10
		cfg.Interval = time.Second
		cfg.PeakDelay = time.Minute
		cfg.RampDownUpdate = 5 * time.Second
	})
	clk := d.FakeClock()
	putNode(t, d, 1001, model.NukeRunning)
	putNode(t, d, 1002, model.NukeRunning)
	require.NoError(t, c.Start(ctx))
	d.MemStore().DispatchAll(ctx)
	dist := c.Distributor()
	require.NotNil(t, dist)

	// Ramp up
	clk.Advance(time.Second)
	waitForCommands(t, d, "sleep 1", 10)
	assert.Equal(t, StatePeakDelay, dist.State())

	// Peak delay
	clk.Advance(time.Minute)
	waitForTimers(t, clk, 2)
	assert.Equal(t, StateRampingDown, dist.State())

	// Stop is sent to all nodes
	clk.Advance(time.Second)
	waitForTimers(t, clk, 2)
	waitForCommands(t, d, model.StopExecution, 2)
	assert.Equal(t, map[model.NodeID]int{1001: 1, 1002: 1}, commandsPerNode(d, model.StopExecution))
	assert.Equal(t, []model.NodeID{1001, 1002}, dist.AwaitingStop())

	// Nodes report active commands and confirm the stop
	for _, node := range []model.NodeID{1001, 1002} {
		updateNode(t, d, node, func(info *model.NukeInfo) {
			info.ActiveCommands = 5
		})
	}
	d.MemStore().DispatchAll(ctx)
	for _, cmd := range commands(d, model.StopExecution) {
		cmd.State = model.CommandDone
		require.NoError(t, d.Store().Update(ctx, cmd))
	}
	d.MemStore().DispatchAll(ctx)
	assert.Empty(t, dist.AwaitingStop())
	assert.Empty(t, commands(d, model.StopExecution))

	// 10 -> 10
	clk.Advance(5 * time.Second)
	waitForTimers(t, clk, 2)
	d.DebugLogger().AssertJSONMessages(t, `
{"level":"info","message":"ramping down, stop sent to \"2\" nodes"}
{"level":"info","message":"ramping down unchanged at \"10\" users"}
`)

	// 10 -> 5
	updateNode(t, d, 1001, func(info *model.NukeInfo) {
		info.ActiveCommands = 3
	})
	updateNode(t, d, 1002, func(info *model.NukeInfo) {
		info.ActiveCommands = 2
	})
	d.MemStore().DispatchAll(ctx)
	clk.Advance(5 * time.Second)
	waitForTimers(t, clk, 2)
	d.DebugLogger().AssertJSONMessages(t, `{"level":"info","message":"ramping down from \"10\" to \"5\" users"}`)
	assert.Equal(t, StateRampingDown, dist.State())

	// 5 -> 0
	for _, node := range []model.NodeID{1001, 1002} {
		updateNode(t, d, node, func(info *model.NukeInfo) {
			info.ActiveCommands = 0
		})
	}
	d.MemStore().DispatchAll(ctx)
	clk.Advance(5 * time.Second)
	waitForDone(t, d, c)
	assert.Equal(t, procedure.StateCompleted, dist.State())
	d.DebugLogger().AssertJSONMessages(t, `{"level":"info","message":"all users ramped down"}`)
	waitForTimers(t, clk, 0)
}

func TestClusterDistributor_Terminate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, c := newTestCommander(t, func(cfg *config.Load) {
		cfg.Interval = time.Hour
		cfg.Terminate = 2 * time.Second
	})
	putNode(t, d, 1001, model.NukeRunning)
	putNode(t, d, 1002, model.NukeRunning)
	require.NoError(t, c.Start(ctx))
	d.MemStore().DispatchAll(ctx)
	dist := c.Distributor()
	require.NotNil(t, dist)

	d.FakeClock().Advance(2 * time.Second)
	waitForDone(t, d, c)
	assert.Equal(t, procedure.StateAborted, dist.State())
	assert.Equal(t, map[model.NodeID]int{1001: 1, 1002: 1}, commandsPerNode(d, model.TerminateExecution))
	d.DebugLogger().AssertJSONMessages(t, `{"level":"error","message":"aborting: load test has not been finished within \"2s\"","procedure.name":"ClusterDistributor"}`)

	// Late events are ignored, the distributor is reaped
	d.MemStore().DispatchAll(ctx)
	for _, p := range c.registry.Procedures() {
		assert.NotEqual(t, "ClusterDistributor", p.Name())
	}
}

func TestClusterDistributor_SingleInstance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, c := newTestCommander(t, nil)
	putNode(t, d, 1001, model.NukeRunning)
	require.NoError(t, c.Start(ctx))
	d.MemStore().DispatchAll(ctx)
	first := c.Distributor()
	require.NotNil(t, first)

	second := newClusterDistributor(c)
	assert.True(t, c.Register(second))
	c.wake()
	d.MemStore().DispatchAll(ctx)
	assert.Equal(t, procedure.StateAborted, second.State())
	assert.Equal(t, first, c.Distributor())
	assert.Equal(t, StateRampingUp, first.State())
	d.DebugLogger().AssertJSONMessages(t, `{"level":"error","message":"cannot init procedure \"ClusterDistributor\" txID \"%d\": cluster distributor is already registered, txID \"%d\""}`)

	// The rejected distributor doesn't finish the commander
	select {
	case <-c.Done():
		assert.Fail(t, "commander must not be done")
	default:
	}
}
