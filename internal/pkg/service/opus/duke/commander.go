// Package duke implements the commander of the load test.
//
// The [Commander] observes the shared store. It keeps a view of all nodes and starts the [ClusterDistributor],
// when enough nodes are running. The distributor writes commands to the nodes using [CommandProcedure]s.
package duke

import (
	"context"
	"sort"
	"sync"

	"github.com/opusload/opus/internal/pkg/log"
	"github.com/opusload/opus/internal/pkg/service/common/timeout"
	"github.com/opusload/opus/internal/pkg/service/opus/config"
	"github.com/opusload/opus/internal/pkg/service/opus/dependencies"
	"github.com/opusload/opus/internal/pkg/service/opus/model"
	"github.com/opusload/opus/internal/pkg/service/opus/procedure"
	"github.com/opusload/opus/internal/pkg/service/opus/store"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

type Commander struct {
	logger    log.Logger
	config    config.Config
	store     store.Store
	scheduler *timeout.Scheduler
	txIDs     *procedure.TxIDSequence
	observer  procedure.Observer
	registry  *procedure.Registry
	wg        *sync.WaitGroup

	// dispatchLock is held from PreBatch to PostBatch
	dispatchLock *sync.Mutex

	nodesLock *sync.RWMutex
	nodes     map[model.NodeID]*model.NukeInfo

	distLock    *sync.Mutex
	started     bool
	distributor *ClusterDistributor
	done        chan struct{}
	doneOnce    *sync.Once
}

func New(d dependencies.ServiceScope) *Commander {
	logger := d.Logger().WithComponent("duke")
	return &Commander{
		logger:       logger,
		config:       d.Config(),
		store:        d.Store(),
		scheduler:    d.Scheduler(),
		txIDs:        d.TxIDs(),
		observer:     procedure.Observers{procedure.LogObserver{Logger: logger}, d.Metrics()},
		registry:     procedure.NewRegistry(logger, procedure.WithLiveCallback(d.Metrics().LiveCallback("duke"))),
		wg:           d.WaitGroup(),
		dispatchLock: &sync.Mutex{},
		nodesLock:    &sync.RWMutex{},
		nodes:        make(map[model.NodeID]*model.NukeInfo),
		distLock:     &sync.Mutex{},
		done:         make(chan struct{}),
		doneOnce:     &sync.Once{},
	}
}

// Start subscribes to the store, it returns when the initial batch has been delivered.
func (c *Commander) Start(ctx context.Context) error {
	c.logger.Infof(ctx, `commander started, waiting for "%d" running nodes`, c.config.Load.MinNodes)
	if err := <-c.store.Subscribe(ctx, c.wg, c); err != nil {
		return errors.PrefixError(err, "cannot subscribe to the store")
	}
	return nil
}

// Done is closed when the load test is finished, successfully or not.
func (c *Commander) Done() <-chan struct{} {
	return c.done
}

// Distributor returns the running or finished distributor, or nil if the load test has not been started.
func (c *Commander) Distributor() *ClusterDistributor {
	c.distLock.Lock()
	defer c.distLock.Unlock()
	return c.distributor
}

// Register queues the procedure, it is initialized on the next batch.
func (c *Commander) Register(p procedure.Procedure) bool {
	return c.registry.Register(p)
}

// NewCommand creates a procedure writing the command to the node, it must be registered.
func (c *Commander) NewCommand(node model.NodeID, command string, opts ...CommandOption) *CommandProcedure {
	return newCommandProcedure(c, c.txIDs.Next(), node, command, opts...)
}

// Nodes returns copies of all known nodes, sorted by the id.
func (c *Commander) Nodes() []*model.NukeInfo {
	c.nodesLock.RLock()
	defer c.nodesLock.RUnlock()
	out := make([]*model.NukeInfo, 0, len(c.nodes))
	for _, info := range c.nodes {
		out = append(out, info.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// RunningNodes returns copies of the nodes in the RUNNING state, sorted by the id.
func (c *Commander) RunningNodes() []*model.NukeInfo {
	var out []*model.NukeInfo
	for _, info := range c.Nodes() {
		if info.State == model.NukeRunning {
			out = append(out, info)
		}
	}
	return out
}

func (c *Commander) PreBatch(ctx context.Context) {
	c.dispatchLock.Lock()
	c.registry.PreBatch(ctx)
}

func (c *Commander) Added(ctx context.Context, entry model.Entry) {
	c.putNode(entry)
	c.registry.Added(ctx, entry)
}

func (c *Commander) Updated(ctx context.Context, entry model.Entry) {
	c.putNode(entry)
	c.registry.Updated(ctx, entry)
}

func (c *Commander) Evicted(ctx context.Context, entry model.Entry) {
	if info, ok := entry.(*model.NukeInfo); ok {
		c.logger.Warnf(ctx, `node "%s" disappeared`, info.NodeID)
		c.deleteNode(info.NodeID)
	}
	c.registry.Evicted(ctx, entry)
}

func (c *Commander) Removed(ctx context.Context, key model.Key) {
	if key.Kind == model.KindNode {
		c.deleteNode(model.NodeID(key.ID))
	}
	c.registry.Removed(ctx, key)
}

func (c *Commander) PostBatch(ctx context.Context) {
	defer c.dispatchLock.Unlock()
	c.startDistribution(ctx)
	c.registry.PostBatch(ctx)
}

// wake requests an empty batch, so procedures registered outside the dispatcher,
// for example from a timer, are initialized by the dispatcher.
func (c *Commander) wake() {
	c.store.Wake()
}

// startDistribution registers the distributor once, when enough nodes are running.
func (c *Commander) startDistribution(ctx context.Context) {
	c.distLock.Lock()
	if c.started {
		c.distLock.Unlock()
		return
	}
	running := len(c.RunningNodes())
	if running < c.config.Load.MinNodes {
		c.distLock.Unlock()
		return
	}
	c.started = true
	c.distLock.Unlock()

	c.logger.Infof(ctx, `"%d" nodes are running, starting the load test`, running)
	c.Register(newClusterDistributor(c))
}

// claimDistributor allows only one distributor.
func (c *Commander) claimDistributor(p *ClusterDistributor) error {
	c.distLock.Lock()
	defer c.distLock.Unlock()
	if c.distributor != nil && c.distributor != p {
		return errors.Errorf(`cluster distributor is already registered, txID "%d"`, c.distributor.TxID())
	}
	c.distributor = p
	return nil
}

func (c *Commander) distributorFinished(p *ClusterDistributor) {
	c.distLock.Lock()
	owner := c.distributor == p
	c.distLock.Unlock()
	if owner {
		c.doneOnce.Do(func() {
			close(c.done)
		})
	}
}

func (c *Commander) putNode(entry model.Entry) {
	if info, ok := entry.(*model.NukeInfo); ok {
		c.nodesLock.Lock()
		c.nodes[info.NodeID] = info.Clone()
		c.nodesLock.Unlock()
	}
}

func (c *Commander) deleteNode(node model.NodeID) {
	c.nodesLock.Lock()
	delete(c.nodes, node)
	c.nodesLock.Unlock()
}
