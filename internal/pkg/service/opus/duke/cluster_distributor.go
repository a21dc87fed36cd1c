package duke

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opusload/opus/internal/pkg/service/common/timeout"
	"github.com/opusload/opus/internal/pkg/service/opus/config"
	"github.com/opusload/opus/internal/pkg/service/opus/distribution"
	"github.com/opusload/opus/internal/pkg/service/opus/model"
	"github.com/opusload/opus/internal/pkg/service/opus/procedure"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

const (
	StateRampingUp   procedure.State = "RampingUp"
	StatePeakDelay   procedure.State = "PeakDelay"
	StateRampingDown procedure.State = "RampingDown"
)

const rampDownStartDelay = time.Second

// ClusterDistributor drives the load test: users are ramped up to the maximum on interval ticks,
// the peak load is held for the peak delay, then all nodes are asked to stop
// and the procedure is completed when no command is active.
//
// The procedure is driven by timers, store events are ignored.
// Timer callbacks and the dispatcher are synchronized by the lock.
type ClusterDistributor struct {
	*procedure.Base
	commander *Commander
	config    config.Load

	lock            *sync.Mutex
	timerID         timeout.ID
	terminateID     timeout.ID
	rampedUp        int
	oldUsers        int
	rampDownStarted bool
	awaitingStop    map[model.NodeID]bool
}

func newClusterDistributor(c *Commander) *ClusterDistributor {
	return &ClusterDistributor{
		Base:         procedure.NewBase("ClusterDistributor", c.txIDs.Next(), c.logger, c.observer),
		commander:    c,
		config:       c.config.Load,
		lock:         &sync.Mutex{},
		awaitingStop: make(map[model.NodeID]bool),
	}
}

// RampedUp returns the number of users distributed to the nodes.
func (p *ClusterDistributor) RampedUp() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.rampedUp
}

// AwaitingStop returns sorted ids of the nodes which have not confirmed the stop command yet.
func (p *ClusterDistributor) AwaitingStop() []model.NodeID {
	p.lock.Lock()
	defer p.lock.Unlock()
	out := make([]model.NodeID, 0, len(p.awaitingStop))
	for node := range p.awaitingStop {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *ClusterDistributor) Init(ctx context.Context) error {
	if err := p.commander.claimDistributor(p); err != nil {
		return err
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	scheduler := p.commander.scheduler
	p.timerID = scheduler.NewID()
	p.terminateID = scheduler.NewID()
	p.oldUsers = p.config.MaxUsers
	scheduler.Schedule(p.config.Terminate, p.terminateID, p)
	scheduler.Schedule(p.config.Interval, p.timerID, p)

	p.Logger().Infof(
		ctx,
		`load test started: max users "%d", user increase "%d", interval "%s", terminate "%s"`,
		p.config.MaxUsers, p.config.UserIncrease, p.config.Interval, p.config.Terminate,
	)
	p.SetState(ctx, StateRampingUp)
	return nil
}

func (p *ClusterDistributor) OnTimeout(ctx context.Context, id timeout.ID) {
	p.onTimeout(ctx, id)

	// Registered commands are initialized by the dispatcher, a terminal distributor is shut down there too
	p.commander.wake()
}

func (p *ClusterDistributor) onTimeout(ctx context.Context, id timeout.ID) {
	p.lock.Lock()
	defer p.lock.Unlock()

	state := p.State()
	if state.IsTerminal() {
		p.Logger().Debugf(ctx, `ignored timer "%d": procedure is %s`, id, state)
		return
	}

	if id == p.terminateID {
		p.terminate(ctx)
		return
	}

	if id != p.timerID {
		p.Abort(ctx, `unexpected timer "%d" in state "%s"`, id, state)
		p.cancelTimers()
		return
	}

	switch state {
	case StateRampingUp:
		p.rampUp(ctx)
	case StatePeakDelay:
		p.SetState(ctx, StateRampingDown)
		p.commander.scheduler.Schedule(rampDownStartDelay, p.timerID, p)
	case StateRampingDown:
		p.rampDown(ctx)
	default:
		p.Abort(ctx, `unexpected timer in state "%s"`, state)
		p.cancelTimers()
	}
}

// rampUp distributes next users to the running nodes.
func (p *ClusterDistributor) rampUp(ctx context.Context) {
	usersToAdd := min(p.config.UserIncrease, p.config.MaxUsers-p.rampedUp)

	nodes := p.commander.RunningNodes()
	candidates := make([]distribution.Candidate, 0, len(nodes))
	for _, info := range nodes {
		candidates = append(candidates, distribution.Candidate{NodeID: info.NodeID, Load: info.RequestedCommands})
	}

	assignments, err := distribution.Distribute(usersToAdd, candidates)
	if errors.Is(err, distribution.ErrNoCandidates) {
		p.Logger().Warnf(ctx, `no running node, ramp up postponed by "%s"`, p.config.Interval)
		p.commander.scheduler.Schedule(p.config.Interval, p.timerID, p)
		return
	} else if err != nil {
		p.Abort(ctx, `cannot distribute users: %s`, err)
		p.cancelTimers()
		return
	}

	for _, info := range nodes {
		for range assignments[info.NodeID] {
			p.commander.Register(p.commander.NewCommand(
				info.NodeID,
				p.config.Command,
				WithFolder(p.config.Folder),
				WithRepeated(p.config.Repeated),
				WithTimeout(p.commander.config.CommandTimeout),
			))
		}
	}
	p.rampedUp += assignments.Sum()
	p.Logger().Infof(ctx, `ramped up to "%d" of "%d" users`, p.rampedUp, p.config.MaxUsers)

	if p.rampedUp < p.config.MaxUsers {
		p.commander.scheduler.Schedule(p.config.Interval, p.timerID, p)
		return
	}

	p.Logger().Infof(ctx, `peak load reached, ramp down in "%s"`, p.config.PeakDelay)
	p.commander.scheduler.Schedule(p.config.PeakDelay, p.timerID, p)
	p.SetState(ctx, StatePeakDelay)
}

// rampDown sends the stop command to all nodes on the first tick, next ticks check the number of active commands.
func (p *ClusterDistributor) rampDown(ctx context.Context) {
	if !p.rampDownStarted {
		p.rampDownStarted = true
		for _, info := range p.commander.Nodes() {
			p.commander.Register(p.commander.NewCommand(info.NodeID, model.StopExecution, WithFinished(p.stopFinished)))
			p.awaitingStop[info.NodeID] = true
		}
		p.Logger().Infof(ctx, `ramping down, stop sent to "%d" nodes`, len(p.awaitingStop))
		p.commander.scheduler.Schedule(p.config.RampDownUpdate, p.timerID, p)
		return
	}

	activeUsers := 0
	for _, info := range p.commander.Nodes() {
		activeUsers += info.ActiveCommands
	}

	if activeUsers != p.oldUsers {
		p.Logger().Infof(ctx, `ramping down from "%d" to "%d" users`, p.oldUsers, activeUsers)
		p.oldUsers = activeUsers
	} else {
		p.Logger().Infof(ctx, `ramping down unchanged at "%d" users`, p.oldUsers)
	}

	if activeUsers == 0 {
		p.Logger().Info(ctx, "all users ramped down")
		p.cancelTimers()
		p.SetState(ctx, procedure.StateCompleted)
		return
	}

	p.commander.scheduler.Schedule(p.config.RampDownUpdate, p.timerID, p)
}

// stopFinished is invoked from the dispatcher, when the stop command of a node is finished.
func (p *ClusterDistributor) stopFinished(ctx context.Context, node model.NodeID, state model.CommandState, _, _ string) {
	p.lock.Lock()
	defer p.lock.Unlock()

	delete(p.awaitingStop, node)
	if state != model.CommandDone {
		p.Logger().Warnf(ctx, `stop command of node "%s" finished in state "%s"`, node, state)
	}

	if p.State() == StateRampingDown && !p.commander.scheduler.IsActive(p.timerID) {
		p.commander.scheduler.Schedule(p.config.RampDownUpdate, p.timerID, p)
	}
}

// terminate is invoked when the hard deadline is reached, all nodes are asked to terminate their commands.
func (p *ClusterDistributor) terminate(ctx context.Context) {
	for _, info := range p.commander.Nodes() {
		p.commander.Register(p.commander.NewCommand(info.NodeID, model.TerminateExecution))
	}
	p.Abort(ctx, `load test has not been finished within "%s"`, p.config.Terminate)
	p.cancelTimers()
}

func (p *ClusterDistributor) cancelTimers() {
	p.commander.scheduler.Cancel(p.timerID)
	p.commander.scheduler.Cancel(p.terminateID)
}

func (p *ClusterDistributor) Shutdown(context.Context) {
	p.lock.Lock()
	p.cancelTimers()
	p.lock.Unlock()
	p.commander.distributorFinished(p)
}
