// Package dependencies provides the explicit dependency container of the commander and the node.
//
// The container is created once at startup and passed to all components, there is no global state.
// [Mocked] provides dependencies for tests, see [NewMocked].
package dependencies

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/opusload/opus/internal/pkg/log"
	"github.com/opusload/opus/internal/pkg/service/common/etcdclient"
	"github.com/opusload/opus/internal/pkg/service/common/etcdop"
	"github.com/opusload/opus/internal/pkg/service/common/servicectx"
	"github.com/opusload/opus/internal/pkg/service/common/timeout"
	"github.com/opusload/opus/internal/pkg/service/common/workerpool"
	"github.com/opusload/opus/internal/pkg/service/opus/config"
	"github.com/opusload/opus/internal/pkg/service/opus/metrics"
	"github.com/opusload/opus/internal/pkg/service/opus/procedure"
	"github.com/opusload/opus/internal/pkg/service/opus/store"
	"github.com/opusload/opus/internal/pkg/service/opus/store/etcdstore"
	"github.com/opusload/opus/internal/pkg/service/opus/store/memstore"
)

type ServiceScope interface {
	Logger() log.Logger
	Clock() clockwork.Clock
	Process() *servicectx.Process
	Config() config.Config
	Store() store.Store
	TxIDs() *procedure.TxIDSequence
	Scheduler() *timeout.Scheduler
	WorkerPool() *workerpool.Pool
	Metrics() *metrics.Metrics
	// WaitGroup tracks background goroutines, the shutdown waits for them.
	WaitGroup() *sync.WaitGroup
}

type serviceScope struct {
	logger    log.Logger
	clock     clockwork.Clock
	proc      *servicectx.Process
	config    config.Config
	store     store.Store
	txIDs     *procedure.TxIDSequence
	scheduler *timeout.Scheduler
	pool      *workerpool.Pool
	metrics   *metrics.Metrics
	wg        *sync.WaitGroup
}

// NewServiceScope connects to the shared store and starts the background services.
// Everything is stopped on the process shutdown.
func NewServiceScope(ctx context.Context, cfg config.Config, proc *servicectx.Process, logger log.Logger) (ServiceScope, error) {
	var s store.Store
	switch cfg.Store {
	case config.StoreMemory:
		s = memstore.New()
	default:
		client, err := etcdclient.New(ctx, proc, cfg.Etcd, etcdclient.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		s = etcdstore.New(client, logger)
	}

	d := newServiceScope(ctx, cfg, proc, logger, clockwork.NewRealClock(), s)

	// Entries written by this process are bound to the session lease
	if es, ok := s.(*etcdstore.Store); ok {
		client := es.Client()
		errCh := etcdop.ResistantSession(ctx, d.wg, logger, client, cfg.Etcd.SessionTTL, func(session *concurrency.Session) error {
			es.UseSession(session)
			return nil
		})
		if err := <-errCh; err != nil {
			return nil, err
		}
	}

	if err := metrics.ServeMetrics(ctx, d.metrics, cfg.Metrics, logger, proc); err != nil {
		return nil, err
	}

	return d, nil
}

func newServiceScope(ctx context.Context, cfg config.Config, proc *servicectx.Process, logger log.Logger, clock clockwork.Clock, s store.Store) *serviceScope {
	d := &serviceScope{
		logger:  logger,
		clock:   clock,
		proc:    proc,
		config:  cfg,
		store:   s,
		txIDs:   procedure.NewTxIDSequence(),
		metrics: metrics.New(),
		wg:      &sync.WaitGroup{},
	}

	d.scheduler = timeout.NewScheduler(ctx, d.wg, clock, logger)
	d.pool = workerpool.New(ctx, logger, cfg.Worker.MaxTasks)

	// Callbacks are invoked in LIFO order, so the background goroutines are stopped before the etcd client is closed
	proc.OnShutdown(func(ctx context.Context) {
		logger.Info(ctx, "waiting for background operations")
		d.pool.Wait()
		d.wg.Wait()
		logger.Info(ctx, "background operations finished")
	})

	return d
}

func (v *serviceScope) Logger() log.Logger {
	return v.logger
}

func (v *serviceScope) Clock() clockwork.Clock {
	return v.clock
}

func (v *serviceScope) Process() *servicectx.Process {
	return v.proc
}

func (v *serviceScope) Config() config.Config {
	return v.config
}

func (v *serviceScope) Store() store.Store {
	return v.store
}

func (v *serviceScope) TxIDs() *procedure.TxIDSequence {
	return v.txIDs
}

func (v *serviceScope) Scheduler() *timeout.Scheduler {
	return v.scheduler
}

func (v *serviceScope) WorkerPool() *workerpool.Pool {
	return v.pool
}

func (v *serviceScope) Metrics() *metrics.Metrics {
	return v.metrics
}

func (v *serviceScope) WaitGroup() *sync.WaitGroup {
	return v.wg
}
