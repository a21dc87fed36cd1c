package dependencies

import (
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/opusload/opus/internal/pkg/log"
	"github.com/opusload/opus/internal/pkg/service/common/servicectx"
	"github.com/opusload/opus/internal/pkg/service/opus/config"
	"github.com/opusload/opus/internal/pkg/service/opus/store/memstore"
)

// Mocked dependencies use the in-memory store with the manual dispatch and the fake clock.
type Mocked interface {
	ServiceScope
	DebugLogger() log.DebugLogger
	MemStore() *memstore.Store
	FakeClock() *clockwork.FakeClock
}

type mocked struct {
	*serviceScope
	debugLogger log.DebugLogger
	memStore    *memstore.Store
	fakeClock   *clockwork.FakeClock
}

type mockedConfig struct {
	store     *memstore.Store
	clock     *clockwork.FakeClock
	modifyCfg []func(cfg *config.Config)
}

type MockedOption func(c *mockedConfig)

// WithStore shares one store between multiple mocked scopes, for example a commander and nodes.
func WithStore(v *memstore.Store) MockedOption {
	return func(c *mockedConfig) {
		c.store = v
	}
}

// WithClock shares one clock between multiple mocked scopes.
func WithClock(v *clockwork.FakeClock) MockedOption {
	return func(c *mockedConfig) {
		c.clock = v
	}
}

func WithConfig(fn func(cfg *config.Config)) MockedOption {
	return func(c *mockedConfig) {
		c.modifyCfg = append(c.modifyCfg, fn)
	}
}

func NewMocked(t *testing.T, opts ...MockedOption) Mocked {
	t.Helper()

	c := mockedConfig{}
	for _, o := range opts {
		o(&c)
	}
	if c.store == nil {
		c.store = memstore.New(memstore.WithManualDispatch())
	}
	if c.clock == nil {
		c.clock = clockwork.NewFakeClock()
	}

	cfg := config.New()
	cfg.Store = config.StoreMemory
	for _, fn := range c.modifyCfg {
		fn(&cfg)
	}

	logger := log.NewDebugLogger()
	proc := servicectx.NewForTest(t)
	return &mocked{
		serviceScope: newServiceScope(proc.Ctx(), cfg, proc, logger, c.clock, c.store),
		debugLogger:  logger,
		memStore:     c.store,
		fakeClock:    c.clock,
	}
}

func (v *mocked) DebugLogger() log.DebugLogger {
	return v.debugLogger
}

func (v *mocked) MemStore() *memstore.Store {
	return v.memStore
}

func (v *mocked) FakeClock() *clockwork.FakeClock {
	return v.fakeClock
}
