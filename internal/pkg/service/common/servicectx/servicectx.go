// Package servicectx controls the lifetime of a service process.
//
// The process runs until [Process.Shutdown] is called or SIGINT/SIGTERM is received.
// Then the context is cancelled, the [Process.OnShutdown] callbacks are invoked and
// [Process.WaitForShutdown] returns when all operations registered by [Process.Add] have finished.
package servicectx

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"testing"

	"github.com/opusload/opus/internal/pkg/idgenerator"
	"github.com/opusload/opus/internal/pkg/log"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

type Process struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   log.Logger
	uniqueID string
	wg       *sync.WaitGroup
	// stopCh receives the reason of the shutdown
	stopCh chan error

	lock        *sync.Mutex
	terminating bool
	callbacks   []OnShutdownFn
}

// OnShutdownFn is invoked on shutdown, the ctx is not cancelled.
type OnShutdownFn func(ctx context.Context)

type Option func(p *Process)

// WithUniqueID sets unique ID of the process, by default it consists of the hostname and PID.
func WithUniqueID(v string) Option {
	return func(p *Process) {
		p.uniqueID = v
	}
}

func New(ctx context.Context, cancel context.CancelFunc, logger log.Logger, opts ...Option) (*Process, error) {
	proc := &Process{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		wg:     &sync.WaitGroup{},
		stopCh: make(chan error),
		lock:   &sync.Mutex{},
	}
	for _, o := range opts {
		o(proc)
	}

	if proc.uniqueID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, errors.PrefixError(err, "cannot get hostname")
		}
		proc.uniqueID = fmt.Sprintf(`%s-%05d`, hostname, os.Getpid())
	}

	go proc.handleSignals()
	proc.Add(proc.invokeCallbacks)

	logger.Infof(ctx, `process unique id "%s"`, proc.uniqueID)
	return proc, nil
}

func NewForTest(t *testing.T) *Process {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	proc, err := New(ctx, cancel, log.NewNopLogger(), WithUniqueID("test_"+t.Name()+"_"+idgenerator.ProcessSuffix()))
	if err != nil {
		t.Fatal(err)
		return nil
	}

	t.Cleanup(func() {
		proc.Shutdown(errors.New("test cleanup"))
		proc.WaitForShutdown()
	})

	return proc
}

func (v *Process) Ctx() context.Context {
	return v.ctx
}

func (v *Process) UniqueID() string {
	return v.uniqueID
}

// Shutdown triggers termination of the Process, the err is the reason.
func (v *Process) Shutdown(err error) {
	go func() {
		v.stopCh <- err
	}()
}

// WaitForShutdown blocks until the shutdown is triggered and all operations have finished.
func (v *Process) WaitForShutdown() {
	v.logger.Infof(v.ctx, "exiting (%v)", <-v.stopCh)
	v.cancel()
	v.wg.Wait()
	v.logger.Info(context.Background(), "exited")
}

// Add runs the operation in a goroutine, the shutdown waits for it.
// The ctx is cancelled on shutdown, an error sent to the errCh triggers the shutdown.
func (v *Process) Add(operation func(ctx context.Context, errCh chan<- error)) {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		operation(v.ctx, v.stopCh)
	}()
}

// OnShutdown registers a callback, callbacks are invoked sequentially in LIFO order after the ctx is cancelled.
func (v *Process) OnShutdown(fn OnShutdownFn) {
	v.lock.Lock()
	defer v.lock.Unlock()
	if v.terminating {
		v.logger.Error(v.ctx, `cannot register OnShutdown callback: the process is terminating`)
		return
	}
	v.callbacks = append(v.callbacks, fn)
}

func (v *Process) handleSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		v.stopCh <- errors.Errorf("%s", sig)
	case <-v.ctx.Done():
		signal.Stop(sigCh)
	}
}

func (v *Process) invokeCallbacks(ctx context.Context, _ chan<- error) {
	<-ctx.Done()

	v.lock.Lock()
	v.terminating = true
	callbacks := v.callbacks
	v.lock.Unlock()

	shutdownCtx := context.WithoutCancel(ctx)
	for i := len(callbacks) - 1; i >= 0; i-- {
		callbacks[i](shutdownCtx)
	}
}
