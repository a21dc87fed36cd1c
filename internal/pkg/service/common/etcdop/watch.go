package etcdop

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/opusload/opus/internal/pkg/log"
)

// WatchResponse is one group of changes, it is delivered as a whole.
type WatchResponse struct {
	// Snapshot contains all keys, it is set by the initial load and by a reload, Events are empty then.
	Snapshot []*mvccpb.KeyValue
	// Events of one etcd watch response, PrevKv is set.
	Events []*etcd.Event
	Header *Header
	// Restarted is true if the Snapshot is a reload after the revision has been compacted.
	Restarted bool
}

// IsSnapshot returns true if the response contains all keys, not changes.
func (r WatchResponse) IsSnapshot() bool {
	return r.Events == nil
}

// GetAllAndWatch loads all keys with the prefix and then watches for changes, each etcd watch response is one WatchResponse.
// An interrupted watch continues from the last received revision.
// If the revision has been compacted, all keys are loaded again and the stream continues with a Restarted snapshot.
// The channel is closed when the context is done.
func (v Prefix) GetAllAndWatch(ctx context.Context, client *etcd.Client, logger log.Logger, opts ...etcd.OpOption) <-chan WatchResponse {
	out := make(chan WatchResponse)
	logger = logger.WithComponent("watch")

	go func() {
		defer close(out)

		b := newWatchBackoff()
		restarted := false
		for {
			kvs, header, err := v.GetAll().Do(ctx, client)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				delay := b.NextBackOff()
				logger.Warnf(ctx, `cannot load prefix "%s": %s, retry in %s`, v.Prefix(), err, delay)
				if !wait(ctx, delay) {
					return
				}
				continue
			}

			if kvs == nil {
				kvs = []*mvccpb.KeyValue{}
			}
			if !send(ctx, out, WatchResponse{Snapshot: kvs, Header: header, Restarted: restarted}) {
				return
			}

			restarted = true
			if !v.watch(ctx, client, logger, header.Revision, b, out, opts) {
				return
			}
			logger.Infof(ctx, `watch of prefix "%s" restarted, the revision has been compacted`, v.Prefix())
		}
	}()

	return out
}

// watch returns true if a reload is needed, false if the context is done.
func (v Prefix) watch(ctx context.Context, client *etcd.Client, logger log.Logger, rev int64, b backoff.BackOff, out chan<- WatchResponse, opts []etcd.OpOption) bool {
	for {
		watchCtx, cancel := context.WithCancel(etcd.WithRequireLeader(ctx))
		watchOpts := append([]etcd.OpOption{etcd.WithPrefix(), etcd.WithRev(rev + 1), etcd.WithPrevKV()}, opts...)
		for resp := range client.Watch(watchCtx, v.Prefix(), watchOpts...) {
			if resp.CompactRevision != 0 {
				cancel()
				return true
			}
			if err := resp.Err(); err != nil {
				logger.Warnf(ctx, `watch error: %s`, err)
				break
			}
			if len(resp.Events) == 0 {
				continue
			}

			b.Reset()
			header := resp.Header
			rev = header.Revision
			if !send(ctx, out, WatchResponse{Events: resp.Events, Header: &Header{Revision: rev}}) {
				cancel()
				return false
			}
		}
		cancel()

		if ctx.Err() != nil {
			return false
		}

		delay := b.NextBackOff()
		logger.Infof(ctx, `re-creating watch from revision "%d", backoff delay %s`, rev+1, delay)
		if !wait(ctx, delay) {
			return false
		}
	}
}

func send(ctx context.Context, out chan<- WatchResponse, resp WatchResponse) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- resp:
		return true
	}
}

func wait(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func newWatchBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // never stop
	b.Reset()
	return b
}
