// Package etcdstore implements the shared store on top of etcd.
//
// Entries are stored under the "entries/<kind>/<id>" keys, each with the lease of the writer session.
// When the session expires, the entries are deleted by etcd and reported as evicted.
// RemoveByKey deletes the entry and writes a short-lived marker under the "removed/" prefix in one transaction,
// so the watchers can distinguish a removal from an eviction.
package etcdstore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"

	"github.com/opusload/opus/internal/pkg/log"
	"github.com/opusload/opus/internal/pkg/service/common/etcdop"
	"github.com/opusload/opus/internal/pkg/service/opus/model"
	"github.com/opusload/opus/internal/pkg/service/opus/store"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

const (
	// IDBlockSize is the number of ids allocated by one etcd transaction.
	IDBlockSize = 100
	// RemovedMarkerTTL is the lifetime of a removal marker, in seconds.
	RemovedMarkerTTL = 10
)

var errSequenceConflict = errors.New("sequence has been modified concurrently")

type Store struct {
	client   *etcd.Client
	logger   log.Logger
	root     etcdop.Prefix
	entries  etcdop.Prefix
	removed  etcdop.Prefix
	sequence etcdop.Key
	lease    *atomic.Int64

	idLock sync.Mutex
	idNext int64
	idEnd  int64

	wakeLock sync.Mutex
	wakes    []chan struct{}
}

func New(client *etcd.Client, logger log.Logger) *Store {
	root := etcdop.NewPrefix("store")
	return &Store{
		client:   client,
		logger:   logger.WithComponent("store"),
		root:     root,
		entries:  root.Add("entries"),
		removed:  root.Add("removed"),
		sequence: etcdop.Key("runtime/sequence"),
		lease:    atomic.NewInt64(0),
	}
}

func (s *Store) Client() *etcd.Client {
	return s.client
}

// UseSession sets the session, new entries are bound to its lease.
func (s *Store) UseSession(session *concurrency.Session) {
	s.lease.Store(int64(session.Lease()))
}

func (s *Store) Put(ctx context.Context, entry model.Entry) (model.Key, error) {
	if entry.EntryKey().IsZero() {
		id, err := s.AllocateID(ctx)
		if err != nil {
			return model.Key{}, err
		}
		entry.SetEntryKey(model.Key{Kind: entry.EntryKind(), ID: id})
	}

	key := entry.EntryKey()
	value, err := store.Encode(entry)
	if err != nil {
		return model.Key{}, err
	}

	var opts []etcd.OpOption
	if lease := s.lease.Load(); lease != 0 {
		opts = append(opts, etcd.WithLease(etcd.LeaseID(lease)))
	}

	ok, err := s.entryKey(key).PutIfNotExists(string(value), opts...).Do(ctx, s.client)
	if err != nil {
		return model.Key{}, errors.PrefixErrorf(err, `cannot put entry "%s"`, key)
	}
	if !ok {
		return model.Key{}, errors.PrefixErrorf(store.ErrExists, `cannot put entry "%s"`, key)
	}
	return key, nil
}

func (s *Store) Update(ctx context.Context, entry model.Entry) error {
	key := entry.EntryKey()
	value, err := store.Encode(entry)
	if err != nil {
		return err
	}

	ok, err := s.entryKey(key).UpdateIfExists(string(value)).Do(ctx, s.client)
	if err != nil {
		return errors.PrefixErrorf(err, `cannot update entry "%s"`, key)
	}
	if !ok {
		return errors.PrefixErrorf(store.ErrNotFound, `cannot update entry "%s"`, key)
	}
	return nil
}

func (s *Store) RemoveByKey(ctx context.Context, key model.Key) (bool, error) {
	lease, err := s.client.Grant(ctx, RemovedMarkerTTL)
	if err != nil {
		return false, errors.PrefixErrorf(err, `cannot remove entry "%s"`, key)
	}

	marker := s.removed.Key(key.String()).Put("", etcd.WithLease(lease.ID))
	ok, err := s.entryKey(key).DeleteIfExists(marker.Op()).Do(ctx, s.client)
	if err != nil || !ok {
		// The marker has not been written
		if _, revokeErr := s.client.Revoke(ctx, lease.ID); revokeErr != nil {
			s.logger.Warnf(ctx, `cannot revoke lease of removal marker "%s": %s`, key, revokeErr)
		}
	}
	if err != nil {
		return false, errors.PrefixErrorf(err, `cannot remove entry "%s"`, key)
	}
	return ok, nil
}

// AllocateID returns a cluster-unique id, ids are reserved from the sequence key in blocks.
func (s *Store) AllocateID(ctx context.Context) (int64, error) {
	s.idLock.Lock()
	defer s.idLock.Unlock()

	if s.idNext >= s.idEnd {
		b := backoff.WithContext(newAllocationBackoff(), ctx)
		err := backoff.Retry(func() error {
			from, err := s.reserveBlock(ctx)
			if err != nil {
				return err
			}
			s.idNext, s.idEnd = from, from+IDBlockSize
			return nil
		}, b)
		if err != nil {
			return 0, errors.PrefixError(err, "cannot allocate id")
		}
	}

	id := s.idNext
	s.idNext++
	return id, nil
}

// reserveBlock moves the sequence by IDBlockSize and returns the first reserved id.
func (s *Store) reserveBlock(ctx context.Context) (int64, error) {
	resp, err := s.client.Get(ctx, s.sequence.Key())
	if err != nil {
		return 0, err
	}

	var last int64
	var cmp etcd.Cmp
	if len(resp.Kvs) == 0 {
		cmp = etcd.Compare(etcd.Version(s.sequence.Key()), "=", 0)
	} else {
		kv := resp.Kvs[0]
		last, err = strconv.ParseInt(string(kv.Value), 10, 64)
		if err != nil {
			return 0, backoff.Permanent(errors.PrefixErrorf(err, `invalid sequence value "%s"`, string(kv.Value)))
		}
		cmp = etcd.Compare(etcd.ModRevision(s.sequence.Key()), "=", kv.ModRevision)
	}

	next := last + IDBlockSize
	txn, err := s.client.Txn(ctx).If(cmp).Then(etcd.OpPut(s.sequence.Key(), strconv.FormatInt(next, 10))).Commit()
	if err != nil {
		return 0, err
	}
	if !txn.Succeeded {
		return 0, errSequenceConflict
	}
	return last + 1, nil
}

// Wake delivers an empty batch to each subscriber, see store.Store.
func (s *Store) Wake() {
	s.wakeLock.Lock()
	defer s.wakeLock.Unlock()
	for _, ch := range s.wakes {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe starts the watch, see store.Store.
func (s *Store) Subscribe(ctx context.Context, wg *sync.WaitGroup, listener store.Listener) <-chan error {
	initDone := make(chan error, 1)
	stream := s.root.GetAllAndWatch(ctx, s.client, s.logger)
	wakeCh := s.addWake()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer s.removeWake(wakeCh)

		w := &watcher{store: s, known: make(map[model.Key]model.Entry)}

		// Wakes are received after the initial load, a wake sent sooner stays buffered
		var wakes <-chan struct{}
		for {
			select {
			case resp, ok := <-stream:
				if !ok {
					if initDone != nil {
						initDone <- errors.PrefixError(ctx.Err(), "watch stopped before the initial load")
						close(initDone)
					}
					return
				}

				startTime := time.Now()
				batch := w.batch(ctx, resp)
				store.Deliver(ctx, listener, batch)
				s.logger.With(attribute.Int("events", len(batch))).WithDuration(time.Since(startTime)).Debugf(ctx, `delivered batch of revision "%d"`, resp.Header.Revision)

				if initDone != nil {
					close(initDone)
					initDone = nil
					wakes = wakeCh
				}
			case <-wakes:
				store.Deliver(ctx, listener, nil)
			}
		}
	}()

	return initDone
}

func (s *Store) addWake() chan struct{} {
	ch := make(chan struct{}, 1)
	s.wakeLock.Lock()
	s.wakes = append(s.wakes, ch)
	s.wakeLock.Unlock()
	return ch
}

func (s *Store) removeWake(ch chan struct{}) {
	s.wakeLock.Lock()
	defer s.wakeLock.Unlock()
	for i, item := range s.wakes {
		if item == ch {
			s.wakes = append(s.wakes[:i], s.wakes[i+1:]...)
			return
		}
	}
}

func (s *Store) entryKey(key model.Key) etcdop.Key {
	return s.entries.Key(key.String())
}

// watcher converts watch responses to batches, it is used by one goroutine.
type watcher struct {
	store *Store
	// known entries, they are compared with the snapshot after a restart
	known map[model.Key]model.Entry
}

func (w *watcher) batch(ctx context.Context, resp etcdop.WatchResponse) store.Batch {
	if resp.IsSnapshot() {
		return w.snapshot(ctx, resp)
	}

	// Removal markers of the response
	removed := make(map[model.Key]bool)
	for _, ev := range resp.Events {
		if ev.Type != mvccpb.PUT {
			continue
		}
		if key, ok := w.parseKey(ctx, w.store.removed, ev.Kv); ok {
			removed[key] = true
		}
	}

	var batch store.Batch
	for _, ev := range resp.Events {
		key, ok := w.parseKey(ctx, w.store.entries, ev.Kv)
		if !ok {
			continue
		}

		switch ev.Type {
		case mvccpb.PUT:
			entry, ok := w.decode(ctx, ev.Kv)
			if !ok {
				continue
			}
			_, wasKnown := w.known[key]
			w.known[key] = entry
			if ev.Kv.CreateRevision == ev.Kv.ModRevision || !wasKnown {
				batch = append(batch, store.Event{Type: store.EventAdded, Key: key, Entry: entry})
			} else {
				batch = append(batch, store.Event{Type: store.EventUpdated, Key: key, Entry: entry})
			}
		case mvccpb.DELETE:
			prev := w.known[key]
			delete(w.known, key)
			if removed[key] {
				batch = append(batch, store.Event{Type: store.EventRemoved, Key: key})
				continue
			}
			if ev.PrevKv != nil {
				if entry, ok := w.decode(ctx, ev.PrevKv); ok {
					prev = entry
				}
			}
			if prev == nil {
				w.store.logger.Warnf(ctx, `deleted entry "%s" is unknown, reported as removed`, key)
				batch = append(batch, store.Event{Type: store.EventRemoved, Key: key})
				continue
			}
			batch = append(batch, store.Event{Type: store.EventEvicted, Key: key, Entry: prev})
		}
	}
	return batch
}

// snapshot converts the full load, after a restart only differences to the known entries are reported.
func (w *watcher) snapshot(ctx context.Context, resp etcdop.WatchResponse) store.Batch {
	var batch store.Batch
	present := make(map[model.Key]bool)
	for _, kv := range resp.Snapshot {
		key, ok := w.parseKey(ctx, w.store.entries, kv)
		if !ok {
			continue
		}
		entry, ok := w.decode(ctx, kv)
		if !ok {
			continue
		}
		present[key] = true
		if _, wasKnown := w.known[key]; wasKnown {
			batch = append(batch, store.Event{Type: store.EventUpdated, Key: key, Entry: entry})
		} else {
			batch = append(batch, store.Event{Type: store.EventAdded, Key: key, Entry: entry})
		}
		w.known[key] = entry
	}

	if resp.Restarted {
		for key := range w.known {
			if !present[key] {
				delete(w.known, key)
				batch = append(batch, store.Event{Type: store.EventRemoved, Key: key})
			}
		}
	}
	return batch
}

func (w *watcher) parseKey(ctx context.Context, prefix etcdop.Prefix, kv *mvccpb.KeyValue) (model.Key, bool) {
	relative, ok := prefix.Relative(string(kv.Key))
	if !ok {
		return model.Key{}, false
	}
	key, err := model.ParseKey(relative)
	if err != nil {
		w.store.logger.Warnf(ctx, `unexpected key "%s": %s`, string(kv.Key), err)
		return model.Key{}, false
	}
	return key, true
}

func (w *watcher) decode(ctx context.Context, kv *mvccpb.KeyValue) (model.Entry, bool) {
	entry, err := store.Decode(kv.Value)
	if err != nil {
		w.store.logger.Errorf(ctx, `cannot decode entry "%s": %s`, string(kv.Key), err)
		return nil, false
	}
	return entry, true
}

func newAllocationBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.5
	b.InitialInterval = 5 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	b.Reset()
	return b
}
