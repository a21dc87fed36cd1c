// Package memstore implements the shared store in memory, for one process and for tests.
//
// Each write produces one batch for each subscriber.
// In the manual mode, batches are queued until Dispatch is called, so tests control the interleaving.
package memstore

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/opusload/opus/internal/pkg/service/opus/model"
	"github.com/opusload/opus/internal/pkg/service/opus/store"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

// maxDispatchRounds limits DispatchAll, listeners writing on each notification would never stop.
const maxDispatchRounds = 10000

type Store struct {
	lock        sync.Mutex
	manual      bool
	entries     map[model.Key][]byte
	sequence    *atomic.Int64
	subscribers []*subscriber
}

type Option func(s *Store)

// WithManualDispatch queues batches until Dispatch or DispatchAll is called.
func WithManualDispatch() Option {
	return func(s *Store) {
		s.manual = true
	}
}

type subscriber struct {
	listener store.Listener
	queue    []queuedBatch
	signal   chan struct{}
}

// queuedBatch holds encoded entries, each delivery decodes new instances.
type queuedBatch []queuedEvent

type queuedEvent struct {
	Type  store.EventType
	Key   model.Key
	Value []byte
}

func New(opts ...Option) *Store {
	s := &Store{entries: make(map[model.Key][]byte), sequence: atomic.NewInt64(0)}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) AllocateID(_ context.Context) (int64, error) {
	return s.sequence.Inc(), nil
}

func (s *Store) Put(ctx context.Context, entry model.Entry) (model.Key, error) {
	if entry.EntryKey().IsZero() {
		id, _ := s.AllocateID(ctx)
		entry.SetEntryKey(model.Key{Kind: entry.EntryKind(), ID: id})
	}

	key := entry.EntryKey()
	value, err := store.Encode(entry)
	if err != nil {
		return model.Key{}, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if _, found := s.entries[key]; found {
		return model.Key{}, errors.PrefixErrorf(store.ErrExists, `cannot put entry "%s"`, key)
	}
	s.entries[key] = value
	s.publish(queuedBatch{{Type: store.EventAdded, Key: key, Value: value}})
	return key, nil
}

func (s *Store) Update(_ context.Context, entry model.Entry) error {
	key := entry.EntryKey()
	value, err := store.Encode(entry)
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if _, found := s.entries[key]; !found {
		return errors.PrefixErrorf(store.ErrNotFound, `cannot update entry "%s"`, key)
	}
	s.entries[key] = value
	s.publish(queuedBatch{{Type: store.EventUpdated, Key: key, Value: value}})
	return nil
}

func (s *Store) RemoveByKey(_ context.Context, key model.Key) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, found := s.entries[key]; !found {
		return false, nil
	}
	delete(s.entries, key)
	s.publish(queuedBatch{{Type: store.EventRemoved, Key: key}})
	return true, nil
}

// Wake queues an empty batch for each subscriber, unless the last queued batch is empty already.
func (s *Store) Wake() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, sub := range s.subscribers {
		if n := len(sub.queue); n > 0 && len(sub.queue[n-1]) == 0 {
			continue
		}
		sub.queue = append(sub.queue, queuedBatch{})
		if !s.manual {
			s.notify(sub)
		}
	}
}

// Evict removes the entry as if its writer died, subscribers are notified by the Evicted event.
func (s *Store) Evict(key model.Key) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	value, found := s.entries[key]
	if !found {
		return false
	}
	delete(s.entries, key)
	s.publish(queuedBatch{{Type: store.EventEvicted, Key: key, Value: value}})
	return true
}

// Get returns a copy of the entry.
func (s *Store) Get(key model.Key) (model.Entry, bool) {
	s.lock.Lock()
	value, found := s.entries[key]
	s.lock.Unlock()
	if !found {
		return nil, false
	}
	entry, err := store.Decode(value)
	if err != nil {
		panic(err)
	}
	return entry, true
}

// Keys returns sorted keys of all entries.
func (s *Store) Keys() []model.Key {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.sortedKeys()
}

// Subscribe queues all existing entries as one batch of added events.
// In the background mode the batches are delivered by a goroutine until the context is done.
func (s *Store) Subscribe(ctx context.Context, wg *sync.WaitGroup, listener store.Listener) <-chan error {
	sub := &subscriber{listener: listener, signal: make(chan struct{}, 1)}

	s.lock.Lock()
	snapshot := queuedBatch{}
	for _, key := range s.sortedKeys() {
		snapshot = append(snapshot, queuedEvent{Type: store.EventAdded, Key: key, Value: s.entries[key]})
	}
	sub.queue = append(sub.queue, snapshot)
	s.subscribers = append(s.subscribers, sub)
	s.lock.Unlock()

	initDone := make(chan error, 1)
	if s.manual {
		close(initDone)
		return initDone
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.notify(sub)
		for {
			select {
			case <-ctx.Done():
				if initDone != nil {
					initDone <- ctx.Err()
					close(initDone)
				}
				return
			case <-sub.signal:
				for s.deliverNext(ctx, sub) {
					if initDone != nil {
						close(initDone)
						initDone = nil
					}
				}
			}
		}
	}()

	return initDone
}

// Dispatch delivers one queued batch to each subscriber, it returns the number of delivered batches.
func (s *Store) Dispatch(ctx context.Context) int {
	s.lock.Lock()
	subscribers := append([]*subscriber(nil), s.subscribers...)
	s.lock.Unlock()

	delivered := 0
	for _, sub := range subscribers {
		if s.deliverNext(ctx, sub) {
			delivered++
		}
	}
	return delivered
}

// DispatchAll delivers batches until all queues are empty, including batches caused by the listeners.
func (s *Store) DispatchAll(ctx context.Context) int {
	total := 0
	for i := 0; i < maxDispatchRounds; i++ {
		n := s.Dispatch(ctx)
		if n == 0 {
			return total
		}
		total += n
	}
	panic(errors.Errorf(`dispatch has not finished after %d rounds`, maxDispatchRounds))
}

// Pending returns the number of queued batches of all subscribers.
func (s *Store) Pending() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := 0
	for _, sub := range s.subscribers {
		n += len(sub.queue)
	}
	return n
}

func (s *Store) deliverNext(ctx context.Context, sub *subscriber) bool {
	s.lock.Lock()
	if len(sub.queue) == 0 {
		s.lock.Unlock()
		return false
	}
	queued := sub.queue[0]
	sub.queue = sub.queue[1:]
	s.lock.Unlock()

	batch := make(store.Batch, 0, len(queued))
	for _, e := range queued {
		event := store.Event{Type: e.Type, Key: e.Key}
		if e.Value != nil {
			entry, err := store.Decode(e.Value)
			if err != nil {
				panic(err)
			}
			event.Entry = entry
		}
		batch = append(batch, event)
	}

	store.Deliver(ctx, sub.listener, batch)
	return true
}

// publish must be called under the lock.
func (s *Store) publish(batch queuedBatch) {
	for _, sub := range s.subscribers {
		sub.queue = append(sub.queue, batch)
		if !s.manual {
			s.notify(sub)
		}
	}
}

func (s *Store) notify(sub *subscriber) {
	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

// sortedKeys must be called under the lock.
func (s *Store) sortedKeys() []model.Key {
	keys := make([]model.Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}
