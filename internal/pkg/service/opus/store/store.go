// Package store defines the shared-store gateway used by the procedures,
// and the delivery of store notifications in batches.
package store

import (
	"context"
	"sync"

	"github.com/opusload/opus/internal/pkg/service/opus/model"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

var (
	ErrNotFound = errors.New("entry not found")
	ErrExists   = errors.New("entry already exists")
)

// Gateway writes entries to the shared store. It is safe for concurrent use.
type Gateway interface {
	// Put creates the entry. If the entry has no key, a new one is allocated and set to the entry.
	Put(ctx context.Context, entry model.Entry) (model.Key, error)
	// Update rewrites an existing entry, ErrNotFound is returned if the entry doesn't exist.
	Update(ctx context.Context, entry model.Entry) error
	// RemoveByKey removes the entry, false is returned if the entry doesn't exist.
	RemoveByKey(ctx context.Context, key model.Key) (bool, error)
}

// Listener receives notifications, one batch at a time, never concurrently.
type Listener interface {
	PreBatch(ctx context.Context)
	Added(ctx context.Context, entry model.Entry)
	Updated(ctx context.Context, entry model.Entry)
	// Evicted is called if the entry has been removed by the store itself, for example when its writer died.
	Evicted(ctx context.Context, entry model.Entry)
	// Removed is called if the entry has been removed by the RemoveByKey.
	Removed(ctx context.Context, key model.Key)
	PostBatch(ctx context.Context)
}

type Store interface {
	Gateway
	// AllocateID returns a new cluster-unique positive id.
	AllocateID(ctx context.Context) (int64, error)
	// Subscribe delivers all existing entries as one batch of added events, then all changes.
	// The returned channel reports the result of the first delivery.
	Subscribe(ctx context.Context, wg *sync.WaitGroup, listener Listener) <-chan error
	// Wake delivers an empty batch to each subscribed listener, on the goroutine that delivers the notifications.
	// Pending wakes of a listener are merged into one.
	Wake()
}
