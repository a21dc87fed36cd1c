package store

import (
	"context"

	"github.com/opusload/opus/internal/pkg/service/opus/model"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

type EventType int

const (
	EventAdded EventType = iota
	EventUpdated
	EventEvicted
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventUpdated:
		return "updated"
	case EventEvicted:
		return "evicted"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one notification, Entry is nil for EventRemoved.
type Event struct {
	Type  EventType
	Key   model.Key
	Entry model.Entry
}

// Batch is a group of notifications delivered together.
type Batch []Event

// Deliver calls the listener: PreBatch, one call per event in order, PostBatch.
func Deliver(ctx context.Context, l Listener, batch Batch) {
	l.PreBatch(ctx)
	for _, e := range batch {
		switch e.Type {
		case EventAdded:
			l.Added(ctx, e.Entry)
		case EventUpdated:
			l.Updated(ctx, e.Entry)
		case EventEvicted:
			l.Evicted(ctx, e.Entry)
		case EventRemoved:
			l.Removed(ctx, e.Key)
		default:
			panic(errors.Errorf(`unexpected event type "%d"`, e.Type))
		}
	}
	l.PostBatch(ctx)
}
