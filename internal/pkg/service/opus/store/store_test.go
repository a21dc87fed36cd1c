package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opusload/opus/internal/pkg/service/opus/model"
	"github.com/opusload/opus/internal/pkg/service/opus/store"
	"github.com/opusload/opus/internal/pkg/service/opus/store/storetest"
)

func TestDeliver(t *testing.T) {
	t.Parallel()

	cmd := model.NewNukeCommand(1, "ls")
	cmd.Key = model.CommandKey(10)
	info := model.NewNukeInfo(2)

	r := storetest.NewRecorder()
	store.Deliver(context.Background(), r, store.Batch{
		{Type: store.EventAdded, Key: cmd.Key, Entry: cmd},
		{Type: store.EventUpdated, Key: info.Key, Entry: info},
		{Type: store.EventEvicted, Key: info.Key, Entry: info},
		{Type: store.EventRemoved, Key: cmd.Key},
	})

	assert.Equal(t, []string{
		"pre-batch",
		"added commands/10 command tx=1 state=UNDEFINED",
		"updated nodes/2 info node=2 state=STARTING",
		"evicted nodes/2 info node=2 state=STARTING",
		"removed commands/10",
		"post-batch",
	}, r.Lines())
}

func TestDeliver_Empty(t *testing.T) {
	t.Parallel()

	r := storetest.NewRecorder()
	store.Deliver(context.Background(), r, nil)
	assert.Equal(t, []string{"pre-batch", "post-batch"}, r.Lines())
}
