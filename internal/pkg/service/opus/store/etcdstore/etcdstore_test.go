package etcdstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/opusload/opus/internal/pkg/log"
	"github.com/opusload/opus/internal/pkg/service/opus/model"
	"github.com/opusload/opus/internal/pkg/service/opus/store"
	"github.com/opusload/opus/internal/pkg/service/opus/store/storetest"
	"github.com/opusload/opus/internal/pkg/utils/etcdhelper"
)

func TestStore_AllocateID(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := etcdhelper.ClientForTest(t)

	s1 := New(client, log.NewNopLogger())
	s2 := New(client, log.NewNopLogger())

	id, err := s1.AllocateID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	id, err = s1.AllocateID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)

	// The second instance reserves the next block
	id, err = s2.AllocateID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(IDBlockSize+1), id)

	// Concurrent allocations are unique
	var wg sync.WaitGroup
	var lock sync.Mutex
	ids := make(map[int64]bool)
	for i := 0; i < 4; i++ {
		s := New(client, log.NewNopLogger())
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				id, err := s.AllocateID(ctx)
				assert.NoError(t, err)
				lock.Lock()
				assert.False(t, ids[id])
				ids[id] = true
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 40)
}

func TestStore_Subscribe(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := etcdhelper.ClientForTest(t)
	s := New(client, log.NewNopLogger())

	// Entry before the subscription
	info := model.NewNukeInfo(5)
	key, err := s.Put(ctx, info)
	require.NoError(t, err)
	assert.Equal(t, model.NodeID(5).Key(), key)

	// The key already exists
	_, err = s.Put(ctx, model.NewNukeInfo(5))
	assert.ErrorIs(t, err, store.ErrExists)

	wg := &sync.WaitGroup{}
	r := storetest.NewRecorder()
	subCtx, subCancel := context.WithCancel(ctx)
	require.NoError(t, <-s.Subscribe(subCtx, wg, r))
	assert.Equal(t, []string{
		"pre-batch",
		"added nodes/5 info node=5 state=STARTING",
		"post-batch",
	}, r.Lines())
	r.Truncate()

	// Add command, the key is allocated
	cmd := model.NewNukeCommand(7, "sleep 1")
	cmd.State = model.CommandExecute
	cmd.Component = 5
	key, err = s.Put(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, key, cmd.Key)
	assert.Equal(t, model.KindCommand, key.Kind)
	waitForLines(t, r, 3)

	// Update command
	cmd.State = model.CommandWorking
	require.NoError(t, s.Update(ctx, cmd))
	waitForLines(t, r, 6)

	// Remove command
	ok, err := s.RemoveByKey(ctx, cmd.Key)
	require.NoError(t, err)
	assert.True(t, ok)
	waitForLines(t, r, 9)

	// Operations on the missing entry
	ok, err = s.RemoveByKey(ctx, cmd.Key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, s.Update(ctx, cmd), store.ErrNotFound)

	assert.Equal(t, []string{
		"pre-batch",
		"added " + cmd.Key.String() + " command tx=7 state=EXECUTE",
		"post-batch",
		"pre-batch",
		"updated " + cmd.Key.String() + " command tx=7 state=WORKING",
		"post-batch",
		"pre-batch",
		"removed " + cmd.Key.String(),
		"post-batch",
	}, r.Lines())

	subCancel()
	wg.Wait()
}

func TestStore_Evicted(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := etcdhelper.ClientForTest(t)

	// Writer with a session
	session, err := concurrency.NewSession(client, concurrency.WithTTL(5))
	require.NoError(t, err)
	writer := New(client, log.NewNopLogger())
	writer.UseSession(session)

	observer := New(client, log.NewNopLogger())
	wg := &sync.WaitGroup{}
	r := storetest.NewRecorder()
	subCtx, subCancel := context.WithCancel(ctx)
	require.NoError(t, <-observer.Subscribe(subCtx, wg, r))
	r.Truncate()

	info := model.NewNukeInfo(3)
	info.State = model.NukeRunning
	_, err = writer.Put(ctx, info)
	require.NoError(t, err)
	waitForLines(t, r, 3)

	// Lease revoke deletes the entry
	require.NoError(t, session.Close())
	waitForLines(t, r, 6)

	assert.Equal(t, []string{
		"pre-batch",
		"added nodes/3 info node=3 state=RUNNING",
		"post-batch",
		"pre-batch",
		"evicted nodes/3 info node=3 state=RUNNING",
		"post-batch",
	}, r.Lines())

	subCancel()
	wg.Wait()
}

func TestStore_NodeAndCommandKeySpaces(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := etcdhelper.ClientForTest(t)
	s := New(client, log.NewNopLogger())

	// Explicit node id equal to the first allocated command id
	_, err := s.Put(ctx, model.NewNukeInfo(1))
	require.NoError(t, err)
	key, err := s.Put(ctx, model.NewNukeCommand(1, "ls"))
	require.NoError(t, err)
	assert.Equal(t, model.CommandKey(1), key)

	resp, err := client.Get(ctx, "store/entries/", etcd.WithPrefix(), etcd.WithKeysOnly())
	require.NoError(t, err)
	var keys []string
	for _, kv := range resp.Kvs {
		keys = append(keys, string(kv.Key))
	}
	assert.Equal(t, []string{"store/entries/commands/1", "store/entries/nodes/1"}, keys)
}

func TestStore_Wake(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := etcdhelper.ClientForTest(t)
	s := New(client, log.NewNopLogger())

	wg := &sync.WaitGroup{}
	r := storetest.NewRecorder()
	subCtx, subCancel := context.WithCancel(ctx)
	require.NoError(t, <-s.Subscribe(subCtx, wg, r))
	r.Truncate()

	s.Wake()
	waitForLines(t, r, 2)
	assert.Equal(t, []string{"pre-batch", "post-batch"}, r.Lines())

	subCancel()
	wg.Wait()
}

func waitForLines(t *testing.T, r *storetest.Recorder, n int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return len(r.Lines()) >= n
	}, 10*time.Second, 10*time.Millisecond, r.String())
}
