// Package etcdhelper provides an etcd client for tests.
package etcdhelper

import (
	"runtime"
	"testing"

	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/tests/v3/integration"

	"github.com/opusload/opus/internal/pkg/idgenerator"
	"github.com/opusload/opus/internal/pkg/service/common/etcdclient"
)

// ClientForTest starts a single node embedded etcd cluster and returns a client with an unique namespace.
// The cluster is terminated by the test cleanup.
func ClientForTest(t *testing.T) *etcd.Client {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skipf(`etcd is tested only on Linux`)
	}

	integration.BeforeTestExternal(t)
	cluster := integration.NewClusterV3(t, &integration.ClusterConfig{Size: 1})
	t.Cleanup(func() {
		cluster.Terminate(t)
	})
	cluster.WaitLeader(t)

	client := cluster.Client(0)
	etcdclient.UseNamespace(client, idgenerator.EtcdNamespaceForTest())
	return client
}
