package agent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"query-balancer/membership"
)

// These tests exercise a real etcd. Set QB_ETCD_ENDPOINTS (e.g.
// "localhost:2379") to run them.

func etcdEndpoints(t *testing.T) []string {
	t.Helper()
	raw := os.Getenv("QB_ETCD_ENDPOINTS")
	if raw == "" {
		t.Skip("QB_ETCD_ENDPOINTS not set")
	}
	return strings.Split(raw, ",")
}

func TestRegisterAndDeregister(t *testing.T) {
	endpoints := etcdEndpoints(t)
	path := fmt.Sprintf("/query-balancer-test/agent-%d", time.Now().UnixNano())

	client, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer client.Close()
	defer client.Delete(context.Background(), path, clientv3.WithPrefix())

	ag, err := New(Config{Endpoints: endpoints, Path: path, TTL: 5 * time.Second})
	require.NoError(t, err)

	rec := membership.BackendRecord{Host: "10.0.0.9", Port: 8765, Weight: 3}
	require.NoError(t, ag.Register(context.Background(), rec))

	// The node exists and decodes back to the registered record.
	resp, err := client.Get(context.Background(), path+"/"+rec.Addr())
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	got, err := membership.DecodeRecord(resp.Kvs[0].Value)
	require.NoError(t, err)
	require.Equal(t, rec.Host, got.Host)
	require.Equal(t, rec.Weight, got.Weight)
	require.False(t, got.RegisteredAt.IsZero())

	require.NoError(t, ag.Renew(context.Background()))

	require.NoError(t, ag.Deregister(context.Background()))
	resp, err = client.Get(context.Background(), path+"/"+rec.Addr())
	require.NoError(t, err)
	require.Empty(t, resp.Kvs, "node must be gone after deregistration")

	// Deregister is idempotent.
	require.NoError(t, ag.Deregister(context.Background()))
}

func TestLeaseExpiryRemovesNode(t *testing.T) {
	endpoints := etcdEndpoints(t)
	path := fmt.Sprintf("/query-balancer-test/agent-%d", time.Now().UnixNano())

	client, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer client.Close()
	defer client.Delete(context.Background(), path, clientv3.WithPrefix())

	// Register with a short lease directly (no keepalive), simulating a
	// backend that died without deregistering.
	lease, err := client.Grant(context.Background(), 2)
	require.NoError(t, err)
	rec := membership.BackendRecord{Host: "10.0.0.8", Port: 8765}
	data, err := membership.EncodeRecord(rec)
	require.NoError(t, err)
	_, err = client.Put(context.Background(), path+"/"+rec.Addr(), string(data), clientv3.WithLease(lease.ID))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		resp, err := client.Get(context.Background(), path+"/"+rec.Addr())
		return err == nil && len(resp.Kvs) == 0
	}, 10*time.Second, 200*time.Millisecond, "ephemeral node must expire with its lease")
}
