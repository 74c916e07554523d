package follower_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"replog/internal/follower"
	"replog/internal/replog"
	"replog/internal/rpc"
)

type cluster struct {
	primary   *replog.Primary
	client    *rpc.Client
	nodes     []*follower.Node
	addresses []string
}

func startCluster(t *testing.T, stores ...*follower.Store) *cluster {
	t.Helper()
	logger := zaptest.NewLogger(t)

	c := &cluster{client: rpc.NewClient(logger)}
	for _, s := range stores {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		n := follower.NewNode(s, logger)
		go func() { _ = n.Serve(lis) }()
		t.Cleanup(n.ForceShutdown)
		c.nodes = append(c.nodes, n)
		c.addresses = append(c.addresses, lis.Addr().String())
	}

	cfg := replog.DefaultConfig()
	cfg.Followers = c.addresses
	cfg.Logger = logger
	p, err := replog.NewPrimary(cfg, c.client)
	require.NoError(t, err)
	p.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
		_ = c.client.Close()
	})
	c.primary = p
	return c
}

func TestCluster_WriteIsReplicatedToEveryFollower(t *testing.T) {
	logger := zaptest.NewLogger(t)
	c := startCluster(t,
		follower.NewStore(follower.StoreConfig{Logger: logger}),
		follower.NewStore(follower.StoreConfig{Logger: logger}),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entry, err := c.primary.SubmitWrite(ctx, "A", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.SequenceNumber)

	want := []replog.LogEntry{{SequenceNumber: 1, Message: "A"}}
	assert.Equal(t, want, c.primary.Entries())
	for _, addr := range c.addresses {
		require.Eventually(t, func() bool {
			got, err := c.client.Entries(ctx, addr)
			return err == nil && assert.ObjectsAreEqual(want, got)
		}, 5*time.Second, 10*time.Millisecond, "follower %s", addr)
	}
}

func TestCluster_FailingFollowerBreaksFullWriteConcern(t *testing.T) {
	logger := zaptest.NewLogger(t)
	c := startCluster(t,
		follower.NewStore(follower.StoreConfig{Logger: logger}),
		follower.NewStore(follower.StoreConfig{Failure: true, Logger: logger}),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Three failed probes mark the failing follower unhealthy, so the write
	// below gets exactly one attempt at it.
	for i := 0; i < 3; i++ {
		c.primary.Monitor().ProbeAll(ctx)
	}
	failing := c.addresses[1]
	require.False(t, c.primary.Monitor().IsHealthy(failing))
	require.True(t, c.primary.CanAcceptWrites())

	_, err := c.primary.SubmitWrite(ctx, "A", 3)

	var repErr *replog.ReplicationError
	require.ErrorAs(t, err, &repErr)
	require.Len(t, repErr.Errors, 1)
	assert.Contains(t, repErr.Errors[0], "follower not ACKed: "+failing)
	assert.Contains(t, repErr.Errors[0], "failure injected")

	// The healthy follower still holds the entry.
	got, err := c.client.Entries(ctx, c.addresses[0])
	require.NoError(t, err)
	assert.Equal(t, []replog.LogEntry{{SequenceNumber: 1, Message: "A"}}, got)
}

func TestCluster_QuorumLossAndRecovery(t *testing.T) {
	logger := zaptest.NewLogger(t)
	c := startCluster(t,
		follower.NewStore(follower.StoreConfig{Failure: true, Logger: logger}),
		follower.NewStore(follower.StoreConfig{Failure: true, Logger: logger}),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		c.primary.Monitor().ProbeAll(ctx)
	}
	_, err := c.primary.SubmitWrite(ctx, "A", 1)
	require.ErrorIs(t, err, replog.ErrQuorumUnavailable)

	c.nodes[0].SetFailure(false)
	c.primary.Monitor().ProbeAll(ctx)
	require.True(t, c.primary.CanAcceptWrites())

	entry, err := c.primary.SubmitWrite(ctx, "A", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.SequenceNumber)
}
