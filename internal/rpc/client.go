package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"replog/internal/replog"
)

var (
	// ErrFollowerFailure is returned when a follower answers with a failure status.
	ErrFollowerFailure = errors.New("follower returned status failure")
	// ErrNotServing is returned by Probe when the follower reports it is not serving.
	ErrNotServing = errors.New("follower not serving")
)

// Client talks to followers. It keeps one connection per address and
// satisfies replog.FollowerClient.
type Client struct {
	// conns maps address to *grpc.ClientConn.
	conns    sync.Map
	dialOpts []grpc.DialOption
	logger   *zap.Logger
}

var _ replog.FollowerClient = (*Client)(nil)

// NewClient returns a client that dials followers with insecure credentials
// plus any extra options.
func NewClient(logger *zap.Logger, opts ...grpc.DialOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		dialOpts: append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...),
		logger:   logger.With(zap.String("component", "rpc-client")),
	}
}

func (c *Client) conn(address string) (*grpc.ClientConn, error) {
	if v, ok := c.conns.Load(address); ok {
		return v.(*grpc.ClientConn), nil
	}

	cc, err := grpc.NewClient(address, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", address, err)
	}
	actual, loaded := c.conns.LoadOrStore(address, cc)
	if loaded {
		// Another caller won the race.
		_ = cc.Close()
	} else {
		c.logger.Debug("Opened connection", zap.String("follower", address))
	}
	return actual.(*grpc.ClientConn), nil
}

// Replicate sends entry to the follower at address.
func (c *Client) Replicate(ctx context.Context, address string, entry replog.LogEntry) error {
	cc, err := c.conn(address)
	if err != nil {
		return err
	}
	resp := new(ReplicateResponse)
	if err := cc.Invoke(ctx, replicateMethod, &ReplicateRequest{Entry: entry}, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return err
	}
	if resp.Status != StatusSuccess {
		if resp.Error != "" {
			return fmt.Errorf("%w: %s", ErrFollowerFailure, resp.Error)
		}
		return ErrFollowerFailure
	}
	return nil
}

// Probe runs a standard gRPC health check against the follower service.
func (c *Client) Probe(ctx context.Context, address string) error {
	cc, err := c.conn(address)
	if err != nil {
		return err
	}
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrNotServing, resp.GetStatus())
	}
	return nil
}

// Entries fetches the contiguous prefix held by the follower at address.
func (c *Client) Entries(ctx context.Context, address string) ([]replog.LogEntry, error) {
	cc, err := c.conn(address)
	if err != nil {
		return nil, err
	}
	resp := new(EntriesResponse)
	if err := cc.Invoke(ctx, entriesMethod, &EntriesRequest{}, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Close closes every open connection.
func (c *Client) Close() error {
	var err error
	c.conns.Range(func(key, value any) bool {
		if cerr := value.(*grpc.ClientConn).Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", key, cerr))
		}
		c.conns.Delete(key)
		return true
	})
	return err
}
