package follower

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"replog/internal/rpc"
)

// Node serves a Store to the primary: the replication service plus the
// standard gRPC health service, which reports NOT_SERVING while failure
// injection is on.
type Node struct {
	store      *Store
	grpcServer *grpc.Server
	health     *health.Server
	logger     *zap.Logger
}

var _ rpc.FollowerServer = (*Node)(nil)

func NewNode(store *Store, logger *zap.Logger, opts ...grpc.ServerOption) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{
		store:      store,
		grpcServer: grpc.NewServer(opts...),
		health:     health.NewServer(),
		logger:     logger.With(zap.String("component", "follower")),
	}
	rpc.RegisterFollowerServer(n.grpcServer, n)
	healthpb.RegisterHealthServer(n.grpcServer, n.health)
	n.updateServingStatus()
	return n
}

func (n *Node) Store() *Store {
	return n.store
}

// Replicate applies the request's entry. Injected failures are reported in
// the reply status rather than as an RPC error.
func (n *Node) Replicate(ctx context.Context, req *rpc.ReplicateRequest) (*rpc.ReplicateResponse, error) {
	applied, err := n.store.Apply(ctx, req.Entry)
	switch {
	case err == nil:
		return &rpc.ReplicateResponse{Status: rpc.StatusSuccess, Applied: applied}, nil
	case errors.Is(err, ErrInjectedFailure):
		n.logger.Debug("Rejecting entry, failure injected", zap.Uint64("sequence_number", req.Entry.SequenceNumber))
		return &rpc.ReplicateResponse{Status: rpc.StatusFailure, Error: err.Error()}, nil
	case errors.Is(err, ErrInvalidSequence):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	default:
		return nil, status.FromContextError(err).Err()
	}
}

// Entries returns the contiguous prefix of the log.
func (n *Node) Entries(_ context.Context, _ *rpc.EntriesRequest) (*rpc.EntriesResponse, error) {
	return &rpc.EntriesResponse{Entries: n.store.Contiguous()}, nil
}

// SetFailure toggles failure injection and the reported serving status.
func (n *Node) SetFailure(on bool) {
	n.store.setFailure(on)
	n.updateServingStatus()
	n.logger.Info("Failure injection changed", zap.Bool("failure", on))
}

// SetDelay changes the processing delay applied to later entries.
func (n *Node) SetDelay(d time.Duration) {
	n.store.setDelay(d)
	n.logger.Info("Processing delay changed", zap.Duration("delay", d))
}

// Faults reports the current injected failure and delay.
func (n *Node) Faults() (failing bool, delay time.Duration) {
	return !n.store.Healthy(), n.store.Delay()
}

func (n *Node) updateServingStatus() {
	st := healthpb.HealthCheckResponse_SERVING
	if !n.store.Healthy() {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	n.health.SetServingStatus("", st)
	n.health.SetServingStatus(rpc.ServiceName, st)
}

// Serve accepts connections on lis until the node is shut down.
func (n *Node) Serve(lis net.Listener) error {
	n.logger.Info("Follower serving",
		zap.String("addr", lis.Addr().String()),
		zap.Duration("delay", n.store.Delay()),
		zap.Bool("failure", !n.store.Healthy()),
	)
	return n.grpcServer.Serve(lis)
}

// GracefulShutdown waits for in-flight RPCs to finish.
func (n *Node) GracefulShutdown() {
	n.health.Shutdown()
	n.grpcServer.GracefulStop()
}

func (n *Node) ForceShutdown() {
	n.grpcServer.Stop()
}
