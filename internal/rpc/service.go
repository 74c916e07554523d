package rpc

import (
	"context"

	"google.golang.org/grpc"

	"replog/internal/replog"
)

// ServiceName is the fully qualified name of the follower service. The gRPC
// health service reports its serving status under this name too.
const ServiceName = "replog.Follower"

const (
	replicateMethod = "/" + ServiceName + "/Replicate"
	entriesMethod   = "/" + ServiceName + "/Entries"
)

// Reply statuses a follower puts in ReplicateResponse.Status.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

type ReplicateRequest struct {
	Entry replog.LogEntry `json:"entry"`
}

type ReplicateResponse struct {
	Status string `json:"status"`
	// Applied is false when the follower already held the entry.
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

type EntriesRequest struct{}

type EntriesResponse struct {
	Entries []replog.LogEntry `json:"entries"`
}

// FollowerServer is implemented by follower nodes.
type FollowerServer interface {
	Replicate(ctx context.Context, req *ReplicateRequest) (*ReplicateResponse, error)
	Entries(ctx context.Context, req *EntriesRequest) (*EntriesResponse, error)
}

// RegisterFollowerServer registers srv on s.
func RegisterFollowerServer(s grpc.ServiceRegistrar, srv FollowerServer) {
	s.RegisterService(&followerServiceDesc, srv)
}

var followerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FollowerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Replicate", Handler: replicateHandler},
		{MethodName: "Entries", Handler: entriesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "replog/follower",
}

func replicateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReplicateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FollowerServer).Replicate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: replicateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FollowerServer).Replicate(ctx, req.(*ReplicateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func entriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FollowerServer).Entries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: entriesMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FollowerServer).Entries(ctx, req.(*EntriesRequest))
	}
	return interceptor(ctx, in, info, handler)
}
