// Copyright 2025 Takhin Data, Inc.

package replicationrpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/takhin-data/laser/pkg/logger"
	"github.com/takhin-data/laser/pkg/replication"
)

// PullHandler is implemented by pkg/dbmanager's facade: it routes an
// incoming pull by DBHash to the right partition's replication.DB and
// calls HandlePull.
type PullHandler interface {
	HandlePull(ctx context.Context, req replication.PullRequest) (replication.PullResponse, error)
}

// WdtHandler accepts a base-transfer trigger for a partition, handing it
// off to pkg/wdt's transport.
type WdtHandler interface {
	HandleReplicateWdt(ctx context.Context, req ReplicateWdtRequest) (ReplicateWdtResponse, error)
}

// Server adapts a PullHandler/WdtHandler pair to the hand-built
// ServiceDesc below.
type Server struct {
	pull   PullHandler
	wdt    WdtHandler
	logger *logger.Logger
}

func NewServer(pull PullHandler, wdt WdtHandler) *Server {
	return &Server{
		pull:   pull,
		wdt:    wdt,
		logger: logger.Default().WithComponent("replicationrpc"),
	}
}

// Register attaches the replication service to host, the shared gRPC
// bootstrap from pkg/grpcapi.
func (s *Server) Register(host interface{ RegisterService(*grpc.ServiceDesc, interface{}) }) {
	host.RegisterService(&ServiceDesc, s)
}

func (s *Server) pullHandler(ctx context.Context, req *replication.PullRequest) (*replication.PullResponse, error) {
	resp, err := s.pull.HandlePull(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *Server) replicateWdtHandler(ctx context.Context, req *ReplicateWdtRequest) (*ReplicateWdtResponse, error) {
	resp, err := s.wdt.HandleReplicateWdt(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ServiceName is the gRPC service path both client and server address.
const ServiceName = "laser.v1.ReplicationService"

func pullUnaryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(replication.PullRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).pullHandler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Pull"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).pullHandler(ctx, req.(*replication.PullRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func replicateWdtUnaryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReplicateWdtRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).replicateWdtHandler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/ReplicateWdt"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).replicateWdtHandler(ctx, req.(*ReplicateWdtRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the hand-built stand-in for what protoc-gen-go-grpc would
// normally emit for a service with a Pull and ReplicateWdt RPC.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Pull", Handler: pullUnaryHandler},
		{MethodName: "ReplicateWdt", Handler: replicateWdtUnaryHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "replicationrpc",
}
