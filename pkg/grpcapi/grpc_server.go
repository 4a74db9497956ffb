// Copyright 2025 Takhin Data, Inc.

// Package grpcapi provides the gRPC server bootstrap shared by every RPC
// surface laserd exposes. It owns the listener, keepalive policy, and the
// standard health/reflection services; callers register their own service
// descriptors (pkg/replicationrpc registers the Replicate service) against
// the underlying *grpc.Server.
package grpcapi

import (
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/takhin-data/laser/pkg/logger"
)

// ServiceName is the name under which replication RPCs report health.
const ServiceName = "laser.v1.ReplicationService"

// GRPCServer manages the gRPC server lifecycle: listening, keepalive,
// health, and reflection. It does not know about any particular service;
// RegisterService exposes the underlying *grpc.Server for that.
type GRPCServer struct {
	server       *grpc.Server
	listener     net.Listener
	logger       *logger.Logger
	healthServer *health.Server
}

// NewGRPCServer creates a new gRPC server bound to addr.
func NewGRPCServer(addr string) (*GRPCServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(32 * 1024 * 1024),
		grpc.MaxSendMsgSize(32 * 1024 * 1024),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Minute,
			Time:                  5 * time.Minute,
			Timeout:               1 * time.Minute,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             1 * time.Minute,
			PermitWithoutStream: true,
		}),
	}

	grpcServer := grpc.NewServer(opts...)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(grpcServer)

	return &GRPCServer{
		server:       grpcServer,
		listener:     listener,
		logger:       logger.Default().WithComponent("grpc-server"),
		healthServer: healthServer,
	}, nil
}

// RegisterService exposes the underlying *grpc.Server so a package like
// pkg/replicationrpc can register its own grpc.ServiceDesc before Start.
func (s *GRPCServer) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	s.server.RegisterService(desc, impl)
}

// Start blocks serving the listener until Stop is called.
func (s *GRPCServer) Start() error {
	s.logger.Info("starting gRPC server", "addr", s.listener.Addr().String())
	return s.server.Serve(s.listener)
}

// Stop gracefully stops the gRPC server, falling back to a hard stop if
// graceful shutdown doesn't complete within 30 seconds.
func (s *GRPCServer) Stop() {
	s.logger.Info("stopping gRPC server")

	s.healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("gRPC server stopped gracefully")
	case <-time.After(30 * time.Second):
		s.logger.Warn("graceful stop timeout, forcing stop")
		s.server.Stop()
	}
}

// Addr returns the server's listening address.
func (s *GRPCServer) Addr() net.Addr {
	return s.listener.Addr()
}
