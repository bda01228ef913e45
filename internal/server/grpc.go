package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	auditrepo "auction-tracker/backend/internal/audit/repository"
	brokerhandler "auction-tracker/backend/internal/broker/handler"
	"auction-tracker/backend/internal/broker/service"
	"auction-tracker/backend/internal/server/interceptors"
	"auction-tracker/backend/internal/telemetry"
)

const (
	healthCheckMethod = "/grpc.health.v1.Health/Check"
	healthWatchMethod = "/grpc.health.v1.Health/Watch"
	healthListMethod  = "/grpc.health.v1.Health/List"
)

// GRPCDeps holds the dependencies of the gRPC server.
type GRPCDeps struct {
	// Broker serves the peer stream. Required.
	Broker *service.Broker
	// Tokens validates an optional Bearer token in stream metadata.
	Tokens interceptors.TokenVerifier
	// AuditRepo records every opened peer stream. If nil, streams are not audited.
	AuditRepo auditrepo.Repository
	// Emitter receives one grpc_stream event per finished stream. May be nil.
	Emitter telemetry.EventEmitter
	// Health is the standard health service. If nil, a new one reporting SERVING is used.
	Health *health.Server
	// OutboxSize is the per-stream push queue length.
	OutboxSize int
}

// publicMethods need no Bearer token: the peer stream authenticates in-band and health is
// probed anonymously.
func publicMethods() map[string]bool {
	return map[string]bool{
		brokerhandler.ConnectMethod: true,
		healthCheckMethod:           true,
		healthWatchMethod:           true,
		healthListMethod:            true,
	}
}

func healthMethods() map[string]bool {
	return map[string]bool{
		healthCheckMethod: true,
		healthWatchMethod: true,
		healthListMethod:  true,
	}
}

// NewGRPCServer builds the gRPC server with tracing, the interceptor chain, the peer stream and
// the health service registered.
func NewGRPCServer(deps GRPCDeps) *grpc.Server {
	var streamChain []grpc.StreamServerInterceptor
	if deps.Tokens != nil {
		streamChain = append(streamChain, interceptors.AuthStream(deps.Tokens, publicMethods()))
	}
	if deps.AuditRepo != nil {
		streamChain = append(streamChain, interceptors.AuditStream(deps.AuditRepo, healthMethods()))
	}
	if deps.Emitter != nil {
		streamChain = append(streamChain, interceptors.TelemetryStream(deps.Emitter, healthMethods()))
	}

	opts := []grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}
	if deps.Tokens != nil {
		opts = append(opts, grpc.ChainUnaryInterceptor(interceptors.AuthUnary(deps.Tokens, publicMethods())))
	}
	if len(streamChain) > 0 {
		opts = append(opts, grpc.ChainStreamInterceptor(streamChain...))
	}

	s := grpc.NewServer(opts...)
	RegisterServices(s, deps)
	return s
}

// RegisterServices registers the peer stream and the health service on s.
//
//   - auctiontracker.v1.PeerService → internal/broker/handler
//   - grpc.health.v1.Health         → google.golang.org/grpc/health
func RegisterServices(s grpc.ServiceRegistrar, deps GRPCDeps) {
	brokerhandler.RegisterPeerServiceServer(s, brokerhandler.NewPeerServer(deps.Broker, deps.OutboxSize))
	hs := deps.Health
	if hs == nil {
		hs = health.NewServer()
	}
	healthpb.RegisterHealthServer(s, hs)
}
