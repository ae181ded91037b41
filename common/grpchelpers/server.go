// Package grpchelpers builds the grpc servers of the daemon.
package grpchelpers

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// NewServer returns a grpc server serving the health service and the
// server reflection protocol.
// See https://github.com/grpc/grpc/blob/master/doc/server-reflection.md
func NewServer(opt ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	s := grpc.NewServer(opt...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)
	return s, hs
}
