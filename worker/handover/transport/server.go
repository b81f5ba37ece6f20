/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package transport

import (
	"context"
	"fmt"
	"net"

	grpcprometheus "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Server serves a [Holder] over gRPC.
type Server struct {
	grpcServer *grpc.Server
	log        *zap.Logger
}

// NewServer creates a gRPC server for holder.
// If promRegistry is not nil, gRPC server metrics are registered with it.
func NewServer(holder Holder, creds credentials.TransportCredentials, promRegistry prometheus.Registerer, log *zap.Logger) *Server {
	grpcMetrics := grpcprometheus.NewServerMetrics()
	grpcServer := grpc.NewServer(
		grpc.Creds(creds),
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(middlewareLogger(log)),
			grpcMetrics.UnaryServerInterceptor(),
		),
	)
	grpcServer.RegisterService(&serviceDesc, holder)
	if promRegistry != nil {
		grpcMetrics.InitializeMetrics(grpcServer)
		promRegistry.MustRegister(grpcMetrics)
	}
	return &Server{grpcServer: grpcServer, log: log}
}

// Serve accepts connections on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			s.grpcServer.GracefulStop()
		case <-stopped:
		}
	}()

	s.log.Info("Starting handover server", zap.String("address", lis.Addr().String()))
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serving handover: %w", err)
	}
	return nil
}

// ListenAndServe listens on the TCP address addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Stop stops the server immediately.
func (s *Server) Stop() {
	s.grpcServer.Stop()
}
