// Package api provides the gRPC server for divetrader, exposing backtest
// execution to remote clients.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"divetrader/internal/backtest"
	"divetrader/internal/config"
)

// Server hosts the gRPC endpoints.
type Server struct {
	grpcAddr string
	gs       *grpc.Server
	log      *slog.Logger
}

// NewServer creates a Server listening on cfg's host and gRPC port and
// serving svc.
func NewServer(cfg config.Server, svc *backtest.Service) *Server {
	s := &Server{
		grpcAddr: net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.GRPCPort)),
		log:      slog.Default().With("component", "api"),
	}
	s.gs = grpc.NewServer(grpc.UnaryInterceptor(s.logUnary))
	RegisterBacktestServer(s.gs, NewBacktestService(svc))
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.grpcAddr
}

// ListenAndServe starts the gRPC listener and blocks until the context is
// cancelled or a fatal error occurs. Cancellation stops the server
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("grpc server listening", "addr", lis.Addr().String())
		errCh <- s.gs.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.Shutdown()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// Shutdown stops accepting new connections and waits for in-flight calls.
func (s *Server) Shutdown() {
	s.gs.GracefulStop()
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	attrs := []any{"method", info.FullMethod, "elapsed", time.Since(start)}
	if err != nil {
		s.log.Warn("grpc call failed", append(attrs, "code", status.Code(err).String(), "error", err)...)
	} else {
		s.log.Info("grpc call", attrs...)
	}
	return resp, err
}
