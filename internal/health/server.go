// Package health exposes the grpc.health.v1 service for orchestrator probes.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ashureev/mcp-chat-gateway/internal/logx"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the named service reported alongside the overall status.
const ServiceName = "mcpchat.Gateway"

// DefaultProbeInterval is how often Monitor re-checks readiness.
const DefaultProbeInterval = 15 * time.Second

// Server serves grpc.health.v1 on its own listener.
type Server struct {
	grpc   *grpc.Server
	health *grpchealth.Server
	lis    net.Listener
}

// Start listens on addr and serves the health service in the background.
// The initial status is NOT_SERVING until SetServing is called.
func Start(addr string) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen grpc health on %s: %w", addr, err)
	}

	srv := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    2 * time.Minute,
		Timeout: 10 * time.Second,
	}))
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	s := &Server{grpc: srv, health: hs, lis: lis}
	s.SetServing(false)

	go func() {
		logx.Info().Str("addr", lis.Addr().String()).Msg("grpc health server listening")
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logx.Error().Err(err).Msg("grpc health server failed")
		}
	}()
	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

// SetServing updates the overall and named service status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Monitor runs probe every interval and mirrors its result into the health
// status until ctx is cancelled.
func (s *Server) Monitor(ctx context.Context, probe func(context.Context) error, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}

	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := probe(probeCtx)
		if err != nil && ctx.Err() == nil {
			logx.Warn().Err(err).Msg("health probe failed")
		}
		s.SetServing(err == nil)
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		check()
		for {
			select {
			case <-ticker.C:
				check()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop marks every service NOT_SERVING and drains the gRPC server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
