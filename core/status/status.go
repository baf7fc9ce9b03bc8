// Package status exposes the agent's role and switch state through the
// standard gRPC health service.
package status

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/the-mhdi/towerd/core/switchsig"
)

const (
	ServicePrimary = "tower.primary"
	ServiceSwitch  = "tower.switch"
)

type RoleGate interface {
	IsPrimary() (bool, error)
}

type StatusService struct {
	log      *zap.Logger
	addr     string
	interval time.Duration
	gate     RoleGate
	signal   *switchsig.Signal

	health   *health.Server
	server   *grpc.Server
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(log *zap.Logger, addr string, interval time.Duration, gate RoleGate, sig *switchsig.Signal) *StatusService {
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &StatusService{
		log:      log,
		addr:     addr,
		interval: interval,
		gate:     gate,
		signal:   sig,
		health:   hs,
		server:   srv,
	}
}

func (s *StatusService) Name() string { return "status" }

func (s *StatusService) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the health server on lis until Stop.
func (s *StatusService) Serve(ctx context.Context, lis net.Listener) error {
	s.listener = lis
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	s.Refresh()
	go s.refreshLoop(ctx)
	go func() {
		if err := s.server.Serve(lis); err != nil {
			s.log.Warn("Status server stopped", zap.Error(err))
		}
	}()

	s.log.Info("Status endpoint listening", zap.String("addr", lis.Addr().String()))
	return nil
}

func (s *StatusService) Stop() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.health.Shutdown()
	s.server.GracefulStop()
	return nil
}

func (s *StatusService) refreshLoop(ctx context.Context) {
	defer close(s.done)

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		_, changed := s.signal.Changed()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-changed:
		}
		s.Refresh()
	}
}

// Refresh publishes the current role and switch state.
func (s *StatusService) Refresh() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	primary, err := s.gate.IsPrimary()
	switch {
	case err != nil:
		s.log.Warn("Role unknown", zap.String("kind", "config"), zap.Error(err))
		s.health.SetServingStatus(ServicePrimary, healthpb.HealthCheckResponse_UNKNOWN)
	case primary:
		s.health.SetServingStatus(ServicePrimary, healthpb.HealthCheckResponse_SERVING)
	default:
		s.health.SetServingStatus(ServicePrimary, healthpb.HealthCheckResponse_NOT_SERVING)
	}

	if s.signal.Get() {
		s.health.SetServingStatus(ServiceSwitch, healthpb.HealthCheckResponse_NOT_SERVING)
	} else {
		s.health.SetServingStatus(ServiceSwitch, healthpb.HealthCheckResponse_SERVING)
	}
}
