// Package grpc exposes the worker's liveness over the standard gRPC health
// protocol.
package grpc

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const DispatcherService = "notification.Dispatcher"

type Liveness interface {
	Running() int
}

// Health reports SERVING while at least one dispatcher worker loop is alive.
type Health struct {
	srv  *health.Server
	live Liveness
}

func NewHealth(live Liveness) *Health {
	h := &Health{srv: health.NewServer(), live: live}
	h.Update()
	return h
}

func (h *Health) Update() bool {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if h.live.Running() > 0 {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(DispatcherService, status)
	return status == healthpb.HealthCheckResponse_SERVING
}

// Watch refreshes the status every interval until ctx is done, then marks
// everything NOT_SERVING.
func (h *Health) Watch(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-t.C:
			h.Update()
		}
	}
}

func NewServer(h *Health) *grpc.Server {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, h.srv)
	reflection.Register(gs)
	return gs
}

func Run(addr string, h *Health) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	gs := NewServer(h)
	go func() {
		_ = gs.Serve(lis)
	}()
	return gs, nil
}
