package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthServer serves the standard gRPC health protocol so orchestrators can
// check the process without speaking HTTP.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	check  func(ctx context.Context) error
	logger *slog.Logger
}

func NewHealthServer(check func(ctx context.Context) error, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(gs, hs)
	reflection.Register(gs)
	// empty string means overall server health
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return &HealthServer{grpc: gs, health: hs, check: check, logger: logger}
}

// Serve blocks until the listener fails or Stop is called. While serving it
// re-runs check every interval and flips the overall status accordingly.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener, interval time.Duration) error {
	if h.check != nil && interval > 0 {
		go h.watch(ctx, interval)
	}
	h.logger.Info("grpc health listening", "addr", lis.Addr().String())
	return h.grpc.Serve(lis)
}

func (h *HealthServer) watch(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	last := grpc_health_v1.HealthCheckResponse_SERVING
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			status := grpc_health_v1.HealthCheckResponse_SERVING
			if err := h.check(ctx); err != nil {
				status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
				if last != status {
					h.logger.Warn("health check failing", "error", err)
				}
			}
			if status != last {
				h.health.SetServingStatus("", status)
				last = status
			}
		}
	}
}

// Stop marks the server NOT_SERVING and drains in-flight RPCs.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
