package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/rl1809/flash-sale-settlement/internal/port"
)

// ServingName is the service name the health server reports for the
// settlement engine itself.
const ServingName = "flashsale.Settlement"

// GRPCHandler exposes standard health checking and reflection. Health turns
// NOT_SERVING when the store stops answering.
type GRPCHandler struct {
	health *health.Server
	store  port.Store
}

func NewGRPCHandler(store port.Store) *GRPCHandler {
	return &GRPCHandler{health: health.NewServer(), store: store}
}

func (h *GRPCHandler) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.health)
	reflection.Register(s)
	h.health.SetServingStatus(ServingName, healthpb.HealthCheckResponse_SERVING)
}

// Watch checks the store every interval until ctx is done.
func (h *GRPCHandler) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.CheckStore(ctx)
		}
	}
}

// CheckStore checks the store once and updates the serving status.
func (h *GRPCHandler) CheckStore(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := h.store.InTx(ctx, func(context.Context, port.Tx) error { return nil }); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus(ServingName, status)
	h.health.SetServingStatus("", status)
	return status
}

// Shutdown marks every service NOT_SERVING so load balancers drain.
func (h *GRPCHandler) Shutdown() {
	h.health.Shutdown()
}
