// Package grpcserver serves the standard gRPC health service for the
// storage backend.
package grpcserver

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/moments/internal/model"
)

// ServiceName is the health service name reported next to the overall "" entry.
const ServiceName = "moments.Storage"

// Prober checks the active backend.
type Prober interface {
	Health(ctx context.Context) model.Health
}

// HealthReporter mirrors backend health into a grpc health server.
type HealthReporter struct {
	hs       *health.Server
	probe    Prober
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
}

// NewHealthReporter creates a reporter; statuses start as NOT_SERVING.
func NewHealthReporter(probe Prober, interval time.Duration, log *zap.Logger) *HealthReporter {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthReporter{hs: hs, probe: probe, interval: interval, timeout: 5 * time.Second, log: log}
}

// Server returns the underlying health server.
func (h *HealthReporter) Server() *health.Server { return h.hs }

// Check probes once and publishes the result.
func (h *HealthReporter) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	res := h.probe.Health(ctx)
	st := healthpb.HealthCheckResponse_SERVING
	if !res.Healthy() {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		h.log.Warn("backend unhealthy",
			zap.String("backend", string(res.Backend)),
			zap.String("error", res.Error),
		)
	}
	h.hs.SetServingStatus("", st)
	h.hs.SetServingStatus(ServiceName, st)
	return st
}

// Run probes every interval until ctx is done, then marks everything NOT_SERVING.
func (h *HealthReporter) Run(ctx context.Context) {
	h.Check(ctx)
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.hs.Shutdown()
			return
		case <-t.C:
			h.Check(ctx)
		}
	}
}

// NewServer builds a grpc.Server exposing only the health service.
func NewServer(h *HealthReporter, log *zap.Logger) *grpc.Server {
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
		grpc.ChainStreamInterceptor(LoggingStream(log)),
	)
	healthpb.RegisterHealthServer(s, h.Server())
	return s
}
