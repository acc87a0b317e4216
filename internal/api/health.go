package api

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/safety.filter/internal/filter"
	"github.com/banshee-data/safety.filter/internal/monitoring"
)

// LoopService is the health service name reported alongside the overall ("")
// status.
const LoopService = "safety.filter.Loop"

// DefaultSustainedFallbacks is how many consecutive safe-stop cycles mark the
// filter NOT_SERVING.
const DefaultSustainedFallbacks = 10

// ServingStatus maps loop stats to a health status. The filter serves while
// running, unless the last sustained cycles all fell back to safe-stop.
func ServingStatus(stats filter.Stats, sustained uint64) healthpb.HealthCheckResponse_ServingStatus {
	if stats.Phase != filter.PhaseRunning.String() {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	if sustained == 0 {
		sustained = DefaultSustainedFallbacks
	}
	if stats.ConsecutiveFallbacks >= sustained {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// HealthServer publishes the loop's health over the standard gRPC health
// protocol.
type HealthServer struct {
	addr      string
	loop      Loop
	sustained uint64

	health   *health.Server
	server   *grpc.Server
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewHealthServer creates a server for addr. It does not listen until Start.
func NewHealthServer(addr string, loop Loop, sustained uint64) *HealthServer {
	h := &HealthServer{
		addr:      addr,
		loop:      loop,
		sustained: sustained,
		health:    health.NewServer(),
	}
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.health.SetServingStatus(LoopService, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Start binds the listener and serves in the background.
func (h *HealthServer) Start() error {
	if h.running.Load() {
		return fmt.Errorf("health server already running")
	}

	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	h.listener = lis
	h.server = grpc.NewServer()
	healthpb.RegisterHealthServer(h.server, h.health)
	h.running.Store(true)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		monitoring.Logf("api: gRPC health listening on %s", lis.Addr())
		if err := h.server.Serve(lis); err != nil && h.running.Load() {
			monitoring.Logf("api: gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr is the bound address, or nil before Start.
func (h *HealthServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Update recomputes the status from the loop and returns it.
func (h *HealthServer) Update() healthpb.HealthCheckResponse_ServingStatus {
	st := ServingStatus(h.loop.Stats(), h.sustained)
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(LoopService, st)
	return st
}

// Run refreshes the status every interval until ctx is done, then reports
// NOT_SERVING.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := h.Update()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return nil
		case <-ticker.C:
			if st := h.Update(); st != last {
				monitoring.Logf("api: health %s -> %s", last, st)
				last = st
			}
		}
	}
}

// Stop gracefully stops the gRPC server.
func (h *HealthServer) Stop() {
	if !h.running.Load() {
		return
	}
	h.running.Store(false)
	h.health.Shutdown()
	if h.server != nil {
		h.server.GracefulStop()
	}
	h.wg.Wait()
	monitoring.Logf("api: gRPC health stopped")
}
