package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/safety.filter/internal/filter"
)

func TestServingStatus(t *testing.T) {
	running := filter.PhaseRunning.String()
	tests := []struct {
		name      string
		stats     filter.Stats
		sustained uint64
		want      healthpb.HealthCheckResponse_ServingStatus
	}{
		{"idle", filter.Stats{Phase: filter.PhaseIdle.String()}, 0, healthpb.HealthCheckResponse_NOT_SERVING},
		{"running", filter.Stats{Phase: running}, 0, healthpb.HealthCheckResponse_SERVING},
		{"single fallback", filter.Stats{Phase: running, ConsecutiveFallbacks: 1, LastFallback: true}, 0, healthpb.HealthCheckResponse_SERVING},
		{"sustained default", filter.Stats{Phase: running, ConsecutiveFallbacks: DefaultSustainedFallbacks}, 0, healthpb.HealthCheckResponse_NOT_SERVING},
		{"sustained custom", filter.Stats{Phase: running, ConsecutiveFallbacks: 3}, 3, healthpb.HealthCheckResponse_NOT_SERVING},
		{"shutdown", filter.Stats{Phase: filter.PhaseShutdown.String()}, 0, healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ServingStatus(tt.stats, tt.sustained))
		})
	}
}

func TestHealthServer_ReportsLoopState(t *testing.T) {
	loop := &fakeLoop{phase: filter.PhaseRunning}
	h := NewHealthServer("127.0.0.1:0", loop, 2)
	require.NoError(t, h.Start())
	t.Cleanup(h.Stop)
	assert.Error(t, h.Start())

	conn, err := grpc.NewClient(h.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(LoopService))

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, h.Update())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(LoopService))

	loop.mu.Lock()
	loop.stats.ConsecutiveFallbacks = 2
	loop.mu.Unlock()
	h.Update()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(LoopService))
}

func TestHealthServer_RunStopsOnCancel(t *testing.T) {
	loop := &fakeLoop{phase: filter.PhaseRunning}
	h := NewHealthServer("127.0.0.1:0", loop, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, 5*time.Millisecond) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
