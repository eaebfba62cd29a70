package handler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type flakyStore struct {
	down atomic.Bool
}

func (s *flakyStore) Ping(ctx context.Context) error {
	if s.down.Load() {
		return fmt.Errorf("connection refused")
	}
	return nil
}

func TestWatchHealth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &flakyStore{}
	hs := health.NewServer()

	done := make(chan struct{})
	go func() {
		defer close(done)
		WatchHealth(ctx, store, hs, 10*time.Millisecond, zerolog.Nop())
	}()

	servingStatus := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}

	assert.Eventually(t, func() bool {
		return servingStatus("") == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 5*time.Millisecond)

	store.down.Store(true)
	assert.Eventually(t, func() bool {
		return servingStatus("") == healthpb.HealthCheckResponse_NOT_SERVING &&
			servingStatus(GRPCServiceName) == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, 5*time.Millisecond)

	store.down.Store(false)
	assert.Eventually(t, func() bool {
		return servingStatus(GRPCServiceName) == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WatchHealth did not return after cancel")
	}
}
