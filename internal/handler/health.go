package handler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// WatchHealth pings store every interval and mirrors the result into hs for
// the overall server and the approvals service. It returns when ctx ends.
func WatchHealth(ctx context.Context, store Pinger, hs *health.Server, interval time.Duration, logger zerolog.Logger) {
	last := healthpb.HealthCheckResponse_UNKNOWN
	check := func() {
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()

		status := healthpb.HealthCheckResponse_SERVING
		err := store.Ping(pingCtx)
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if status != last {
			if err != nil {
				logger.Warn().Err(err).Str("status", status.String()).Msg("Store health changed")
			} else {
				logger.Info().Str("status", status.String()).Msg("Store health changed")
			}
			last = status
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus(GRPCServiceName, status)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
