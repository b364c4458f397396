package monitoring

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout, false)
}

// AddStreamsCheck reports streams that are running but have delivered no frame
// for longer than staleAfter. Stale cameras degrade the service without making
// it unhealthy.
func (h *HealthChecker) AddStreamsCheck(source StatsSource, staleAfter, interval, timeout time.Duration) {
	h.AddCheck("streams", func(ctx context.Context) (bool, error) {
		now := time.Now()
		var stale []string
		for id, s := range source.StatsAll() {
			if s.Stale(now, staleAfter) {
				stale = append(stale, string(id))
			}
		}
		if len(stale) > 0 {
			sort.Strings(stale)
			return false, fmt.Errorf("stale streams: %s", strings.Join(stale, ", "))
		}
		return true, nil
	}, interval, timeout, false)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady checks if the service is ready to accept traffic. Degraded still
// counts as ready.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status != StatusUnhealthy
}
