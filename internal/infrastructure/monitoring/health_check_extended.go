package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meshcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

var errCheckFailed = errors.New("check failed")

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRepositoryCheck adds a session repository health check
func (h *HealthChecker) AddRepositoryCheck(repo ports.SessionRepository, interval, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) (bool, error) {
		if _, err := repo.ListLive(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddStoreCheck adds a check backed by a ping function, such as the
// repository factory's HealthCheck.
func (h *HealthChecker) AddStoreCheck(name string, ping func(ctx context.Context) error, interval, timeout time.Duration) {
	h.AddCheck(name, func(ctx context.Context) (bool, error) {
		if err := ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddCapacityCheck fails once current() reaches max. A non-positive max
// disables the limit.
func (h *HealthChecker) AddCapacityCheck(name string, current func() int, max int, interval time.Duration) {
	h.AddCheck(name, func(context.Context) (bool, error) {
		if max > 0 {
			if n := current(); n >= max {
				return false, fmt.Errorf("at capacity: %d/%d", n, max)
			}
		}
		return true, nil
	}, interval, 0)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
