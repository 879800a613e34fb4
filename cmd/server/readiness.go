package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/chatmemory/internal/healthcheck"
	"github.com/blueberrycongee/chatmemory/internal/resilience"
)

// readinessChecks probes redis and reports backends whose breaker is open
// and cooling down as unavailable.
func readinessChecks(rdb redis.UniversalClient, breakers []*resilience.CircuitBreaker) []healthcheck.Check {
	var checks []healthcheck.Check
	if rdb != nil {
		checks = append(checks, healthcheck.Check{
			Name: "redis",
			Probe: func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			},
		})
	}
	for _, cb := range breakers {
		checks = append(checks, healthcheck.Check{
			Name: cb.Name(),
			Probe: func(context.Context) error {
				if !cb.Available() {
					return fmt.Errorf("circuit %s", cb.State())
				}
				return nil
			},
		})
	}
	return checks
}
