package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterSink mirrors per-site replication counters into Redis so external
// dashboards can read throughput without scraping Prometheus. Writes are
// best-effort: a Redis outage never fails a replication task.
type CounterSink struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

// NewCounterSink connects to Redis at addr. Keys are namespaced under prefix.
func NewCounterSink(addr, prefix string, log *slog.Logger) (*CounterSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to Redis at %s: %w", addr, err)
	}

	return &CounterSink{client: client, prefix: prefix, log: log}, nil
}

// NewCounterSinkWithClient creates a CounterSink around an existing client.
// This is primarily used for testing.
func NewCounterSinkWithClient(client *redis.Client, prefix string, log *slog.Logger) *CounterSink {
	return &CounterSink{client: client, prefix: prefix, log: log}
}

// RecordCompletion increments the per-site ops and bytes counters.
func (s *CounterSink) RecordCompletion(ctx context.Context, site string, bytes int64) {
	pipe := s.client.Pipeline()
	pipe.IncrBy(ctx, s.key(site, "ops"), 1)
	pipe.IncrBy(ctx, s.key(site, "bytes"), bytes)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn("failed to record completion counters in Redis", "site", site, "error", err)
	}
}

// RecordFailure increments the per-site failure counter.
func (s *CounterSink) RecordFailure(ctx context.Context, site string) {
	if err := s.client.IncrBy(ctx, s.key(site, "failures"), 1).Err(); err != nil {
		s.log.Warn("failed to record failure counter in Redis", "site", site, "error", err)
	}
}

// Close releases the Redis connection.
func (s *CounterSink) Close() error {
	return s.client.Close()
}

func (s *CounterSink) key(site, name string) string {
	return s.prefix + ":" + site + ":" + name
}
