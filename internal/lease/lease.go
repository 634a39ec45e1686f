// Package lease resolves spec.md §9's "crash recovery for running jobs"
// open question with a Redis-backed lease/heartbeat: the orchestrator
// renews a per-job lease key while a job is running, and a startup sweep
// resets sync_operations rows whose lease has expired back to queued.
// Grounded on the teacher's internal/orchestrator/dedupe.go
// RedisDedupeStore (same client construction/ping/TTL-set shape),
// generalized from a generic idempotency store to a renewable lease.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store grants and renews time-bounded leases keyed by job id.
type Store interface {
	// Acquire claims the lease for key if it is free, returning true on
	// success. A non-empty runnerID lets operators see which process
	// holds a lease.
	Acquire(ctx context.Context, key, runnerID string, ttl time.Duration) (bool, error)
	// Renew extends an already-held lease's TTL.
	Renew(ctx context.Context, key string, ttl time.Duration) error
	// Release gives up a lease early (on clean job completion/failure).
	Release(ctx context.Context, key string) error
	// Held reports whether key currently has a live lease.
	Held(ctx context.Context, key string) (bool, error)
}

// Redis is the Redis-backed Store.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to addr and pings it to validate the connection,
// mirroring RedisDedupeStore's constructor.
func NewRedis(addr string) (*Redis, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{client: c}, nil
}

func leaseKey(jobID string) string { return "chatsync:lease:" + jobID }

func (r *Redis) Acquire(ctx context.Context, jobID, runnerID string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, leaseKey(jobID), runnerID, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *Redis) Renew(ctx context.Context, jobID string, ttl time.Duration) error {
	return r.client.Expire(ctx, leaseKey(jobID), ttl).Err()
}

func (r *Redis) Release(ctx context.Context, jobID string) error {
	return r.client.Del(ctx, leaseKey(jobID)).Err()
}

func (r *Redis) Held(ctx context.Context, jobID string) (bool, error) {
	n, err := r.client.Exists(ctx, leaseKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) Close() error { return r.client.Close() }

// Noop always reports leases as missing, so a startup sweep run against it
// reaps every running job unconditionally. Used in single-runner
// deployments with REDIS_ADDR unset: a "running" row at startup can only
// mean the previous process crashed mid-job, since no other runner exists
// to be legitimately holding it.
type Noop struct{}

func (Noop) Acquire(context.Context, string, string, time.Duration) (bool, error) { return true, nil }
func (Noop) Renew(context.Context, string, time.Duration) error                   { return nil }
func (Noop) Release(context.Context, string) error                                { return nil }
func (Noop) Held(context.Context, string) (bool, error)                           { return false, nil }
