package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relabs-tech/bridge/core/clock"
)

// VolumeLimiter counts the forwarded payload bytes of a tenant per period
type VolumeLimiter interface {
	// Used returns the bytes accounted to the tenant in the current period
	Used(ctx context.Context, tenantID string) (int64, error)
	// Add accounts size bytes to the tenant
	Add(ctx context.Context, tenantID string, size int) error
}

// RedisVolume is a VolumeLimiter shared by all bridge instances
type RedisVolume struct {
	client redis.Cmdable
	period time.Duration
	clock  clock.Clock
	prefix string
}

// NewRedisVolume returns a limiter with fixed periods
func NewRedisVolume(client redis.Cmdable, period time.Duration) *RedisVolume {
	if period <= 0 {
		period = 24 * time.Hour
	}
	return &RedisVolume{client: client, period: period, clock: clock.Real{}, prefix: "bridge:volume"}
}

func (v *RedisVolume) key(tenantID string) string {
	return fmt.Sprintf("%s:%s:%d", v.prefix, tenantID, v.clock.Now().UnixNano()/int64(v.period))
}

// Used implements VolumeLimiter
func (v *RedisVolume) Used(ctx context.Context, tenantID string) (int64, error) {
	used, err := v.client.Get(ctx, v.key(tenantID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cannot read data volume: %w", err)
	}
	return used, nil
}

// Add implements VolumeLimiter
func (v *RedisVolume) Add(ctx context.Context, tenantID string, size int) error {
	key := v.key(tenantID)
	pipe := v.client.TxPipeline()
	pipe.IncrBy(ctx, key, int64(size))
	pipe.Expire(ctx, key, 2*v.period)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cannot account data volume: %w", err)
	}
	return nil
}

// MemoryVolume is a VolumeLimiter for a single bridge instance
type MemoryVolume struct {
	mu     sync.Mutex
	period time.Duration
	clock  clock.Clock
	slot   int64
	used   map[string]int64
}

// NewMemoryVolume returns a limiter with fixed periods
func NewMemoryVolume(period time.Duration, c clock.Clock) *MemoryVolume {
	if c == nil {
		c = clock.Real{}
	}
	if period <= 0 {
		period = 24 * time.Hour
	}
	return &MemoryVolume{period: period, clock: c, used: map[string]int64{}}
}

// rotate starts a new period if the current one is over. Called with mu held.
func (v *MemoryVolume) rotate() {
	if slot := v.clock.Now().UnixNano() / int64(v.period); slot != v.slot {
		v.slot = slot
		v.used = map[string]int64{}
	}
}

// Used implements VolumeLimiter
func (v *MemoryVolume) Used(ctx context.Context, tenantID string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rotate()
	return v.used[tenantID], nil
}

// Add implements VolumeLimiter
func (v *MemoryVolume) Add(ctx context.Context, tenantID string, size int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rotate()
	v.used[tenantID] += int64(size)
	return nil
}
