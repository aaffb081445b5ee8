package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// FixedWindow adapts ulule/limiter to Limiter. One limiter.Limiter is kept
// per distinct rate.
type FixedWindow struct {
	store limiter.Store

	mu       sync.Mutex
	limiters map[string]*limiter.Limiter
}

var _ Limiter = (*FixedWindow)(nil)

// NewFixedWindow wraps an existing ulule store.
func NewFixedWindow(store limiter.Store) *FixedWindow {
	return &FixedWindow{store: store, limiters: map[string]*limiter.Limiter{}}
}

// NewRedisFixedWindow stores counters in Redis under prefix.
func NewRedisFixedWindow(client *redis.Client, prefix string) (*FixedWindow, error) {
	store, err := limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: redis store: %w", err)
	}
	return NewFixedWindow(store), nil
}

func (f *FixedWindow) Allow(ctx context.Context, key string, window time.Duration, limit int) (bool, int, time.Time, error) {
	if limit <= 0 || window <= 0 {
		return true, limit, time.Now().Add(window), nil
	}
	res, err := f.limiterFor(window, limit).Get(ctx, key)
	if err != nil {
		return false, 0, time.Now().Add(window), err
	}
	return !res.Reached, int(res.Remaining), time.Unix(res.Reset, 0), nil
}

func (f *FixedWindow) limiterFor(window time.Duration, limit int) *limiter.Limiter {
	id := fmt.Sprintf("%d/%s", limit, window)
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[id]
	if !ok {
		l = limiter.New(f.store, limiter.Rate{Period: window, Limit: int64(limit)})
		f.limiters[id] = l
	}
	return l
}
