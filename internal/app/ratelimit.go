package app

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

const limiterPrefix = "crportal:limiter"

// NewLoginLimiter parses a "<n>-<S|M|H|D>" rate. A nil store keeps the
// counters in process memory.
func NewLoginLimiter(rate string, store limiter.Store) (*limiter.Limiter, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("parse login rate %q: %w", rate, err)
	}
	if store == nil {
		store = memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: limiterPrefix})
	}
	return limiter.New(store, parsed), nil
}

// RedisLimiterStore shares rate-limit counters between instances through the
// Redis backend's client.
func RedisLimiterStore(client *redis.Client) (limiter.Store, error) {
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: limiterPrefix})
	if err != nil {
		return nil, fmt.Errorf("create redis limiter store: %w", err)
	}
	return store, nil
}
