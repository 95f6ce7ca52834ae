package config

import (
	"github.com/redis/go-redis/v9"
)

// InitRedis returns a redis client, or nil when REDIS_ADDR is unset. The
// tracking service treats a nil client as "run without live-state cache".
func InitRedis() *redis.Client {
	addr := getEnv("REDIS_ADDR", "")
	if addr == "" {
		return nil
	}

	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: getEnv("REDIS_PASSWORD", ""),
	})
}
