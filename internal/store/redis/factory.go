package redis

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"meshctl/internal/config"
	"meshctl/pkg/errors"
)

// NewUniversalClient builds a go-redis client from configuration: pool
// size, idle connections and dial/read/write timeouts are all configurable.
func NewUniversalClient(cfg *config.Redis) (redis.UniversalClient, error) {
	if cfg == nil {
		return nil, errors.NewError(errors.ErrorTypeInternal, "redis configuration is nil")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	if cfg.MaxActive == 0 {
		cfg.MaxActive = 100
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10
	}

	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxActive,
		DialTimeout:  time.Duration(cfg.ConnectTimeout) * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	return redis.NewClient(opts), nil
}
