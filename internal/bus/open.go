package bus

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/willer/trading-bot/internal/config"
)

// Open builds the bus selected by cfg.Driver.
func Open(cfg config.BusConfig, rc config.RedisConfig) (Bus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "redis":
		if strings.TrimSpace(rc.Addr) == "" {
			return nil, fmt.Errorf("redis bus: addr is empty")
		}
		return NewRedisBus(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		}), nil
	case "memory":
		return NewMemoryBus(cfg.BufferSize), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}
