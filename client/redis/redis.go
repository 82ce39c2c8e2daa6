package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"spg/config"
)

// Init connects to the configured Redis server and verifies the connection
// with a ping. Callers treat a nil client as "no Redis".
func Init(logger *slog.Logger, cfg config.Redis) (*redis.Client, error) {
	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, err
	}

	logger.Info("Connected to Redis", slog.String("addr", addr))
	return client, nil
}
