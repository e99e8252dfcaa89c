package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jsndz/ackbus/pkg/config"
	"github.com/jsndz/ackbus/pkg/types"
)

// InitRedis opens one client per logical database and maps every configured
// environment onto its client. Environments sharing a database share the
// client.
func InitRedis(ctx context.Context, cfg *config.Config) (map[types.Env]*redis.Client, error) {
	byDB := make(map[int]*redis.Client)
	clients := make(map[types.Env]*redis.Client, len(cfg.Envs))
	for _, env := range cfg.Envs {
		opts := cfg.RedisOptions(env)
		rdb, ok := byDB[opts.DB]
		if !ok {
			rdb = redis.NewClient(opts)
			if err := rdb.Ping(ctx).Err(); err != nil {
				CloseRedis(clients)
				_ = rdb.Close()
				return nil, fmt.Errorf("redis %s db %d: %w", opts.Addr, opts.DB, err)
			}
			byDB[opts.DB] = rdb
		}
		clients[env] = rdb
	}
	return clients, nil
}

// CloseRedis closes every distinct client once.
func CloseRedis(clients map[types.Env]*redis.Client) error {
	seen := make(map[*redis.Client]bool)
	var firstErr error
	for _, c := range clients {
		if seen[c] {
			continue
		}
		seen[c] = true
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
