// Package infra provides concrete infrastructure clients. The rest of the
// gateway depends on narrow interfaces; this package dials the real thing.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DialRedis connects to the counter/session store at the given URL
// (redis://[:password@]host:port[/db]) and verifies connectivity with a
// bounded ping. The caller decides whether a failure is fatal.
func DialRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("redis connected", "addr", opts.Addr, "db", opts.DB)
	return rdb, nil
}
