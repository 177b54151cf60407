package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect parses cfg.ConnectionURL and pings the server until it answers,
// making at most cfg.RetryAttempts attempts within cfg.ConnectTimeout.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.ConnectionURL == "" {
		return nil, ErrEmptyConnectionURL
	}
	opts, err := redis.ParseURL(cfg.ConnectionURL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseRedisConnString, err)
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	var lastErr error
	for i := range max(cfg.RetryAttempts, 1) {
		if i > 0 {
			t := time.NewTimer(cfg.RetryInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, errors.Join(ErrRedisNotReady, ctx.Err())
			case <-t.C:
			}
		}

		client := redis.NewClient(opts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()
	}
	return nil, errors.Join(ErrRedisNotReady, lastErr)
}
