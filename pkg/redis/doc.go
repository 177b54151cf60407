// Package redis connects to Redis with start-up retries and exposes a health probe.
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
// Connection settings come from REDIS_* environment variables (see Config).
package redis
