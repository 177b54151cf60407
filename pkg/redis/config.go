package redis

import "time"

// Config describes the Redis connection used for short-lived billing state.
type Config struct {
	ConnectionURL  string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"2s"`
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"15s"`
	// KeyPrefix namespaces every key written by this service.
	KeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"billingsync:"`
}
