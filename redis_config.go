package crawlerkit

import (
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed seen-set. Empty fields fall back
// to the REDIS_ADDR, REDIS_PASSWORD and REDIS_DB environment variables.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Namespace string        `yaml:"namespace"`
	TTL       time.Duration `yaml:"ttl"`
}

// Options builds redis.Options from the config over RedisOptions.
func (c RedisConfig) Options() *redis.Options {
	opts := RedisOptions()
	if c.Addr != "" {
		opts.Addr = c.Addr
	}
	if c.Password != "" {
		opts.Password = c.Password
	}
	if c.DB > 0 {
		opts.DB = c.DB
	}
	return opts
}

// NewSeenSet connects and returns a RedisSeenSet for the configured
// namespace ("default" when empty).
func (c RedisConfig) NewSeenSet() (*RedisSeenSet, *redis.Client) {
	client := redis.NewClient(c.Options())
	return NewRedisSeenSet(client, c.namespace(), c.TTL), client
}

// NewSnapshotLock connects and returns a DistributedLock sharing the
// seen set's namespace.
func (c RedisConfig) NewSnapshotLock() (*DistributedLock, *redis.Client) {
	client := redis.NewClient(c.Options())
	return NewDistributedLock(client, c.namespace()), client
}

func (c RedisConfig) namespace() string {
	if c.Namespace == "" {
		return "default"
	}
	return c.Namespace
}

// RedisOptions returns redis.Options populated from standard environment variables.
//
// Environment variables read (with defaults):
//   - REDIS_ADDR (default: "localhost:6379")
//   - REDIS_PASSWORD (default: "")
//   - REDIS_DB (default: 0)
func RedisOptions() *redis.Options {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	return &redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvAsInt("REDIS_DB", 0),
	}
}

// getEnvAsInt reads an integer environment variable with a default fallback.
func getEnvAsInt(key string, defaultVal int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultVal
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultVal
	}

	return value
}
