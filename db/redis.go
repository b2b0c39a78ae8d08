package db

import (
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"
)

// RedisOptions contains the connection parameters for Redis
type RedisOptions struct {
	Addrs    []string
	Password string
	DB       int
}

// NewRedis returns a Redis client and verifies the connection with a PING
func NewRedis(option RedisOptions) (redis.UniversalClient, error) {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    option.Addrs,
		Password: option.Password,
		DB:       option.DB,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		rdb.Close()
		return nil, errors.Wrap(err, "Cannot connect to Redis")
	}
	return rdb, nil
}

// Locker hands out best-effort exclusive leases backed by Redis SETNX
type Locker struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewLocker returns a Locker whose keys are namespaced under prefix
func NewLocker(rdb redis.UniversalClient, prefix string) *Locker {
	return &Locker{
		rdb:    rdb,
		prefix: prefix,
	}
}

// Acquire tries to take the lease on name for ttl. It returns false if someone else holds it.
// The lease is never released explicitly; it expires with the ttl.
func (l *Locker) Acquire(name string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(l.prefix+name, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "Cannot acquire lock")
	}
	return ok, nil
}
