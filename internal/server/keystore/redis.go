package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/keyfort/keyfort/internal"
)

type RedisOptions struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Options  string `mapstructure:"options"`
}

// Redis is the KeyStore implementation shared by all server instances in a
// multi-node deployment.
type Redis struct {
	client *redis.Client
}

func NewRedis(options RedisOptions) (*Redis, error) {
	if options.Host == "" {
		return nil, fmt.Errorf("redis host is required")
	}

	redisOptions, err := redis.ParseURL(fmt.Sprintf("redis://%s:%d?%s", options.Host, options.Port, options.Options))
	if err != nil {
		return nil, fmt.Errorf("invalid redis options: %w", err)
	}

	redisOptions.Username = options.Username
	redisOptions.Password = options.Password

	return &Redis{client: redis.NewClient(redisOptions)}, nil
}

// releaseScript deletes a lock key only when it still holds our token, so an
// instance that lost its lock to expiry cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type redisLock struct {
	client *redis.Client
	keys   []string
	token  string
}

func (l *redisLock) Release(ctx context.Context) error {
	for _, key := range l.keys {
		if err := releaseScript.Run(ctx, l.client, []string{key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("releasing lock %q: %w", key, err)
		}
	}
	return nil
}

func (r *Redis) AcquireLock(ctx context.Context, keys []string, ttl time.Duration, opts LockOptions) (Lock, error) {
	token := uuid.New().String()

	attempt := func() error {
		for i, key := range keys {
			ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
			if err != nil {
				return backoff.Permanent(err)
			}
			if !ok {
				// roll back the keys locked so far
				for _, locked := range keys[:i] {
					_ = releaseScript.Run(ctx, r.client, []string{locked}, token).Err()
				}
				return ErrLockNotAcquired
			}
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.retryDelay()), uint64(opts.RetryCount)),
		ctx)

	if err := backoff.Retry(attempt, policy); err != nil {
		if errors.Is(err, ErrLockNotAcquired) {
			return nil, ErrLockNotAcquired
		}
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}

	return &redisLock{client: r.client, keys: keys, token: token}, nil
}

func (r *Redis) SetItemWithExpiry(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) GetItem(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", internal.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (r *Redis) SetItemIfNotExists(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *Redis) DeleteItems(ctx context.Context, pattern string) error {
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *Redis) WaitTillReady(ctx context.Context, key string, check func(string) bool, opts WaitOptions) error {
	return waitTillReady(ctx, r.GetItem, key, check, opts)
}
