package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld 表示锁已被其他进程持有。
var ErrLockHeld = errors.New("lock held by another process")

// Locker 为跨进程互斥锁。
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock 为已获得的锁。
type Lock interface {
	Release(ctx context.Context) error
}

// RedisConfig 描述 Redis 连接，Addr 为空表示不启用。
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
}

// RedisLocker 基于 redislock 实现 Locker。
type RedisLocker struct {
	rdb    *redis.Client
	client *redislock.Client
}

// NewRedisLocker 连接 Redis 并创建 Locker。
func NewRedisLocker(ctx context.Context, cfg RedisConfig) (*RedisLocker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return &RedisLocker{rdb: rdb, client: redislock.New(rdb)}, nil
}

// Obtain 尝试获得锁，不重试。
func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return lock, nil
}

// Close 关闭 Redis 连接。
func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}
