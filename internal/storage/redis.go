// Package storage builds the redis client shared by the session, PKCE and
// token stores, and namespaces their keys.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Key types, one namespace per store.
const (
	KeyTypeSession = "session"
	KeyTypePKCE    = "pkce"
	KeyTypeTokens  = "tokens"
)

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix namespaces every key, e.g. "sonar-gw:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Redis is a connected client plus the key prefix the stores share.
type Redis struct {
	Client    redis.UniversalClient
	KeyPrefix string
}

// NewRedis connects to redis and verifies the connection with a PING.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{Client: client, KeyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisWithClient wraps a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisWithClient(client redis.UniversalClient, keyPrefix string) *Redis {
	return &Redis{Client: client, KeyPrefix: keyPrefix}
}

// Key builds "<prefix><type>:<id>".
func (r *Redis) Key(keyType, id string) string {
	var b strings.Builder
	b.Grow(len(r.KeyPrefix) + len(keyType) + len(id) + 1)
	b.WriteString(r.KeyPrefix)
	b.WriteString(keyType)
	b.WriteByte(':')
	b.WriteString(id)
	return b.String()
}

// Ping checks Redis connectivity (health check).
func (r *Redis) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (r *Redis) Close() error {
	return r.Client.Close()
}

// IsNil reports whether err is the redis "key does not exist" reply.
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
