package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)

	r, err := NewRedis(context.Background(), RedisConfig{Addr: mr.Addr(), KeyPrefix: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	assert.NoError(t, r.Ping(context.Background()))
	assert.Equal(t, "test:", r.KeyPrefix)
}

func TestNewRedisFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedis(context.Background(), RedisConfig{Addr: addr})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestNewRedisRequiresAddr(t *testing.T) {
	_, err := NewRedis(context.Background(), RedisConfig{})
	require.Error(t, err)
}

func TestKey(t *testing.T) {
	r := NewRedisWithClient(nil, "sonar-gw:")
	assert.Equal(t, "sonar-gw:pkce:abc123", r.Key(KeyTypePKCE, "abc123"))
	assert.Equal(t, "tokens:owner", NewRedisWithClient(nil, "").Key(KeyTypeTokens, "owner"))
}

func TestIsNil(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	_, err := client.Get(context.Background(), "missing").Result()
	assert.True(t, IsNil(err))
	assert.False(t, IsNil(nil))
}
