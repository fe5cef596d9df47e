package tokenstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/al-bashkir/sonar-oauth-gateway/internal/storage"
)

func TestFromGrant(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tok := FromGrant("AT1", "RT1", 3600, now)
	assert.Equal(t, Tokens{AccessToken: "AT1", RefreshToken: "RT1", ExpiresAt: 1_700_003_600}, tok)

	// Missing expires_in falls back to an hour.
	tok = FromGrant("AT1", "RT1", 0, now)
	assert.Equal(t, int64(1_700_003_600), tok.ExpiresAt)
}

func TestExpiresWithin(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	margin := 300 * time.Second

	tests := []struct {
		name      string
		expiresAt int64
		want      bool
	}{
		{"already expired", now.Unix() - 10, true},
		{"inside margin", now.Unix() + 299, true},
		{"exactly at margin", now.Unix() + 300, false},
		{"well ahead", now.Unix() + 3600, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokens{ExpiresAt: tt.expiresAt}.ExpiresWithin(now, margin))
		})
	}
}

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(storage.NewRedisWithClient(client, "test:")),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Get(ctx, "owner")
			assert.ErrorIs(t, err, ErrNotFound)

			first := Tokens{AccessToken: "AT1", RefreshToken: "RT1", ExpiresAt: 100}
			require.NoError(t, store.Set(ctx, "owner", first))

			got, err := store.Get(ctx, "owner")
			require.NoError(t, err)
			assert.Equal(t, first, *got)

			second := Tokens{AccessToken: "AT2", RefreshToken: "RT2", ExpiresAt: 200}
			require.NoError(t, store.Set(ctx, "owner", second))
			got, err = store.Get(ctx, "owner")
			require.NoError(t, err)
			assert.Equal(t, second, *got)

			require.NoError(t, store.Delete(ctx, "owner"))
			_, err = store.Get(ctx, "owner")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.NoError(t, store.Delete(ctx, "owner"))
		})
	}
}

func TestStoreRejectsPartialTokens(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			assert.Error(t, store.Set(ctx, "owner", Tokens{AccessToken: "AT1"}))
			_, err := store.Get(ctx, "owner")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreOwnersAreIndependent(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Set(ctx, "a", Tokens{AccessToken: "A", RefreshToken: "RA"}))
			require.NoError(t, store.Set(ctx, "b", Tokens{AccessToken: "B", RefreshToken: "RB"}))

			require.NoError(t, store.Delete(ctx, "a"))

			got, err := store.Get(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, "B", got.AccessToken)
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "owner", Tokens{AccessToken: "AT1", RefreshToken: "RT1"}))

	got, err := store.Get(ctx, "owner")
	require.NoError(t, err)
	got.AccessToken = "mutated"

	again, err := store.Get(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, "AT1", again.AccessToken)
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok := Tokens{AccessToken: fmt.Sprintf("AT%d", i), RefreshToken: fmt.Sprintf("RT%d", i)}
			assert.NoError(t, store.Set(ctx, "owner", tok))
			got, err := store.Get(ctx, "owner")
			if assert.NoError(t, err) {
				// Never a mix of two sets.
				assert.Equal(t, got.AccessToken[2:], got.RefreshToken[2:])
			}
		}(i)
	}
	wg.Wait()
}

func TestRedisStoreKeysDoNotExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(storage.NewRedisWithClient(client, "gw:"))

	require.NoError(t, store.Set(context.Background(), "owner", Tokens{AccessToken: "AT1", RefreshToken: "RT1"}))
	assert.True(t, mr.Exists("gw:tokens:owner"))
	assert.Equal(t, time.Duration(0), mr.TTL("gw:tokens:owner"))
}
