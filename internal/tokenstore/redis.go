package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/al-bashkir/sonar-oauth-gateway/internal/storage"
)

// RedisStore keeps token sets in redis, shared by all gateway instances.
// Keys never expire; an expired access token is still refreshable.
type RedisStore struct {
	rdb *storage.Redis
}

// NewRedisStore creates a redis-backed store.
func NewRedisStore(rdb *storage.Redis) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Get loads the owner's tokens.
func (s *RedisStore) Get(ctx context.Context, ownerID string) (*Tokens, error) {
	data, err := s.rdb.Client.Get(ctx, s.rdb.Key(storage.KeyTypeTokens, ownerID)).Bytes()
	if err != nil {
		if storage.IsNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tokens: %w", err)
	}

	var t Tokens
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tokens: %w", err)
	}
	return &t, nil
}

// Set replaces the owner's tokens in a single write.
func (s *RedisStore) Set(ctx context.Context, ownerID string, tokens Tokens) error {
	if !tokens.Complete() {
		return errors.New("refusing to store incomplete token set")
	}

	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}

	if err := s.rdb.Client.Set(ctx, s.rdb.Key(storage.KeyTypeTokens, ownerID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store tokens: %w", err)
	}
	return nil
}

// Delete removes the owner's tokens. Unknown owners are ignored.
func (s *RedisStore) Delete(ctx context.Context, ownerID string) error {
	if err := s.rdb.Client.Del(ctx, s.rdb.Key(storage.KeyTypeTokens, ownerID)).Err(); err != nil {
		return fmt.Errorf("failed to delete tokens: %w", err)
	}
	return nil
}
