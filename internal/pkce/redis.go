package pkce

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/al-bashkir/sonar-oauth-gateway/internal/storage"
)

// RedisStore keeps entries in redis so the callback may land on any instance.
type RedisStore struct {
	opts options
	rdb  *storage.Redis
}

// NewRedisStore creates a redis-backed store. Keys carry the entry TTL.
func NewRedisStore(rdb *storage.Redis, opts ...Option) *RedisStore {
	return &RedisStore{opts: newOptions(opts), rdb: rdb}
}

// Put stores an entry, replacing any entry under the same state.
func (s *RedisStore) Put(ctx context.Context, state, ownerID, codeVerifier string) error {
	data, err := json.Marshal(s.opts.newEntry(ownerID, codeVerifier))
	if err != nil {
		return fmt.Errorf("failed to marshal pkce entry: %w", err)
	}

	if err := s.rdb.Client.Set(ctx, s.rdb.Key(storage.KeyTypePKCE, state), data, s.opts.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store pkce entry: %w", err)
	}
	return nil
}

// Get loads the entry for state.
func (s *RedisStore) Get(ctx context.Context, state string) (*Entry, error) {
	data, err := s.rdb.Client.Get(ctx, s.rdb.Key(storage.KeyTypePKCE, state)).Bytes()
	if err != nil {
		if storage.IsNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pkce entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pkce entry: %w", err)
	}

	if s.opts.expired(&entry) {
		if err := s.Clear(ctx, state); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	return &entry, nil
}

// Clear removes the entry for state. Unknown states are ignored.
func (s *RedisStore) Clear(ctx context.Context, state string) error {
	if err := s.rdb.Client.Del(ctx, s.rdb.Key(storage.KeyTypePKCE, state)).Err(); err != nil {
		return fmt.Errorf("failed to delete pkce entry: %w", err)
	}
	return nil
}
