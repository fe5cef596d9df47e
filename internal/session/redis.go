package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/al-bashkir/sonar-oauth-gateway/internal/storage"
)

// RedisStore keeps sessions in redis so any gateway instance can resolve them.
// Keys expire with the session.
type RedisStore struct {
	rdb    *storage.Redis
	maxAge time.Duration
	now    func() time.Time
}

// NewRedisStore creates a redis-backed session store.
func NewRedisStore(rdb *storage.Redis, maxAge time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, maxAge: maxAge, now: time.Now}
}

// Create creates and persists a new session.
func (s *RedisStore) Create(ctx context.Context) (*Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &Session{
		ID:        sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.maxAge),
	}

	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.rdb.Client.Set(ctx, s.rdb.Key(storage.KeyTypeSession, sessionID), data, s.maxAge).Err(); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	return session, nil
}

// Get loads a session by id.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.rdb.Client.Get(ctx, s.rdb.Key(storage.KeyTypeSession, sessionID)).Bytes()
	if err != nil {
		if storage.IsNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	if s.now().After(session.ExpiresAt) {
		return nil, ErrNotFound
	}

	return &session, nil
}

// Delete removes a session. Unknown ids are ignored.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Client.Del(ctx, s.rdb.Key(storage.KeyTypeSession, sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
