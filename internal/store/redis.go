package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps blobs under namespace:room:<id>.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
}

// NewRedisStore creates a store. A positive ttl expires rooms that are not
// saved again within it.
func NewRedisStore(client redis.UniversalClient, namespace string, ttl time.Duration) *RedisStore {
	if namespace == "" {
		namespace = "chatmemory"
	}
	return &RedisStore{client: client, namespace: namespace, ttl: ttl}
}

func (s *RedisStore) key(roomID string) string {
	return s.namespace + ":room:" + roomID
}

// Load implements RoomStore.
func (s *RedisStore) Load(ctx context.Context, roomID string) ([]byte, error) {
	blob, err := s.client.Get(ctx, s.key(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis load %s: %w", roomID, err)
	}
	return blob, nil
}

// Save implements RoomStore.
func (s *RedisStore) Save(ctx context.Context, roomID string, blob []byte) error {
	if err := ValidateRoomID(roomID); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(roomID), blob, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis save %s: %w", roomID, err)
	}
	return nil
}

// Delete implements RoomStore.
func (s *RedisStore) Delete(ctx context.Context, roomID string) error {
	if err := s.client.Del(ctx, s.key(roomID)).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", roomID, err)
	}
	return nil
}
