package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/authgate/pkg/storage"
)

// StateStore holds anti-forgery state records with a TTL
type StateStore struct {
	client redis.UniversalClient
	prefix string
}

// NewStateStore creates a state store. prefix defaults to "state".
func NewStateStore(client redis.UniversalClient, prefix string) *StateStore {
	if prefix == "" {
		prefix = "state"
	}
	return &StateStore{client: client, prefix: prefix}
}

func (s *StateStore) key(token string) string {
	return s.prefix + ":" + token
}

// Put stores data under token, failing if the token is already in use
func (s *StateStore) Put(ctx context.Context, token string, data []byte, ttl time.Duration) error {
	ok, err := s.client.SetNX(ctx, s.key(token), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return storage.ErrConflict
	}
	return nil
}

// Take atomically reads and deletes the record for token
func (s *StateStore) Take(ctx context.Context, token string) ([]byte, error) {
	data, err := s.client.GetDel(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis getdel failed: %w", err)
	}
	return data, nil
}
