package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is prepended to every key written by RedisStore.
const DefaultRedisPrefix = "wsbridge:policy:"

// RedisStore shares downloaded policy documents between bridge instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store. A zero ttl keeps documents until they are
// flushed.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(gatewayID string, key AttachmentKey) string {
	sum := sha256.Sum256([]byte(key.URI + "\x00" + key.SOAPAction + "\x00" + key.ProxyURI))
	return s.prefix + gatewayID + ":" + hex.EncodeToString(sum[:])
}

func (s *RedisStore) Get(ctx context.Context, gatewayID string, key AttachmentKey) ([]byte, error) {
	doc, err := s.client.Get(ctx, s.key(gatewayID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return doc, nil
}

func (s *RedisStore) Put(ctx context.Context, gatewayID string, key AttachmentKey, doc []byte) error {
	if err := s.client.Set(ctx, s.key(gatewayID, key), doc, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, gatewayID string, key AttachmentKey) error {
	if err := s.client.Del(ctx, s.key(gatewayID, key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
