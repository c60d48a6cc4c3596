package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Storage.Get for an absent key.
var ErrNotFound = errors.New("reconcile: key not found")

// Storage keeps client state between runs. A zero ttl means no expiry.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RedisStorage stores client state in Redis.
type RedisStorage struct {
	R redis.UniversalClient
}

func (s RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.R.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s RedisStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.R.Set(ctx, key, value, ttl).Err()
}

func (s RedisStorage) Delete(ctx context.Context, key string) error {
	return s.R.Del(ctx, key).Err()
}

// SessionKey is the durable key holding the checkout snapshot.
func SessionKey(sessionID string) string {
	return "checkout:" + sessionID + ":session"
}

// PaymentKey is the short-lived key holding the pending payment.
func PaymentKey(sessionID string) string {
	return "checkout:" + sessionID + ":payment"
}
