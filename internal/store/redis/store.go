// Package redis backs the response store with Redis so multiple proxy
// instances can share beacon results.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vizbridge/vizbridge/internal/domain"
	"github.com/vizbridge/vizbridge/internal/store"
)

const keyPrefix = "vizbridge:response:"

// Store is a Redis implementation of store.ResponseStore. Expiry rides on the
// key TTL; the destructive read is GETDEL, which Redis executes atomically.
type Store struct {
	client *goredis.Client
	ttl    time.Duration
}

var _ store.ResponseStore = (*Store)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &Store{client: client, ttl: store.TTL}, nil
}

func key(sessionID string) string {
	return keyPrefix + sessionID
}

func (s *Store) Put(ctx context.Context, sessionID string, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := s.client.Set(ctx, key(sessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store response: %w", err)
	}
	return nil
}

func (s *Store) Take(ctx context.Context, sessionID string) (domain.Envelope, bool, error) {
	data, err := s.client.GetDel(ctx, key(sessionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.Envelope{}, false, nil
	}
	if err != nil {
		return domain.Envelope{}, false, fmt.Errorf("failed to take response: %w", err)
	}

	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.Envelope{}, false, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return env, true, nil
}

func (s *Store) Len(ctx context.Context) (int, error) {
	count := 0
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan responses: %w", err)
	}
	return count, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
