// Package rediskv is the production kvstore.Store backend, backed by
// github.com/redis/go-redis/v9: bounded dial/read/write timeouts, limited
// retries, SETNX-based claims, and SCAN-based prefix listing over
// heraldwatch's flat dedupe/claim key schema.
package rediskv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store adapts a *redis.Client to kvstore.Store.
type Store struct {
	rdb *redis.Client
}

// Config configures the underlying Redis client connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New constructs a Store against a single Redis node. Timeouts are bounded
// since a hung Redis call would otherwise stall an entire tick past its
// webhook/fetch deadlines.
func New(cfg Config) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return &Store{rdb: rdb}
}

// Close releases the underlying client's connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.rdb.Set(ctx, key, value, 0).Err()
	}
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *Store) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", int64(limit)).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}
