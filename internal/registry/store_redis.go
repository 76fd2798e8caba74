package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures RedisRecordStore.
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	TTL       int    `mapstructure:"ttl"` // seconds
}

// RedisRecordStore is a Redis-backed implementation of RecordStore.
// Records expire after the TTL so that a crashed instance does not leave
// sessions behind forever.
type RedisRecordStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisRecordStore creates a new Redis-backed record store.
func NewRedisRecordStore(cfg RedisConfig) (*RedisRecordStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisRecordStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		ttl:       time.Duration(cfg.TTL) * time.Second,
	}, nil
}

func (s *RedisRecordStore) key(id string) string {
	return s.keyPrefix + id
}

// Save stores or updates a record.
func (s *RedisRecordStore) Save(ctx context.Context, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if err := s.client.Set(ctx, s.key(record.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save record to redis: %w", err)
	}
	return nil
}

// Get retrieves a record. Returns nil if it does not exist.
func (s *RedisRecordStore) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get record from redis: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &record, nil
}

// Delete removes a record.
func (s *RedisRecordStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete record from redis: %w", err)
	}
	return nil
}

// List returns all records under the key prefix.
func (s *RedisRecordStore) List(ctx context.Context) ([]*Record, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan record keys: %w", err)
	}

	if len(keys) == 0 {
		return []*Record{}, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get records: %w", err)
	}

	result := make([]*Record, 0, len(values))
	for _, val := range values {
		data, ok := val.(string)
		if !ok {
			continue
		}

		var record Record
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			continue
		}
		result = append(result, &record)
	}
	return result, nil
}

// Close closes the Redis client connection.
func (s *RedisRecordStore) Close() error {
	return s.client.Close()
}

// Ensure RedisRecordStore implements RecordStore interface
var _ RecordStore = (*RedisRecordStore)(nil)
