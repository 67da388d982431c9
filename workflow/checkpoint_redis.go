package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCheckpointOptions configures the Redis-backed store.
type RedisCheckpointOptions struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix defaults to "flowline:".
	KeyPrefix string
	// TTL expires stale checkpoints; zero keeps them forever.
	TTL time.Duration
}

// RedisCheckpointStore persists checkpoints in Redis. Suitable for
// deployments where runs may resume on a different host.
type RedisCheckpointStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisCheckpointStore connects to Redis and verifies the connection.
func NewRedisCheckpointStore(opts RedisCheckpointOptions) (*RedisCheckpointStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "flowline:"
	}
	return &RedisCheckpointStore{
		client:    client,
		keyPrefix: prefix + "checkpoint:",
		ttl:       opts.TTL,
	}, nil
}

// NewRedisCheckpointStoreFromClient wraps an existing client. Used by tests
// and callers that manage the connection themselves.
func NewRedisCheckpointStoreFromClient(client *redis.Client, keyPrefix string) *RedisCheckpointStore {
	if keyPrefix == "" {
		keyPrefix = "flowline:"
	}
	return &RedisCheckpointStore{client: client, keyPrefix: keyPrefix + "checkpoint:"}
}

// Close closes the underlying client.
func (s *RedisCheckpointStore) Close() error { return s.client.Close() }

// Ping checks store health.
func (s *RedisCheckpointStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisCheckpointStore) key(workflow string) string {
	return s.keyPrefix + workflow
}

func (s *RedisCheckpointStore) LoadLatest(ctx context.Context, workflow string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.key(workflow)).Bytes()
	if err == redis.Nil {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *RedisCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, s.key(cp.WorkflowName), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *RedisCheckpointStore) Clear(ctx context.Context, workflow string) error {
	if err := s.client.Del(ctx, s.key(workflow)).Err(); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}
