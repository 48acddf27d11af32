package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gateflow/gateflow/types"
)

const (
	definitionPrefix = "gateflow:definition:"
	runPrefix        = "gateflow:run:"
)

// RedisStore is the Redis-backed Store implementation.
type RedisStore struct {
	client *redis.Client
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// set marshals value and writes it under key.
func (s *RedisStore) set(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
		return nil
	})
}

// get reads and unmarshals the value under key, mapping redis.Nil to notFound.
func get[T any](ctx context.Context, client *redis.Client, key string, notFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", notFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("get %s: %w", key, err)
		}

		var out T
		if err := json.Unmarshal(data, &out); err != nil {
			return zero, fmt.Errorf("unmarshal %s: %w", key, err)
		}
		return out, nil
	})
}

// scan reads every value under prefix.
func scan[T any](ctx context.Context, client *redis.Client, prefix string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		keys, err := client.Keys(ctx, prefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}

		out := make([]T, 0, len(keys))
		for _, key := range keys {
			data, err := client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return nil, fmt.Errorf("get %s: %w", key, err)
			}
			var item T
			if err := json.Unmarshal(data, &item); err != nil {
				return nil, fmt.Errorf("unmarshal %s: %w", key, err)
			}
			out = append(out, item)
		}
		return out, nil
	})
}

// SaveDefinition saves a workflow definition to Redis.
func (s *RedisStore) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return s.set(ctx, definitionPrefix+def.Name, def)
}

// GetDefinition retrieves a workflow definition from Redis.
func (s *RedisStore) GetDefinition(ctx context.Context, name string) (types.WorkflowDefinition, error) {
	return get[types.WorkflowDefinition](ctx, s.client, definitionPrefix+name, ErrDefinitionNotFound)
}

// ListByTrigger returns definitions whose trigger matches kind.
func (s *RedisStore) ListByTrigger(ctx context.Context, kind types.EventKind) ([]types.WorkflowDefinition, error) {
	defs, err := scan[types.WorkflowDefinition](ctx, s.client, definitionPrefix)
	if err != nil {
		return nil, err
	}
	matched := defs[:0]
	for _, def := range defs {
		if def.Trigger == kind {
			matched = append(matched, def)
		}
	}
	return matched, nil
}

// SaveRun saves a workflow run to Redis.
func (s *RedisStore) SaveRun(ctx context.Context, run types.WorkflowRun) error {
	return s.set(ctx, fmt.Sprintf("%s%d", runPrefix, run.ID), run)
}

// GetRun retrieves a workflow run from Redis.
func (s *RedisStore) GetRun(ctx context.Context, id uint64) (types.WorkflowRun, error) {
	return get[types.WorkflowRun](ctx, s.client, fmt.Sprintf("%s%d", runPrefix, id), ErrRunNotFound)
}

// ListRuns returns every stored run.
func (s *RedisStore) ListRuns(ctx context.Context) ([]types.WorkflowRun, error) {
	return scan[types.WorkflowRun](ctx, s.client, runPrefix)
}

// SaveDefinitions saves multiple definitions using pipelining.
func (s *RedisStore) SaveDefinitions(ctx context.Context, defs []types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		for _, def := range defs {
			data, err := json.Marshal(def)
			if err != nil {
				return fmt.Errorf("marshal definition %s: %w", def.Name, err)
			}
			pipe.Set(ctx, definitionPrefix+def.Name, data, 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("pipeline definitions: %w", err)
		}
		return nil
	})
}

// PruneTerminal removes runs that reached a terminal state and reports
// how many were removed.
func (s *RedisStore) PruneTerminal(ctx context.Context) (int, error) {
	return withContext(ctx, func() (int, error) {
		runs, err := scan[types.WorkflowRun](ctx, s.client, runPrefix)
		if err != nil {
			return 0, err
		}

		pipe := s.client.Pipeline()
		pruned := 0
		for _, run := range runs {
			if types.IsTerminalState(run.State) {
				pipe.Del(ctx, fmt.Sprintf("%s%d", runPrefix, run.ID))
				pruned++
			}
		}
		if pruned == 0 {
			return 0, nil
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("pipeline prune: %w", err)
		}
		return pruned, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
