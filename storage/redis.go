package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Kevin-Kurka/Debo-sub000/types"
)

const (
	definitionPrefix = "workflow:definition:"
	executionPrefix  = "workflow:execution:"
	approvalPrefix   = "workflow:approval:"
	checkpointPrefix = "workflow:checkpoint:"
)

// RedisStore is a Redis-backed implementation of the Store interface. Records
// are stored as JSON under a per-entity key prefix with the retention TTLs
// declared in this package.
type RedisStore struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with the subset of knobs the engine
// cares about.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
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
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStore{client: client}, nil
}

// saveRecord marshals a record and writes it under prefix+id with a TTL.
func (s *RedisStore) saveRecord(ctx context.Context, prefix, id string, value interface{}, ttl time.Duration) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s%s: %v", prefix, id, err)
		}
		key := prefix + id
		if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// getRecord retrieves and unmarshals a record stored under prefix+id.
func getRecord[T any](ctx context.Context, client *redis.Client, prefix, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		key := prefix + id
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// SaveDefinition saves a workflow definition with the definition TTL.
func (s *RedisStore) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return s.saveRecord(ctx, definitionPrefix, def.ID, def, DefinitionTTL)
}

// GetDefinition retrieves a workflow definition.
func (s *RedisStore) GetDefinition(ctx context.Context, id string) (types.WorkflowDefinition, error) {
	return getRecord[types.WorkflowDefinition](ctx, s.client, definitionPrefix, id, ErrDefinitionNotFound)
}

// SaveExecution saves an execution with the execution TTL.
func (s *RedisStore) SaveExecution(ctx context.Context, exec types.WorkflowExecution) error {
	return s.saveRecord(ctx, executionPrefix, exec.ID, exec, ExecutionTTL)
}

// GetExecution retrieves an execution.
func (s *RedisStore) GetExecution(ctx context.Context, id string) (types.WorkflowExecution, error) {
	return getRecord[types.WorkflowExecution](ctx, s.client, executionPrefix, id, ErrExecutionNotFound)
}

// ListExecutions enumerates executions by key prefix and filters in-process.
func (s *RedisStore) ListExecutions(ctx context.Context, workflowID string, statuses ...string) ([]types.WorkflowExecution, error) {
	return withContext(ctx, func() ([]types.WorkflowExecution, error) {
		keys, err := s.client.Keys(ctx, executionPrefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution keys: %v", err)
		}

		var out []types.WorkflowExecution
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return nil, fmt.Errorf("failed to get %s: %v", key, err)
			}

			var exec types.WorkflowExecution
			if err := json.Unmarshal(data, &exec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}
			if workflowID != "" && exec.WorkflowID != workflowID {
				continue
			}
			if !statusMatch(exec.Status, statuses) {
				continue
			}
			out = append(out, exec)
		}
		return out, nil
	})
}

// SaveApproval saves an approval request with the approval TTL.
func (s *RedisStore) SaveApproval(ctx context.Context, req types.ApprovalRequest) error {
	return s.saveRecord(ctx, approvalPrefix, req.ID, req, ApprovalTTL)
}

// GetApproval retrieves an approval request.
func (s *RedisStore) GetApproval(ctx context.Context, id string) (types.ApprovalRequest, error) {
	return getRecord[types.ApprovalRequest](ctx, s.client, approvalPrefix, id, ErrApprovalNotFound)
}

// SaveCheckpoint saves a checkpoint with the checkpoint TTL.
func (s *RedisStore) SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error {
	return s.saveRecord(ctx, checkpointPrefix, cp.ID, cp, CheckpointTTL)
}

// GetCheckpoint retrieves a checkpoint.
func (s *RedisStore) GetCheckpoint(ctx context.Context, id string) (types.Checkpoint, error) {
	return getRecord[types.Checkpoint](ctx, s.client, checkpointPrefix, id, ErrCheckpointNotFound)
}

// SaveDefinitions saves multiple definitions using pipelining.
func (s *RedisStore) SaveDefinitions(ctx context.Context, defs []types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		for _, def := range defs {
			data, err := json.Marshal(def)
			if err != nil {
				return fmt.Errorf("failed to marshal definition %s: %v", def.ID, err)
			}
			pipe.Set(ctx, definitionPrefix+def.ID, data, DefinitionTTL)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for definitions: %v", err)
		}
		return nil
	})
}

// ClearFinished removes completed and failed executions.
func (s *RedisStore) ClearFinished(ctx context.Context) error {
	return withContextError(ctx, func() error {
		keys, err := s.client.Keys(ctx, executionPrefix+"*").Result()
		if err != nil {
			return fmt.Errorf("failed to scan execution keys: %v", err)
		}
		if len(keys) == 0 {
			return nil
		}

		pipe := s.client.Pipeline()
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return fmt.Errorf("failed to get %s: %v", key, err)
			}

			var exec types.WorkflowExecution
			if err := json.Unmarshal(data, &exec); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}
			if exec.Status == types.StatusCompleted || exec.Status == types.StatusFailed {
				pipe.Del(ctx, key)
			}
		}

		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %v", err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
