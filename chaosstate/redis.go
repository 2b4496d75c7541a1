package chaosstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/darwin-demo/store/observability"
)

// DefaultRedisKey holds the shared state when STATE_BACKEND=redis.
const DefaultRedisKey = "darwin:chaos:state"

// RedisStore keeps the chaos state in a single Redis key. Update uses an
// optimistic WATCH/MULTI transaction, so a concurrent writer aborts the cycle
// instead of being silently overwritten; the cycle is then retried with the
// same bounded policy as FileStore.
type RedisStore struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       addr,
		Password:   password,
		DB:         db,
		MaxRetries: 3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	return NewRedisStoreWithClient(client, DefaultRedisKey), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key, now: time.Now}
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeState(data []byte) (State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		observability.StateStoreCorruptReads.WithLabelValues("redis").Inc()
		return State{}, err
	}
	return st, nil
}

func (s *RedisStore) readOnce(ctx context.Context) (State, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Default(), nil
	}
	if err != nil {
		return State{}, err
	}
	return decodeState(data)
}

// Read returns the stored state, or defaults when absent or unreadable.
func (s *RedisStore) Read(ctx context.Context) State {
	return readWithRetry(ctx, "redis", func() (State, error) { return s.readOnce(ctx) })
}

// Write replaces the stored state.
func (s *RedisStore) Write(ctx context.Context, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return s.client.Set(ctx, s.key, data, 0).Err()
}

// Update applies fn inside a WATCH transaction on the state key.
func (s *RedisStore) Update(ctx context.Context, fn func(*State)) (State, error) {
	var result State
	cycle := func() (State, error) {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			st := Default()
			data, err := tx.Get(ctx, s.key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				// Corrupt value degrades to defaults, same as FileStore.
				if decoded, derr := decodeState(data); derr == nil {
					st = decoded
				}
			}
			fn(&st)

			encoded, err := json.Marshal(st)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.key, encoded, 0)
				return nil
			})
			if err == nil {
				result = st
			}
			return err
		}, s.key)
		return result, err
	}
	write := func(st State) error { return s.Write(ctx, st) }
	return updateWithRetry(ctx, "redis", cycle, write, fn)
}

// RecordRequest counts one request outcome into the rolling window.
func (s *RedisStore) RecordRequest(ctx context.Context, isError bool) error {
	now := s.now()
	_, err := s.Update(ctx, func(st *State) { st.Record(now, isError) })
	if err != nil {
		log.Printf("[STATE] Failed to record request outcome in Redis: %v", err)
	}
	return err
}
