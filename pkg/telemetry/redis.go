package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/itohio/icumon/pkg/config"
	"github.com/itohio/icumon/pkg/controller"
	"github.com/redis/go-redis/v9"
)

// Redis keys.
const (
	SnapshotKey = "icumon:snapshot"
	HistoryKey  = "icumon:history"
)

// ErrNoSnapshot is returned when no snapshot has been cached yet.
var ErrNoSnapshot = errors.New("telemetry: no snapshot")

// Redis caches the latest snapshot and a capped history list.
type Redis struct {
	client  *redis.Client
	ttl     time.Duration
	history int64
}

var _ controller.Publisher = (*Redis)(nil)

// NewRedis connects to the redis server described by cfg.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: 3,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisWithClient(client, cfg.TTL, cfg.History), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, ttl time.Duration, history int64) *Redis {
	if history <= 0 {
		history = 1
	}
	return &Redis{client: client, ttl: ttl, history: history}
}

// Publish stores s as the latest snapshot and prepends it to the history.
func (r *Redis) Publish(ctx context.Context, s controller.Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, SnapshotKey, data, r.ttl)
	pipe.LPush(ctx, HistoryKey, data)
	pipe.LTrim(ctx, HistoryKey, 0, r.history-1)
	if r.ttl > 0 {
		pipe.Expire(ctx, HistoryKey, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// Latest returns the cached snapshot.
func (r *Redis) Latest(ctx context.Context) (controller.Snapshot, error) {
	var s controller.Snapshot
	data, err := r.client.Get(ctx, SnapshotKey).Bytes()
	if err == redis.Nil {
		return s, ErrNoSnapshot
	}
	if err != nil {
		return s, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return s, nil
}

// History returns up to n snapshots, newest first.
func (r *Redis) History(ctx context.Context, n int64) ([]controller.Snapshot, error) {
	if n <= 0 {
		return nil, nil
	}
	items, err := r.client.LRange(ctx, HistoryKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}

	out := make([]controller.Snapshot, 0, len(items))
	for _, item := range items {
		var s controller.Snapshot
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Close closes the redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
