// Package redislog provides a Redis-backed eventlog.Store for deployments
// where more than one process serves the same endpoint behind a load
// balancer. Ids are allocated with INCR and events are kept in a sorted set
// scored by id, trimmed to the configured capacity so the retention contract
// matches the in-memory ring buffer.
package redislog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/sergiobayona/vector-mcp/eventlog"
)

// Config for the Redis-backed event log. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTLOG_KEY_PREFIX
	KeyPrefix string `env:"EVENTLOG_KEY_PREFIX,default=mcp:eventlog:"`
	// Capacity bounds retained events per log. ENV: EVENTLOG_CAPACITY
	Capacity int `env:"EVENTLOG_CAPACITY,default=1024"`
}

// Log implements eventlog.Store on Redis. Each Log instance owns one logical
// stream, named at construction time (typically the session id).
type Log struct {
	client   *redis.Client
	name     string
	prefix   string
	capacity int
}

var _ eventlog.Store = (*Log)(nil)

type record struct {
	ID   uint64 `json:"id"`
	Type string `json:"type"`
	Data []byte `json:"data"`
}

// New constructs a Log for the named stream.
func New(cfg Config, name string) (*Log, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:eventlog:"
	}
	capacity := cfg.Capacity
	if capacity < 1 {
		capacity = eventlog.DefaultCapacity
	}
	return &Log{client: cl, name: name, prefix: prefix, capacity: capacity}, nil
}

// NewFromEnv builds a Log using envdecode to populate Config.
func NewFromEnv(name string) (*Log, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg, name)
}

// Close closes the Redis client.
func (l *Log) Close() error { return l.client.Close() }

func (l *Log) counterKey() string { return l.prefix + "seq:" + l.name }
func (l *Log) eventsKey() string  { return l.prefix + "events:" + l.name }

// Append implements eventlog.Store.
func (l *Log) Append(ctx context.Context, eventType string, data []byte) (eventlog.Event, error) {
	id, err := l.client.Incr(ctx, l.counterKey()).Result()
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("allocate event id: %w", err)
	}

	rec := record{ID: uint64(id), Type: eventType, Data: data}
	payload, err := json.Marshal(rec)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("encode event: %w", err)
	}

	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, l.eventsKey(), redis.Z{Score: float64(id), Member: payload})
	// Trim to capacity: drop the lowest-ranked (oldest) members beyond it.
	pipe.ZRemRangeByRank(ctx, l.eventsKey(), 0, int64(-(l.capacity + 1)))
	if _, err := pipe.Exec(ctx); err != nil {
		return eventlog.Event{}, fmt.Errorf("store event: %w", err)
	}

	return eventlog.Event{ID: uint64(id), Type: eventType, Data: data}, nil
}

// After implements eventlog.Store.
func (l *Log) After(ctx context.Context, afterID uint64) ([]eventlog.Event, error) {
	members, err := l.client.ZRangeByScore(ctx, l.eventsKey(), &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", afterID),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range events: %w", err)
	}

	out := make([]eventlog.Event, 0, len(members))
	for _, m := range members {
		var rec record
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			// Skip undecodable members rather than failing the replay.
			continue
		}
		out = append(out, eventlog.Event{ID: rec.ID, Type: rec.Type, Data: rec.Data})
	}
	return out, nil
}

// Exists implements eventlog.Store.
func (l *Log) Exists(ctx context.Context, id uint64) (bool, error) {
	n, err := l.client.ZCount(ctx, l.eventsKey(), fmt.Sprintf("%d", id), fmt.Sprintf("%d", id)).Result()
	if err != nil {
		return false, fmt.Errorf("count events: %w", err)
	}
	return n > 0, nil
}

// Len implements eventlog.Store.
func (l *Log) Len(ctx context.Context) (int, error) {
	n, err := l.client.ZCard(ctx, l.eventsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("card events: %w", err)
	}
	return int(n), nil
}

// Destroy removes all keys belonging to this log. Called when the owning
// session is terminated.
func (l *Log) Destroy(ctx context.Context) error {
	c := context.WithoutCancel(ctx)
	if err := l.client.Del(c, l.counterKey(), l.eventsKey()).Err(); err != nil {
		return fmt.Errorf("delete log keys: %w", err)
	}
	return nil
}
