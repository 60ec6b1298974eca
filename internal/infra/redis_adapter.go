// Package infra provides the concrete Redis adapter behind the storage and
// bus interfaces. It wraps go-redis v9 and implements bus.StreamClient,
// vcache.KV, and tracking.ListStore. If Redis is unreachable at startup the
// server falls back to the in-memory implementations in main.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veriscan/backend/internal/bus"
)

// GoRedisAdapter wraps go-redis v9 behind the minimal interfaces the core
// components expect. One connection pool serves streams, cache, and tracking.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// Options configures the Redis connection.
type Options struct {
	Addr           string
	Password       string
	DB             int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// NewGoRedisAdapter connects and pings. The caller decides whether a
// connection failure means fallback or fatal.
func NewGoRedisAdapter(opts Options) (*GoRedisAdapter, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.ConnectTimeout,
		ReadTimeout:  opts.CommandTimeout,
		WriteTimeout: opts.CommandTimeout,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("[Infra] Redis connected", "addr", opts.Addr, "db", opts.DB)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// =============================================================================
// bus.StreamClient implementation
// =============================================================================

func (a *GoRedisAdapter) Add(ctx context.Context, stream string, values map[string]string) (string, error) {
	ifaces := make(map[string]interface{}, len(values))
	for k, v := range values {
		ifaces[k] = v
	}
	return a.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: ifaces,
	}).Result()
}

func (a *GoRedisAdapter) CreateGroup(ctx context.Context, stream, group string) error {
	err := a.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return bus.ErrGroupExists
	}
	return err
}

func (a *GoRedisAdapter) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]bus.Message, error) {
	res, err := a.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []bus.Message
	for _, str := range res {
		for _, xmsg := range str.Messages {
			values := make(map[string]string, len(xmsg.Values))
			for k, v := range xmsg.Values {
				if s, ok := v.(string); ok {
					values[k] = s
				} else {
					values[k] = fmt.Sprint(v)
				}
			}
			msgs = append(msgs, bus.Message{ID: xmsg.ID, Stream: str.Stream, Values: values})
		}
	}
	return msgs, nil
}

func (a *GoRedisAdapter) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return a.rdb.XAck(ctx, stream, group, ids...).Err()
}

func (a *GoRedisAdapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

// =============================================================================
// vcache.KV implementation
// =============================================================================

func (a *GoRedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (a *GoRedisAdapter) Size(ctx context.Context) (int, error) {
	n, err := a.rdb.DBSize(ctx).Result()
	return int(n), err
}

// =============================================================================
// tracking.ListStore implementation
// =============================================================================

func (a *GoRedisAdapter) RPush(ctx context.Context, key string, value []byte) error {
	return a.rdb.RPush(ctx, key, value).Err()
}

func (a *GoRedisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return a.rdb.Expire(ctx, key, ttl).Err()
}

func (a *GoRedisAdapter) LRange(ctx context.Context, key string) ([][]byte, error) {
	vals, err := a.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}
