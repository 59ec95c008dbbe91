package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/optstream/optstream/internal/metrics"
	"github.com/optstream/optstream/pkg/kv"
	memkv "github.com/optstream/optstream/pkg/kv/memory"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Cache struct {
	// When Redis is available, use client for all operations
	client *redis.Client
	// When Redis is unavailable, fall back to an in-memory kv.Store
	kvStore kv.Store
	// In-memory pubsub hub for when Redis is unavailable
	pubsubHub *PubSubHub

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewCache connects to Redis at addr. An empty addr, or a Redis that does not
// answer a ping, yields an in-memory cache with in-process pub/sub.
func NewCache(addr string, logger *zap.SugaredLogger, metrics *metrics.Metrics) (*Cache, error) {
	if addr == "" {
		return NewMemoryCache(logger, metrics), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     "",
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if logger != nil {
			logger.Warnw("Redis unavailable; using in-memory cache with mock pubsub", "addr", addr, "error", err)
		}
		_ = client.Close()
		return NewMemoryCache(logger, metrics), nil
	}

	return &Cache{
		client:  client,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// NewMemoryCache builds a cache that never touches the network.
func NewMemoryCache(logger *zap.SugaredLogger, metrics *metrics.Metrics) *Cache {
	return &Cache{
		kvStore:   memkv.NewStore(),
		pubsubHub: NewPubSubHub(),
		logger:    logger,
		metrics:   metrics,
	}
}

// Key and channel prefixes
const (
	ChannelPrefix = "optstream:events:"
	LatestPrefix  = "optstream:latest:"
)

// EventChannel is the pub/sub channel carrying one event stream.
func EventChannel(event string) string {
	return ChannelPrefix + event
}

// EventFromChannel reverses EventChannel.
func EventFromChannel(channel string) string {
	return strings.TrimPrefix(channel, ChannelPrefix)
}

// LatestKey holds the most recent payload of a replayable event.
func LatestKey(event string) string {
	return LatestPrefix + event
}

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	// Redis mode
	if c.client != nil {
		val, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				c.metrics.RecordCacheMiss(ctx, key)
				return ErrCacheMiss
			}
			if c.logger != nil {
				c.logger.Errorw("Cache get error", "key", key, "error", err)
			}
			return fmt.Errorf("cache get error: %w", err)
		}
		c.metrics.RecordCacheHit(ctx, key)
		if err := json.Unmarshal(val, dest); err != nil {
			return fmt.Errorf("cache unmarshal error: %w", err)
		}
		return nil
	}

	// In-memory mode via kv.Store
	data, err := c.kvStore.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			c.metrics.RecordCacheMiss(ctx, key)
			return ErrCacheMiss
		}
		return fmt.Errorf("cache get error: %w", err)
	}
	c.metrics.RecordCacheHit(ctx, key)
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache unmarshal error: %w", err)
	}
	return nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}
	if c.client != nil {
		if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
			if c.logger != nil {
				c.logger.Errorw("Cache set error", "key", key, "error", err)
			}
			return fmt.Errorf("cache set error: %w", err)
		}
		return nil
	}
	if err := c.kvStore.Set(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("cache set error: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	if c.client != nil {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			if c.logger != nil {
				c.logger.Errorw("Cache delete error", "keys", keys, "error", err)
			}
			return fmt.Errorf("cache delete error: %w", err)
		}
		return nil
	}
	if _, err := c.kvStore.Del(ctx, keys...); err != nil {
		return fmt.Errorf("cache delete error: %w", err)
	}
	return nil
}

// Latest returns the cached payload of a replayable event.
func (c *Cache) Latest(ctx context.Context, event string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.Get(ctx, LatestKey(event), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// SetLatest stores an event payload without expiry.
func (c *Cache) SetLatest(ctx context.Context, event string, payload json.RawMessage) error {
	return c.Set(ctx, LatestKey(event), payload, 0)
}

// LatestEvents lists the events that have a cached payload.
func (c *Cache) LatestEvents(ctx context.Context) ([]string, error) {
	var keys []string
	if c.client != nil {
		var err error
		keys, err = c.client.Keys(ctx, LatestPrefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("cache keys error: %w", err)
		}
	} else {
		var err error
		keys, err = c.kvStore.Keys(ctx, LatestPrefix)
		if err != nil {
			return nil, fmt.Errorf("cache keys error: %w", err)
		}
	}

	events := make([]string, len(keys))
	for i, k := range keys {
		events[i] = strings.TrimPrefix(k, LatestPrefix)
	}
	return events, nil
}

// ClearLatest removes every cached latest payload and returns how many were
// removed. A restarted service calls it so replay never serves state from a
// previous run.
func (c *Cache) ClearLatest(ctx context.Context) (int, error) {
	events, err := c.LatestEvents(ctx)
	if err != nil {
		return 0, err
	}
	keys := make([]string, len(events))
	for i, e := range events {
		keys[i] = LatestKey(e)
	}
	if err := c.Delete(ctx, keys...); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Publish sends message on channel. json.RawMessage payloads go out unchanged.
func (c *Cache) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("pubsub marshal error: %w", err)
	}

	if c.client != nil {
		if err := c.client.Publish(ctx, channel, data).Err(); err != nil {
			if c.logger != nil {
				c.logger.Errorw("Publish error", "channel", channel, "error", err)
			}
			return fmt.Errorf("pubsub publish error: %w", err)
		}
		return nil
	}

	if c.pubsubHub != nil {
		reached, dropped := c.pubsubHub.Publish(channel, string(data))
		if dropped > 0 {
			c.metrics.RecordPubSubDropped(ctx, channel, dropped)
			if c.logger != nil {
				c.logger.Warnw("Slow subscribers dropped in-memory message",
					"channel", channel,
					"dropped", dropped,
					"subscribers", reached,
				)
			}
		} else if c.logger != nil {
			c.logger.Debugw("Published to in-memory pubsub", "channel", channel, "subscribers", reached)
		}
	}
	return nil
}

func (c *Cache) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if c.client != nil {
		return c.client.Subscribe(ctx, channels...)
	}
	return nil
}

// SubscribeInMemory subscribes to channels using the in-memory pubsub hub
func (c *Cache) SubscribeInMemory(ctx context.Context, channels ...string) *MockPubSub {
	if c.pubsubHub != nil {
		return c.pubsubHub.Subscribe(ctx, channels...)
	}
	return nil
}

// Listen subscribes to channels on whichever backend is active and forwards
// every message until ctx is done or the subscription ends.
func (c *Cache) Listen(ctx context.Context, channels []string, handle func(channel, payload string)) error {
	if pubsub := c.Subscribe(ctx, channels...); pubsub != nil {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-ch:
				if !ok {
					return closedErr(ctx)
				}
				handle(msg.Channel, msg.Payload)
			}
		}
	}

	mock := c.SubscribeInMemory(ctx, channels...)
	if mock == nil {
		return ErrSubscriptionClosed
	}
	defer mock.Close()
	ch := mock.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return closedErr(ctx)
			}
			handle(msg.Channel, msg.Payload)
		}
	}
}

func closedErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrSubscriptionClosed
}

// IsInMemoryMode returns true if the cache is running in in-memory mode
func (c *Cache) IsInMemoryMode() bool {
	return c.client == nil
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	if c.client != nil {
		return c.client.Ping(ctx).Err()
	}
	return c.kvStore.Ping(ctx)
}

func (c *Cache) Close() error {
	var err error
	if c.client != nil {
		err = c.client.Close()
	}
	if c.kvStore != nil {
		if closeErr := c.kvStore.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

// Error types
var (
	ErrCacheMiss          = errors.New("cache miss")
	ErrSubscriptionClosed = errors.New("subscription closed")
)
