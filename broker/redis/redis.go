// Package redis provides a broker.Broker backed by Redis Streams, allowing
// several nodes to share one notification fan-out.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-streamable-rpc/broker"
)

const (
	defaultKeyPrefix = "mcp:broker:"
	readBlock        = time.Second
	readCount        = 16
)

// Broker is a Redis Streams implementation of broker.Broker. Every namespace
// maps to one stream; subscribers read it with XREAD so each of them sees
// every message.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	owned     bool
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, one is created for Addr.
	Client redis.UniversalClient
	// Addr is used when Client is nil.
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix is prepended to all keys used by the broker.
	KeyPrefix string `env:"BROKER_KEY_PREFIX,default=mcp:broker:"`
	// MaxLen approximately caps each stream. Zero disables trimming.
	MaxLen int64 `env:"BROKER_MAX_LEN,default=10000"`
}

// New creates a new Redis-based broker instance.
func New(cfg Config) *Broker {
	b := &Broker{
		client:    cfg.Client,
		keyPrefix: cfg.KeyPrefix,
		maxLen:    cfg.MaxLen,
	}
	if b.client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		b.client = redis.NewClient(&redis.Options{Addr: addr})
		b.owned = true
	}
	if b.keyPrefix == "" {
		b.keyPrefix = defaultKeyPrefix
	}
	return b
}

// NewFromEnv builds a broker from REDIS_ADDR, BROKER_KEY_PREFIX and
// BROKER_MAX_LEN and checks connectivity.
func NewFromEnv(ctx context.Context) (*Broker, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis broker config: %w", err)
	}
	b := New(cfg)
	if err := b.client.Ping(ctx).Err(); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}
	return b, nil
}

// Close closes the Redis connection if the broker created it.
func (b *Broker) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, namespace string, data []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: b.streamKey(namespace),
		Values: map[string]any{"data": data},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	eventID, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", args.Stream, err)
	}
	return eventID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string, handler broker.MessageHandler) error {
	streamKey := b.streamKey(namespace)

	startID, err := b.startID(ctx, streamKey, lastEventID)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, startID},
			Count:   readCount,
			Block:   readBlock,
		}).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("failed to read from stream %s: %w", streamKey, err)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				startID = message.ID
				data, ok := message.Values["data"].(string)
				if !ok {
					continue
				}
				if err := handler(ctx, broker.MessageEnvelope{ID: message.ID, Data: []byte(data)}); err != nil {
					return err
				}
			}
		}
	}
}

// startID resolves the position to read after. An empty lastEventID is
// pinned to the current tail so nothing published after this call is missed
// between blocking reads.
func (b *Broker) startID(ctx context.Context, streamKey, lastEventID string) (string, error) {
	if lastEventID == "" {
		msgs, err := b.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("failed to read tail of stream %s: %w", streamKey, err)
		}
		if len(msgs) == 0 {
			return "0-0", nil
		}
		return msgs[0].ID, nil
	}

	msgs, err := b.client.XRangeN(ctx, streamKey, lastEventID, lastEventID, 1).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", broker.ErrEventNotFound, lastEventID, err)
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("%w: %q in stream %s", broker.ErrEventNotFound, lastEventID, streamKey)
	}
	return lastEventID, nil
}

// Cleanup implements broker.Broker. Subscribers blocked on the stream keep
// waiting until their context ends.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	streamKey := b.streamKey(namespace)
	if err := b.client.Del(ctx, streamKey).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup namespace %s: %w", namespace, err)
	}
	return nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

var _ broker.Broker = (*Broker)(nil)
