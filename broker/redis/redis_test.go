package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-streamable-rpc/broker"
	"github.com/ggoodman/mcp-streamable-rpc/broker/brokertest"
	"github.com/ggoodman/mcp-streamable-rpc/broker/redis"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisBroker(t *testing.T) {
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		_, client := newClient(t)
		return redis.New(redis.Config{Client: client, KeyPrefix: "test:broker:"})
	})
}

func TestPublishUsesKeyPrefix(t *testing.T) {
	mr, client := newClient(t)
	b := redis.New(redis.Config{Client: client, KeyPrefix: "p:"})

	_, err := b.Publish(context.Background(), "ns", []byte(`{"jsonrpc":"2.0","method":"x"}`))
	require.NoError(t, err)
	require.True(t, mr.Exists("p:stream:ns"))

	require.NoError(t, b.Cleanup(context.Background(), "ns"))
	require.False(t, mr.Exists("p:stream:ns"))
}

func TestNewFromEnv(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("BROKER_KEY_PREFIX", "env:")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := redis.NewFromEnv(ctx)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Publish(ctx, "ns", []byte(`{}`))
	require.NoError(t, err)
	require.True(t, mr.Exists("env:stream:ns"))
}

func TestNewFromEnvUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()
	t.Setenv("REDIS_ADDR", addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = redis.NewFromEnv(ctx)
	require.Error(t, err)
}
