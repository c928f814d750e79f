package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// These tests need live infrastructure and skip when it is not reachable.

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}

	runStoreSuite(t, func(t *testing.T) Store {
		require.NoError(t, client.FlushDB(context.Background()).Err())
		return NewRedis(client)
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	s, err := OpenPostgres(dsn)
	require.NoError(t, err)

	runStoreSuite(t, func(t *testing.T) Store {
		require.NoError(t, s.db.Exec("TRUNCATE TABLE jobs").Error)
		return s
	})
}
