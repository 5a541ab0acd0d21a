package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"mallku/internal/docstore"
	"mallku/internal/docstore/docstoretest"
)

func TestRedisDatabase(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	suite.Run(t, &docstoretest.Suite{
		NewDatabase: func() docstore.Database {
			mr.FlushAll()
			return New(client)
		},
	})
}

func TestPrefixIsolatesDatabases(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := t.Context()

	a := New(client, WithPrefix("tenant-a"))
	b := New(client, WithPrefix("tenant-b"))
	_, err := a.CreateCollection(ctx, "activities")
	require.NoError(t, err)

	ok, err := b.HasCollection(ctx, "activities")
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, mr.Exists("tenant-a:collections"))
}
