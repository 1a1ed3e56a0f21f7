package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testSessionStore(t *testing.T) *SessionStore {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})

	return NewSessionStore(client, time.Hour)
}

func TestSessionCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := testSessionStore(t)

	id, err := store.Create(ctx, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	session, found, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "user-1", session.UserID)
}

func TestSessionGetUnknownID(t *testing.T) {
	ctx := context.Background()
	store := testSessionStore(t)

	_, found, err := store.Get(ctx, "does-not-exist")
	require.NoError(t, err)
	require.False(t, found)
}

func TestSessionDelete(t *testing.T) {
	ctx := context.Background()
	store := testSessionStore(t)

	id, err := store.Create(ctx, "user-1")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, id))

	_, found, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.False(t, found)
}
