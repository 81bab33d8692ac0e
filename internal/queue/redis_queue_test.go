package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, ""), mr
}

func TestPopReturnsOldestFirst(t *testing.T) {
	q, mr := newQueue(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, q.Push(ctx, &Job{ID: "b", Type: "resolved", IncidentID: "i1", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, q.Push(ctx, &Job{ID: "a", Type: "opened", IncidentID: "i1", CreatedAt: base}))
	assert.True(t, mr.Exists(DefaultKey))

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	first, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", first.ID)

	second, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", second.ID)
	assert.True(t, second.CreatedAt.Equal(base.Add(time.Minute)))
}

func TestPopTimesOutOnEmptyQueue(t *testing.T) {
	q, _ := newQueue(t)

	_, err := q.Pop(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}
