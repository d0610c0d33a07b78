package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	existing  int64
	existsErr error
	setErr    error

	lastExistsKey string
	lastSetKey    string
	lastTTL       time.Duration
}

func (f *fakeRedis) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	f.lastExistsKey = keys[0]
	if f.existsErr != nil {
		cmd := redis.NewIntCmd(context.Background())
		cmd.SetErr(f.existsErr)
		return cmd
	}
	return redis.NewIntResult(f.existing, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, _ interface{}, expiration time.Duration) *redis.StatusCmd {
	f.lastSetKey = key
	f.lastTTL = expiration
	if f.setErr != nil {
		cmd := redis.NewStatusCmd(context.Background())
		cmd.SetErr(f.setErr)
		return cmd
	}
	return redis.NewStatusResult("OK", nil)
}

func TestGuardUnseenKey(t *testing.T) {
	client := &fakeRedis{existing: 0}
	guard := NewGuard(client, time.Hour)

	seen, err := guard.Seen(context.Background(), "courier:seen:notification:n1")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.Equal(t, "courier:seen:notification:n1", client.lastExistsKey)
}

func TestGuardSeenAfterMark(t *testing.T) {
	client := &fakeRedis{}
	guard := NewGuard(client, time.Hour)

	require.NoError(t, guard.MarkSeen(context.Background(), "courier:seen:notification:n1"))
	assert.Equal(t, "courier:seen:notification:n1", client.lastSetKey)
	assert.Equal(t, time.Hour, client.lastTTL)

	client.existing = 1
	seen, err := guard.Seen(context.Background(), "courier:seen:notification:n1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestGuardPropagatesErrors(t *testing.T) {
	guard := NewGuard(&fakeRedis{existsErr: errors.New("connection refused")}, time.Hour)

	_, err := guard.Seen(context.Background(), "courier:seen:notification:n1")
	assert.Error(t, err)

	guard = NewGuard(&fakeRedis{setErr: errors.New("connection refused")}, time.Hour)
	assert.Error(t, guard.MarkSeen(context.Background(), "courier:seen:notification:n1"))
}
