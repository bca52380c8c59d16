package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/pkg/schema"
)

// Runs only when ENSEMBLE_TEST_REDIS_URL points at a disposable Redis.
func newTestRedisTokens(t *testing.T) *RedisTokenStore {
	t.Helper()
	url := os.Getenv("ENSEMBLE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ENSEMBLE_TEST_REDIS_URL not set")
	}
	s, err := NewRedisTokenStore(context.Background(), url, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisTokenStoreConsume(t *testing.T) {
	s := newTestRedisTokens(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := pendingToken("exec-1", now.Add(time.Hour))
	require.NoError(t, s.CreateToken(ctx, rec))
	assert.ErrorIs(t, s.CreateToken(ctx, rec), schema.ErrConflict)

	got, err := s.ConsumeToken(ctx, rec.Token, now)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed-state"), got.State)
	assert.Equal(t, "exec-1", got.ExecutionID)

	_, err = s.ConsumeToken(ctx, rec.Token, now)
	assert.ErrorIs(t, err, schema.ErrAlreadyConsumed)

	_, err = s.ConsumeToken(ctx, "missing-token", now)
	assert.ErrorIs(t, err, schema.ErrTokenNotFound)
}

func TestRedisTokenStoreExpiry(t *testing.T) {
	s := newTestRedisTokens(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := pendingToken("exec-1", now.Add(-time.Second))
	require.NoError(t, s.CreateToken(ctx, stale))
	_, err := s.ConsumeToken(ctx, stale.Token, now)
	assert.ErrorIs(t, err, schema.ErrExpiredToken)

	live := pendingToken("exec-2", now.Add(time.Hour))
	require.NoError(t, s.CreateToken(ctx, live))
	ok, err := s.CancelToken(ctx, live.Token)
	require.NoError(t, err)
	assert.True(t, ok)
	meta, err := s.GetToken(ctx, live.Token)
	require.NoError(t, err)
	assert.Equal(t, schema.TokenCancelled, meta.Status)
	assert.Empty(t, meta.State)
}

func TestRedisTokenStoreCreateWritesKeyWithTTL(t *testing.T) {
	s := newTestRedisTokens(t)
	ctx := context.Background()

	rec := pendingToken("exec-1", time.Now().Add(time.Hour))
	require.NoError(t, s.CreateToken(ctx, rec))

	fields, err := s.client.HGetAll(ctx, s.key(rec.Token)).Result()
	require.NoError(t, err)
	for _, f := range []string{"record", "status", "state", "expires_at"} {
		assert.Contains(t, fields, f)
	}
	assert.Equal(t, "pending", fields["status"])

	ttl, err := s.client.PTTL(ctx, s.key(rec.Token)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Hour)
	assert.LessOrEqual(t, ttl, time.Hour+time.Minute)
}

func TestKeyTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		expiresAt time.Time
		want      time.Duration
	}{
		{"future expiry", now.Add(time.Hour), time.Hour + 24*time.Hour},
		{"already expired", now.Add(-time.Hour), 24 * time.Hour},
		{"expires now", now, 24 * time.Hour},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, keyTTL(tc.expiresAt, DefaultTokenRetention, now))
		})
	}
}
