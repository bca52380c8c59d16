package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/ensemble/pkg/schema"
)

const (
	tokenKeyPrefix = "ensemble:token:"

	// DefaultTokenRetention is how long a token key outlives its expiry so
	// late callers still get ALREADY_CONSUMED or EXPIRED_TOKEN.
	DefaultTokenRetention = 24 * time.Hour
)

// Every token is one hash: record (JSON without state), status, state, expires_at.
// createScript writes the whole hash and its TTL or nothing.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'record', ARGV[1], 'status', ARGV[2], 'state', ARGV[3], 'expires_at', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

var consumeScript = redis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'status', 'expires_at', 'record')
if not h[1] then
  return {'missing', '', ''}
end
if h[1] ~= 'pending' then
  return {h[1], h[3], ''}
end
if tonumber(ARGV[1]) >= tonumber(h[2]) then
  redis.call('HSET', KEYS[1], 'status', 'expired')
  redis.call('HDEL', KEYS[1], 'state')
  return {'pending', h[3], ''}
end
local state = redis.call('HGET', KEYS[1], 'state')
redis.call('HSET', KEYS[1], 'status', 'consumed', 'consumed_at', ARGV[1])
redis.call('HDEL', KEYS[1], 'state')
return {'ok', h[3], state or ''}
`)

var closeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
redis.call('HDEL', KEYS[1], 'state')
return 1
`)

// RedisTokenStore keeps resumption tokens in Redis so several engine
// processes can share one token namespace.
type RedisTokenStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisTokenStore connects to redisURL (redis://host:port/db) and pings it.
func NewRedisTokenStore(ctx context.Context, redisURL string, retention time.Duration) (*RedisTokenStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if retention <= 0 {
		retention = DefaultTokenRetention
	}
	return &RedisTokenStore{client: client, retention: retention}, nil
}

// Close closes the client.
func (r *RedisTokenStore) Close() error { return r.client.Close() }

func (r *RedisTokenStore) key(token string) string {
	return tokenKeyPrefix + token
}

func (r *RedisTokenStore) CreateToken(ctx context.Context, rec *TokenRecord) error {
	if rec.Status == "" {
		rec.Status = schema.TokenPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	record, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}
	created, err := createScript.Run(ctx, r.client, []string{r.key(rec.Token)},
		record,
		string(rec.Status),
		rec.State,
		strconv.FormatInt(toMillis(rec.ExpiresAt), 10),
		keyTTL(rec.ExpiresAt, r.retention, time.Now()).Milliseconds(),
	).Int()
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "create resumption token").WithCause(err)
	}
	if created == 0 {
		return schema.NewError(schema.ErrCodeConflict, "resumption token already exists")
	}
	return nil
}

// keyTTL keeps a token key for retention past its expiry, and never less than
// retention from now.
func keyTTL(expiresAt time.Time, retention time.Duration, now time.Time) time.Duration {
	return max(expiresAt.Sub(now), 0) + retention
}

func (r *RedisTokenStore) GetToken(ctx context.Context, token string) (*TokenRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.key(token)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, schema.NewError(schema.ErrCodeTokenNotFound, "resumption token not found")
	}
	rec, err := decodeTokenRecord(fields["record"])
	if err != nil {
		return nil, err
	}
	rec.Status = schema.TokenStatus(fields["status"])
	if s := fields["state"]; s != "" {
		rec.State = []byte(s)
	}
	if ms, err := strconv.ParseInt(fields["consumed_at"], 10, 64); err == nil {
		t := fromMillis(ms)
		rec.ConsumedAt = &t
	}
	return rec, nil
}

func (r *RedisTokenStore) ConsumeToken(ctx context.Context, token string, now time.Time) (*TokenRecord, error) {
	res, err := consumeScript.Run(ctx, r.client, []string{r.key(token)}, toMillis(now)).StringSlice()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "consume resumption token").WithCause(err)
	}
	if len(res) != 3 {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "unexpected consume reply of length %d", len(res))
	}
	if res[0] == "missing" {
		return nil, tokenUnavailable(token, nil, now)
	}
	rec, err := decodeTokenRecord(res[1])
	if err != nil {
		return nil, err
	}
	if res[0] != "ok" {
		rec.Status = schema.TokenStatus(res[0])
		return nil, tokenUnavailable(token, rec, now)
	}
	consumedAt := now
	rec.Status = schema.TokenConsumed
	rec.ConsumedAt = &consumedAt
	rec.State = []byte(res[2])
	return rec, nil
}

func (r *RedisTokenStore) ExpireToken(ctx context.Context, token string, _ time.Time) (bool, error) {
	return r.closeToken(ctx, token, schema.TokenExpired)
}

func (r *RedisTokenStore) CancelToken(ctx context.Context, token string) (bool, error) {
	return r.closeToken(ctx, token, schema.TokenCancelled)
}

func (r *RedisTokenStore) closeToken(ctx context.Context, token string, to schema.TokenStatus) (bool, error) {
	n, err := closeScript.Run(ctx, r.client, []string{r.key(token)}, string(to)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func decodeTokenRecord(raw string) (*TokenRecord, error) {
	var rec TokenRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode token record").WithCause(err)
	}
	return &rec, nil
}

var _ TokenStore = (*RedisTokenStore)(nil)

// WithTokenStore returns base with its token operations served by tokens.
func WithTokenStore(base Store, tokens TokenStore) Store {
	return &splitStore{Store: base, tokens: tokens}
}

type splitStore struct {
	Store
	tokens TokenStore
}

func (s *splitStore) CreateToken(ctx context.Context, rec *TokenRecord) error {
	return s.tokens.CreateToken(ctx, rec)
}

func (s *splitStore) GetToken(ctx context.Context, token string) (*TokenRecord, error) {
	return s.tokens.GetToken(ctx, token)
}

func (s *splitStore) ConsumeToken(ctx context.Context, token string, now time.Time) (*TokenRecord, error) {
	return s.tokens.ConsumeToken(ctx, token, now)
}

func (s *splitStore) ExpireToken(ctx context.Context, token string, now time.Time) (bool, error) {
	return s.tokens.ExpireToken(ctx, token, now)
}

func (s *splitStore) CancelToken(ctx context.Context, token string) (bool, error) {
	return s.tokens.CancelToken(ctx, token)
}

func (s *splitStore) Close() error {
	if c, ok := s.tokens.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	return s.Store.Close()
}
