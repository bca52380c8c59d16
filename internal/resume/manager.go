package resume

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/internal/sealing"
	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/pkg/schema"
)

const (
	// AlarmKindTokenExpiry is the alarm kind scheduled for every issued token.
	AlarmKindTokenExpiry = "token_expiry"

	// DefaultTTL applies when a suspension does not set its own.
	DefaultTTL = 24 * time.Hour

	tokenBytes = 32
)

// AlarmScheduler arms a durable callback. scheduler.Scheduler implements it.
type AlarmScheduler interface {
	ScheduleAt(ctx context.Context, at time.Time, kind, key string, payload any) error
}

// Manager issues single-use resumption tokens for suspended executions and
// redeems them. Every decision about a token goes through the token store's
// compare-and-set, so concurrent resumes and expiry have exactly one winner.
type Manager struct {
	tokens     store.TokenStore
	sealer     sealing.Sealer
	alarms     AlarmScheduler
	defaultTTL time.Duration
	now        func() time.Time
	random     io.Reader
	logger     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithSealer seals snapshots at rest.
func WithSealer(s sealing.Sealer) Option {
	return func(m *Manager) { m.sealer = s }
}

// WithScheduler arms a token_expiry alarm for every issued token.
func WithScheduler(s AlarmScheduler) Option {
	return func(m *Manager) { m.alarms = s }
}

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager over tokens.
func NewManager(tokens store.TokenStore, opts ...Option) *Manager {
	m := &Manager{
		tokens:     tokens,
		sealer:     sealing.Plain{},
		defaultTTL: DefaultTTL,
		now:        func() time.Time { return time.Now().UTC() },
		random:     rand.Reader,
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type tokenMetadata struct {
	NodeName string         `json:"node_name,omitempty"`
	Message  map[string]any `json:"message,omitempty"`
	Notify   []string       `json:"notify,omitempty"`
}

// Suspend persists snap behind a fresh token valid for ttl (DefaultTTL when
// ttl <= 0) and schedules its expiry.
func (m *Manager) Suspend(ctx context.Context, snap *schema.SuspendedExecution, ttl time.Duration) (*schema.ResumptionToken, error) {
	if snap == nil || snap.ExecutionID == "" || snap.NodePath == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "suspended execution requires an execution id and a node path")
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	token, err := m.newToken()
	if err != nil {
		return nil, err
	}

	now := m.now()
	if snap.SuspendedAt.IsZero() {
		snap.SuspendedAt = now
	}
	state, err := json.Marshal(snap)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "suspended execution is not serializable").WithCause(err)
	}
	sealed, err := m.sealer.Seal(state, []byte(token))
	if err != nil {
		return nil, schema.AsEngineError(err, schema.ErrCodeSealing)
	}
	meta, err := json.Marshal(tokenMetadata{NodeName: snap.NodeName, Message: snap.Message, Notify: snap.Notify})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "approval message is not serializable").WithCause(err)
	}

	rec := &store.TokenRecord{
		Token:       token,
		ExecutionID: snap.ExecutionID,
		Ensemble:    snap.Ensemble,
		NodePath:    snap.NodePath,
		Status:      schema.TokenPending,
		State:       sealed,
		Metadata:    meta,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := m.tokens.CreateToken(ctx, rec); err != nil {
		return nil, err
	}

	if m.alarms != nil {
		if err := m.alarms.ScheduleAt(ctx, rec.ExpiresAt, AlarmKindTokenExpiry, token,
			map[string]any{"execution_id": snap.ExecutionID}); err != nil {
			// Without its alarm the token would never be marked expired.
			if _, cerr := m.tokens.CancelToken(ctx, token); cerr != nil {
				m.logger.WarnContext(ctx, "token left pending after alarm failure", "error", cerr)
			}
			return nil, schema.NewErrorf(schema.ErrCodeStore, "schedule token expiry: %s", err.Error()).WithCause(err)
		}
	}

	m.logger.InfoContext(ctx, "execution suspended",
		"execution_id", snap.ExecutionID, "node", snap.NodePath, "expires_at", rec.ExpiresAt)

	return &schema.ResumptionToken{
		Token:       token,
		ExecutionID: snap.ExecutionID,
		NodePath:    snap.NodePath,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}

// Resume consumes token and returns the snapshot it guarded together with
// payload. It fails with TOKEN_NOT_FOUND, ALREADY_CONSUMED or EXPIRED_TOKEN;
// none of them is retryable.
func (m *Manager) Resume(ctx context.Context, token string, payload any) (*schema.SuspendedExecution, any, error) {
	if token == "" {
		return nil, nil, schema.NewError(schema.ErrCodeTokenNotFound, "resumption token is empty")
	}
	rec, err := m.tokens.ConsumeToken(ctx, token, m.now())
	if err != nil {
		return nil, nil, err
	}

	state, err := m.sealer.Open(rec.State, []byte(token))
	if err != nil {
		return nil, nil, schema.AsEngineError(err, schema.ErrCodeSealing)
	}
	var snap schema.SuspendedExecution
	if err := json.Unmarshal(state, &snap); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeStore, "suspended execution is corrupt").WithCause(err)
	}

	m.logger.InfoContext(logging.WithExecutionID(ctx, snap.ExecutionID), "execution resumed", "node", snap.NodePath)
	return &snap, payload, nil
}

// GetMetadata describes a token without consuming it. A pending token past
// its expiry reports expired even before its alarm fires.
func (m *Manager) GetMetadata(ctx context.Context, token string) (*schema.TokenMetadata, error) {
	rec, err := m.tokens.GetToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec.Status == schema.TokenCancelled {
		return nil, schema.NewError(schema.ErrCodeTokenNotFound, "resumption token was cancelled")
	}

	md := &schema.TokenMetadata{
		Token:       rec.Token,
		ExecutionID: rec.ExecutionID,
		Ensemble:    rec.Ensemble,
		NodePath:    rec.NodePath,
		Status:      rec.Status,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		ConsumedAt:  rec.ConsumedAt,
	}
	if rec.Status == schema.TokenPending && !m.now().Before(rec.ExpiresAt) {
		md.Status = schema.TokenExpired
	}
	if len(rec.Metadata) > 0 {
		var meta tokenMetadata
		if err := json.Unmarshal(rec.Metadata, &meta); err == nil {
			md.Message = meta.Message
		}
	}
	return md, nil
}

// Cancel withdraws a pending token. It reports false when the token was not pending.
func (m *Manager) Cancel(ctx context.Context, token string) (bool, error) {
	return m.tokens.CancelToken(ctx, token)
}

// Expire marks a pending token expired and returns its execution id. It is
// the token_expiry alarm handler; expired is false when the token had already
// been consumed or cancelled.
func (m *Manager) Expire(ctx context.Context, token string) (executionID string, expired bool, err error) {
	rec, err := m.tokens.GetToken(ctx, token)
	if err != nil {
		return "", false, err
	}
	expired, err = m.tokens.ExpireToken(ctx, token, m.now())
	if err != nil {
		return "", false, err
	}
	if expired {
		m.logger.InfoContext(ctx, "resumption token expired", "execution_id", rec.ExecutionID, "node", rec.NodePath)
	}
	return rec.ExecutionID, expired, nil
}

func (m *Manager) newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(m.random, buf); err != nil {
		return "", schema.NewError(schema.ErrCodeInternal, "generate resumption token").WithCause(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
