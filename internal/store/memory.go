package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// MemoryStore is an in-process Store for tests and ephemeral runs.
// Records are copied on the way in and out.
type MemoryStore struct {
	mu         sync.Mutex
	executions map[string]*Execution
	events     map[string][]*Event
	steps      map[string]map[string]*schema.StepResult
	tokens     map[string]*TokenRecord
	alarms     map[string]*Alarm
	nextID     int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*Execution),
		events:     make(map[string][]*Event),
		steps:      make(map[string]map[string]*schema.StepResult),
		tokens:     make(map[string]*TokenRecord),
		alarms:     make(map[string]*Alarm),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	if exec.UpdatedAt.IsZero() {
		exec.UpdatedAt = exec.CreatedAt
	}
	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	cp := *exec
	return &cp, nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.Output != nil {
		exec.Output = update.Output
	}
	if update.Error != nil {
		exec.Error = update.Error
	}
	if update.Token != nil {
		exec.Token = *update.Token
	}
	if update.SuspendedAt != nil {
		exec.SuspendedAt = *update.SuspendedAt
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		exec.CompletedAt = &t
	}
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Execution
	for _, exec := range m.executions {
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		if filter.Ensemble != "" && exec.Ensemble != filter.Ensemble {
			continue
		}
		cp := *exec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	event.ID = m.nextID
	event.Sequence = int64(len(m.events[event.ExecutionID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events[executionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertStepResult(_ context.Context, executionID string, result *schema.StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byPath, ok := m.steps[executionID]
	if !ok {
		byPath = make(map[string]*schema.StepResult)
		m.steps[executionID] = byPath
	}
	cp := *result
	byPath[result.Path] = &cp
	return nil
}

func (m *MemoryStore) ListStepResults(_ context.Context, executionID string) ([]*schema.StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schema.StepResult, 0, len(m.steps[executionID]))
	for _, r := range m.steps[executionID] {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MemoryStore) CreateToken(_ context.Context, rec *TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[rec.Token]; ok {
		return schema.NewError(schema.ErrCodeConflict, "resumption token already exists")
	}
	if rec.Status == "" {
		rec.Status = schema.TokenPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	cp.State = append([]byte(nil), rec.State...)
	m.tokens[rec.Token] = &cp
	return nil
}

func (m *MemoryStore) GetToken(_ context.Context, token string) (*TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tokens[token]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeTokenNotFound, "resumption token not found")
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ConsumeToken(_ context.Context, token string, now time.Time) (*TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.tokens[token]
	if err := tokenUnavailable(token, rec, now); err != nil {
		if rec != nil && rec.Status == schema.TokenPending {
			rec.Status = schema.TokenExpired
			rec.State = nil
		}
		return nil, err
	}
	out := *rec
	consumedAt := now
	out.Status = schema.TokenConsumed
	out.ConsumedAt = &consumedAt

	rec.Status = schema.TokenConsumed
	rec.State = nil
	rec.ConsumedAt = &consumedAt
	return &out, nil
}

func (m *MemoryStore) ExpireToken(_ context.Context, token string, _ time.Time) (bool, error) {
	return m.closeToken(token, schema.TokenExpired), nil
}

func (m *MemoryStore) CancelToken(_ context.Context, token string) (bool, error) {
	return m.closeToken(token, schema.TokenCancelled), nil
}

func (m *MemoryStore) closeToken(token string, to schema.TokenStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tokens[token]
	if !ok || rec.Status != schema.TokenPending {
		return false
	}
	rec.Status = to
	rec.State = nil
	return true
}

func (m *MemoryStore) PutAlarm(_ context.Context, alarm *Alarm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if alarm.CreatedAt.IsZero() {
		alarm.CreatedAt = time.Now().UTC()
	}
	cp := *alarm
	m.alarms[alarm.ID] = &cp
	return nil
}

func (m *MemoryStore) DueAlarms(_ context.Context, now time.Time, limit int) ([]*Alarm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Alarm
	for _, a := range m.alarms {
		if !a.FireAt.After(now) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteAlarm(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alarms, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
