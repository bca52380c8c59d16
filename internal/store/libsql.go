package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/ensemble/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
// Timestamps are stored as unix milliseconds.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path, e.g. "file:/var/lib/ensemble.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	if exec.UpdatedAt.IsZero() {
		exec.UpdatedAt = exec.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, ensemble, status, input, output, error, token, suspended_at, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.Ensemble, string(exec.Status),
		nullRaw(exec.Input), nullRaw(exec.Output), nullRaw(exec.Error),
		nullStr(exec.Token), nullStr(exec.SuspendedAt),
		toMillis(exec.CreatedAt), toMillis(exec.UpdatedAt), nullMillis(exec.CompletedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ensemble, status, input, output, error, token, suspended_at, created_at, updated_at, completed_at
		 FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{toMillis(time.Now().UTC())}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.Token != nil {
		sets = append(sets, "token = ?")
		args = append(args, nullStr(*update.Token))
	}
	if update.SuspendedAt != nil {
		sets = append(sets, "suspended_at = ?")
		args = append(args, nullStr(*update.SuspendedAt))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, toMillis(*update.CompletedAt))
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", ")),
		args...,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `SELECT id, ensemble, status, input, output, error, token, suspended_at, created_at, updated_at, completed_at
		FROM executions`
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Ensemble != "" {
		where = append(where, "ensemble = ?")
		args = append(args, filter.Ensemble)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	e := &Execution{}
	var status string
	var input, output, errJSON, token, suspendedAt sql.NullString
	var created, updated int64
	var completed sql.NullInt64
	if err := row.Scan(&e.ID, &e.Ensemble, &status, &input, &output, &errJSON,
		&token, &suspendedAt, &created, &updated, &completed); err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	e.Input = rawOrNil(input)
	e.Output = rawOrNil(output)
	e.Error = rawOrNil(errJSON)
	e.Token = token.String
	e.SuspendedAt = suspendedAt.String
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	if completed.Valid {
		t := fromMillis(completed.Int64)
		e.CompletedAt = &t
	}
	return e, nil
}

// --- Events ---

// AppendEvent assigns the next sequence inside a write transaction so
// concurrent appends for one execution never collide.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_path, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodePath), event.Type, nullRaw(event.Payload),
		toMillis(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	event.Sequence = seq
	return nil
}

// GetEvents returns events with sequence greater than since, in order.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_path, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var nodePath, payload sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodePath, &e.Type, &payload, &ts, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodePath = nodePath.String
		e.Payload = rawOrNil(payload)
		e.Timestamp = fromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Step results ---

func (s *LibSQLStore) UpsertStepResult(ctx context.Context, executionID string, result *schema.StepResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO step_results (execution_id, path, status, result, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, path) DO UPDATE SET status=excluded.status, result=excluded.result, updated_at=excluded.updated_at`,
		executionID, result.Path, string(result.Status), string(data), toMillis(time.Now().UTC()),
	)
	return err
}

func (s *LibSQLStore) ListStepResults(ctx context.Context, executionID string) ([]*schema.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result FROM step_results WHERE execution_id = ? ORDER BY path`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.StepResult
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r schema.StepResult
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decode step result: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- Resumption tokens ---

func (s *LibSQLStore) CreateToken(ctx context.Context, rec *TokenRecord) error {
	if rec.Status == "" {
		rec.Status = schema.TokenPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resumption_tokens (token, execution_id, ensemble, node_path, status, state, metadata, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Token, rec.ExecutionID, nullStr(rec.Ensemble), rec.NodePath, string(rec.Status),
		rec.State, nullRaw(rec.Metadata), toMillis(rec.CreatedAt), toMillis(rec.ExpiresAt),
	)
	return err
}

func (s *LibSQLStore) GetToken(ctx context.Context, token string) (*TokenRecord, error) {
	rec, err := s.getToken(ctx, s.db, token)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, schema.NewError(schema.ErrCodeTokenNotFound, "resumption token not found")
	}
	return rec, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// getToken returns nil, nil when the token does not exist.
func (s *LibSQLStore) getToken(ctx context.Context, q queryer, token string) (*TokenRecord, error) {
	rec := &TokenRecord{}
	var status string
	var ensemble, metadata sql.NullString
	var created, expires int64
	var consumed sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT token, execution_id, ensemble, node_path, status, state, metadata, created_at, expires_at, consumed_at
		 FROM resumption_tokens WHERE token = ?`, token,
	).Scan(&rec.Token, &rec.ExecutionID, &ensemble, &rec.NodePath, &status, &rec.State,
		&metadata, &created, &expires, &consumed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Status = schema.TokenStatus(status)
	rec.Ensemble = ensemble.String
	rec.Metadata = rawOrNil(metadata)
	rec.CreatedAt = fromMillis(created)
	rec.ExpiresAt = fromMillis(expires)
	if consumed.Valid {
		t := fromMillis(consumed.Int64)
		rec.ConsumedAt = &t
	}
	return rec, nil
}

// ConsumeToken reads and flips the token inside one transaction. The
// conditional UPDATE is the compare-and-set: only one caller can observe a
// row affected.
func (s *LibSQLStore) ConsumeToken(ctx context.Context, token string, now time.Time) (*TokenRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin consume tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := s.getToken(ctx, tx, token)
	if err != nil {
		return nil, err
	}
	if cause := tokenUnavailable(token, rec, now); cause != nil {
		if rec != nil && rec.Status == schema.TokenPending {
			// Past its deadline but the expiry alarm has not fired yet.
			if _, err := tx.ExecContext(ctx,
				`UPDATE resumption_tokens SET status = ?, state = NULL WHERE token = ? AND status = ?`,
				string(schema.TokenExpired), token, string(schema.TokenPending),
			); err != nil {
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, err
			}
		}
		return nil, cause
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE resumption_tokens SET status = ?, state = NULL, consumed_at = ?
		 WHERE token = ? AND status = ?`,
		string(schema.TokenConsumed), toMillis(now), token, string(schema.TokenPending),
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, s.consumeLost(ctx, tx, token, now)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}

	consumedAt := now
	rec.Status = schema.TokenConsumed
	rec.ConsumedAt = &consumedAt
	return rec, nil
}

// consumeLost explains a conditional consume that matched no row: another
// writer closed the token after it was read.
func (s *LibSQLStore) consumeLost(ctx context.Context, tx *sql.Tx, token string, now time.Time) error {
	rec, err := s.getToken(ctx, tx, token)
	if err != nil {
		return err
	}
	if cause := tokenUnavailable(token, rec, now); cause != nil {
		return cause
	}
	return schema.NewError(schema.ErrCodeAlreadyConsumed, "resumption token has already been used")
}

func (s *LibSQLStore) ExpireToken(ctx context.Context, token string, now time.Time) (bool, error) {
	return s.closeToken(ctx, token, schema.TokenExpired)
}

func (s *LibSQLStore) CancelToken(ctx context.Context, token string) (bool, error) {
	return s.closeToken(ctx, token, schema.TokenCancelled)
}

func (s *LibSQLStore) closeToken(ctx context.Context, token string, to schema.TokenStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE resumption_tokens SET status = ?, state = NULL WHERE token = ? AND status = ?`,
		string(to), token, string(schema.TokenPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- Alarms ---

func (s *LibSQLStore) PutAlarm(ctx context.Context, alarm *Alarm) error {
	if alarm.CreatedAt.IsZero() {
		alarm.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alarms (id, kind, key, fire_at, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, key=excluded.key, fire_at=excluded.fire_at, payload=excluded.payload`,
		alarm.ID, alarm.Kind, alarm.Key, toMillis(alarm.FireAt), nullRaw(alarm.Payload), toMillis(alarm.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) DueAlarms(ctx context.Context, now time.Time, limit int) ([]*Alarm, error) {
	query := `SELECT id, kind, key, fire_at, payload, created_at FROM alarms WHERE fire_at <= ? ORDER BY fire_at, id`
	args := []any{toMillis(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Alarm
	for rows.Next() {
		a := &Alarm{}
		var payload sql.NullString
		var fireAt, created int64
		if err := rows.Scan(&a.ID, &a.Kind, &a.Key, &fireAt, &payload, &created); err != nil {
			return nil, err
		}
		a.FireAt = fromMillis(fireAt)
		a.CreatedAt = fromMillis(created)
		a.Payload = rawOrNil(payload)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteAlarm(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alarms WHERE id = ?`, id)
	return err
}

// --- Helpers ---

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
