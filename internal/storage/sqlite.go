package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "fleetbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, ":memory:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Accounts ----

func (s *sqliteStore) PutAccount(ctx context.Context, a Account) error {
	if a.PoolStatus == "" {
		a.PoolStatus = PoolStatusOK
	}
	if a.HealthScore == 0 && a.PoolStatus == PoolStatusOK {
		a.HealthScore = 100
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(id, label, credential, pool_status, health_score, last_active_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   label=excluded.label, credential=excluded.credential,
		   pool_status=excluded.pool_status, health_score=excluded.health_score,
		   last_active_at=excluded.last_active_at`,
		a.ID, a.Label, a.Credential, string(a.PoolStatus), a.HealthScore, unixMillis(a.LastActiveAt),
	)
	return err
}

func (s *sqliteStore) GetAccount(ctx context.Context, id string) (Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, label, credential, pool_status, health_score, last_active_at
		 FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, credential, pool_status, health_score, last_active_at
		 FROM accounts ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateAccountHealth(ctx context.Context, id string, status PoolStatus, score int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET pool_status = ?, health_score = ? WHERE id = ?`, string(status), score, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) TouchAccount(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_active_at = ? WHERE id = ?`, unixMillis(at), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ---- Tasks ----

func (s *sqliteStore) CreateTask(ctx context.Context, t Task) error {
	cols, err := taskColumns(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, kind, account_ids, target_ids, config, status, priority,
		                   next_run_at, dispatch_state, consecutive_failures, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, string(t.Kind), cols.accounts, cols.targets, cols.config, string(t.Status), t.Priority,
		unixMillis(t.NextRunAt), string(t.DispatchState), t.ConsecutiveFailures,
		unixMillis(t.CreatedAt), unixMillis(t.UpdatedAt),
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return fmt.Errorf("task %s: %w", t.ID, ErrConflict)
	}
	return err
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskSelectCols+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *sqliteStore) ListTasks(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskSelectCols+` FROM tasks ORDER BY id ASC`)
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t Task) error {
	cols, err := taskColumns(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET kind=?, account_ids=?, target_ids=?, config=?, status=?, priority=?,
		        next_run_at=?, dispatch_state=?, consecutive_failures=?, updated_at=?
		 WHERE id = ?`,
		string(t.Kind), cols.accounts, cols.targets, cols.config, string(t.Status), t.Priority,
		unixMillis(t.NextRunAt), string(t.DispatchState), t.ConsecutiveFailures,
		unixMillis(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) FindDueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskSelectCols+` FROM tasks
		 WHERE status = 'running' AND (next_run_at = 0 OR next_run_at <= ?)
		 ORDER BY priority DESC, next_run_at ASC, id ASC`,
		unixMillis(now))
}

func (s *sqliteStore) FindRunningTasks(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskSelectCols+` FROM tasks WHERE status = 'running'
		 ORDER BY priority DESC, next_run_at ASC, id ASC`)
}

// ---- Executions ----

func (s *sqliteStore) AppendExecution(ctx context.Context, e Execution) error {
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_executions(task_id, account_id, target_id, success, error, executed_at)
		 VALUES(?,?,?,?,?,?)`,
		e.TaskID, e.AccountID, e.TargetID, boolInt(e.Success), e.Error, unixMillis(e.ExecutedAt),
	)
	return err
}

func (s *sqliteStore) ListExecutions(ctx context.Context, taskID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, account_id, target_id, success, error, executed_at
		 FROM task_executions WHERE task_id = ?
		 ORDER BY executed_at DESC, id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var success int
		var at int64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.AccountID, &e.TargetID, &success, &e.Error, &at); err != nil {
			return nil, err
		}
		e.Success = success != 0
		e.ExecutedAt = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TaskStats(ctx context.Context, taskID string) (ExecStats, error) {
	var st ExecStats
	var lastAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(success), 0), MAX(executed_at)
		 FROM task_executions WHERE task_id = ?`, taskID).
		Scan(&st.Total, &st.Succeeded, &lastAt)
	if err != nil {
		return ExecStats{}, err
	}
	st.Failed = st.Total - st.Succeeded
	if lastAt.Valid && lastAt.Int64 > 0 {
		st.LastRunAt = time.UnixMilli(lastAt.Int64)
	}
	var lastErr sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT error FROM task_executions
		 WHERE task_id = ? AND success = 0
		 ORDER BY executed_at DESC, id DESC LIMIT 1`, taskID).Scan(&lastErr)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ExecStats{}, err
	}
	if lastErr.Valid {
		st.LastError = lastErr.String
	}
	return st, nil
}

// ---- scan helpers ----

const taskSelectCols = `id, kind, account_ids, target_ids, config, status, priority,
	next_run_at, dispatch_state, consecutive_failures, created_at, updated_at`

type taskCols struct {
	accounts, targets, config string
}

func taskColumns(t Task) (taskCols, error) {
	accounts, err := json.Marshal(t.AccountIDs)
	if err != nil {
		return taskCols{}, err
	}
	targets, err := json.Marshal(t.TargetIDs)
	if err != nil {
		return taskCols{}, err
	}
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return taskCols{}, err
	}
	return taskCols{accounts: string(accounts), targets: string(targets), config: string(cfg)}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (Account, error) {
	var a Account
	var status string
	var lastActive int64
	err := r.Scan(&a.ID, &a.Label, &a.Credential, &status, &a.HealthScore, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	a.PoolStatus = PoolStatus(status)
	if lastActive > 0 {
		a.LastActiveAt = time.UnixMilli(lastActive)
	}
	return a, nil
}

func scanTask(r rowScanner) (Task, error) {
	var t Task
	var kind, status, accounts, targets, cfg, dispatchState string
	var nextRun, createdAt, updatedAt int64
	err := r.Scan(&t.ID, &kind, &accounts, &targets, &cfg, &status, &t.Priority,
		&nextRun, &dispatchState, &t.ConsecutiveFailures, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	t.Kind = TaskKind(kind)
	t.Status = TaskStatus(status)
	if err := json.Unmarshal([]byte(accounts), &t.AccountIDs); err != nil {
		return Task{}, fmt.Errorf("task %s: account_ids: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(targets), &t.TargetIDs); err != nil {
		return Task{}, fmt.Errorf("task %s: target_ids: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(cfg), &t.Config); err != nil {
		return Task{}, fmt.Errorf("task %s: config: %w", t.ID, err)
	}
	if dispatchState != "" {
		t.DispatchState = []byte(dispatchState)
	}
	if nextRun > 0 {
		t.NextRunAt = time.UnixMilli(nextRun)
	}
	if createdAt > 0 {
		t.CreatedAt = time.UnixMilli(createdAt)
	}
	if updatedAt > 0 {
		t.UpdatedAt = time.UnixMilli(updatedAt)
	}
	return t, nil
}

func (s *sqliteStore) queryTasks(ctx context.Context, q string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
