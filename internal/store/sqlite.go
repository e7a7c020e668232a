package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"taskvault/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS scheduled_tasks (
  id TEXT PRIMARY KEY,
  action TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('scheduled','active','complete','failed')),
  timestamp INTEGER NOT NULL,
  resource_id TEXT,
  params TEXT,
  result TEXT,
  error TEXT
);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_status ON scheduled_tasks(status, timestamp);
`
	_, err := db.Exec(schema)
	return err
}

// Store is the durable contract the task runner depends on. Every call is a
// single transaction against the backing database; the store keeps no state
// of its own and is safe for concurrent use. There is no version column and
// no compare-and-swap: concurrent updates to the same field of the same task
// resolve to last-write-wins, so concurrent callers must own disjoint fields
// or serialize their writes themselves.
type Store interface {
	// ListTasks returns every task matching all constraints in f, in no
	// particular order.
	ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.ScheduledTask, error)
	// GetTask returns (nil, nil) when no task has the given id.
	GetTask(ctx context.Context, id string) (*domain.ScheduledTask, error)
	// UpsertTask inserts the task or replaces the whole row keyed by id.
	UpsertTask(ctx context.Context, t domain.ScheduledTask) error
	// UpdateTask writes only the fields named in up and reports whether a
	// row with the given id existed.
	UpdateTask(ctx context.Context, id string, up domain.TaskUpdate) (bool, error)
	// DeleteTask removes the row; deleting an absent id is not an error.
	DeleteTask(ctx context.Context, id string) error
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

// inClause renders a set-membership constraint for one column. An empty set
// means the column must be NULL, which is how a caller selects unscoped rows.
func inClause(column string, n int) string {
	if n == 0 {
		return column + " IS NULL"
	}
	return column + " IN (?" + strings.Repeat(",?", n-1) + ")"
}

func (s *sqliteStore) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.ScheduledTask, error) {
	var clauses []string
	var args []any
	if f.Actions != nil {
		clauses = append(clauses, inClause("action", len(*f.Actions)))
		for _, a := range *f.Actions {
			args = append(args, a)
		}
	}
	if f.ResourceIDs != nil {
		clauses = append(clauses, inClause("resource_id", len(*f.ResourceIDs)))
		for _, r := range *f.ResourceIDs {
			args = append(args, r)
		}
	}
	if f.Statuses != nil {
		clauses = append(clauses, inClause("status", len(*f.Statuses)))
		for _, st := range *f.Statuses {
			args = append(args, string(st))
		}
	}

	q := `SELECT id, action, status, timestamp, resource_id, params, result, error FROM scheduled_tasks`
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, action, status, timestamp, resource_id, params, result, error
FROM scheduled_tasks WHERE id=?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanTask(rows)
}

func (s *sqliteStore) UpsertTask(ctx context.Context, t domain.ScheduledTask) error {
	params, err := encodeJSON(t.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	result, err := encodeJSON(t.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO scheduled_tasks (id, action, status, timestamp, resource_id, params, result, error)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  action=excluded.action,
  status=excluded.status,
  timestamp=excluded.timestamp,
  resource_id=excluded.resource_id,
  params=excluded.params,
  result=excluded.result,
  error=excluded.error
`, t.ID, t.Action, string(t.Status), t.Timestamp, t.ResourceID, params, result, t.Error)
	return err
}

func (s *sqliteStore) UpdateTask(ctx context.Context, id string, up domain.TaskUpdate) (bool, error) {
	if up.IsZero() {
		// Nothing to write; report bare existence so callers still get the
		// "was there a target" answer.
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM scheduled_tasks WHERE id=?`, id).Scan(&one)
		if err == sql.ErrNoRows {
			return false, nil
		}
		return err == nil, err
	}

	var sets []string
	var args []any
	if up.Timestamp != nil {
		sets = append(sets, "timestamp=?")
		args = append(args, *up.Timestamp)
	}
	if up.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, string(*up.Status))
	}
	if up.Result != nil {
		result, err := encodeJSON(up.Result)
		if err != nil {
			return false, fmt.Errorf("encode result: %w", err)
		}
		sets = append(sets, "result=?")
		args = append(args, result)
	}
	if up.Error != nil {
		sets = append(sets, "error=?")
		args = append(args, *up.Error)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE scheduled_tasks SET "+strings.Join(sets, ",")+" WHERE id=?", args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_tasks WHERE id=?", id)
	return err
}

func scanTask(rows *sql.Rows) (*domain.ScheduledTask, error) {
	var t domain.ScheduledTask
	var status string
	var resourceID, params, result, errText sql.NullString
	if err := rows.Scan(&t.ID, &t.Action, &status, &t.Timestamp, &resourceID, &params, &result, &errText); err != nil {
		return nil, err
	}

	st, err := domain.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.Status = st

	if resourceID.Valid {
		r := resourceID.String
		t.ResourceID = &r
	}
	if errText.Valid {
		e := errText.String
		t.Error = &e
	}
	if t.Params, err = decodeJSON(params); err != nil {
		return nil, fmt.Errorf("task %s: decode params: %w", t.ID, err)
	}
	if t.Result, err = decodeJSON(result); err != nil {
		return nil, fmt.Errorf("task %s: decode result: %w", t.ID, err)
	}
	return &t, nil
}

// encodeJSON maps a nil value to NULL; an empty map still encodes as "{}".
func encodeJSON(m map[string]any) (*string, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func decodeJSON(v sql.NullString) (map[string]any, error) {
	if !v.Valid {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
