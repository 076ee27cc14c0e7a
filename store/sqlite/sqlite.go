// Package sqlite backs the task repository (store.Driver) with a local
// SQLite file via modernc.org/sqlite, a pure-Go driver with no CGO
// dependency — suitable for tests and single-machine deployments.
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	_ "modernc.org/sqlite"

	"github.com/apflow/taskflow"
	"github.com/apflow/taskflow/store"
)

// DB is the sqlite-backed store.Driver.
type DB struct {
	db *sql.DB
}

// Open connects to the sqlite database at dsn (a file path, or ":memory:"
// for an ephemeral in-process database) and ensures the schema exists.
//
// SQLite handles concurrent writers poorly; like the reference driver this
// is modeled on, a single connection is kept open under WAL so the
// database-level serialization matches the single-session-per-tree model
// the manager assumes (§5).
func Open(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("sqlite: dsn required")
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite: open %s", dsn)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			_ = sqlDB.Close()
			return nil, errors.Wrapf(err, "sqlite: set pragma %q", pragma)
		}
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "sqlite: create schema")
	}

	return &DB{db: sqlDB}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func timePtrToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func strToTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, errors.Wrap(err, "parse timestamp")
	}
	return &t, nil
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullableStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// CreateTask inserts t and returns the persisted row. Callers must have
// already assigned t.ID (the creator is responsible for id assignment).
func (d *DB) CreateTask(ctx context.Context, t *taskflow.Task) (*taskflow.Task, error) {
	depsJSON, err := store.DependenciesJSON(t.Dependencies)
	if err != nil {
		return nil, err
	}
	inputsJSON, err := store.MapJSON(t.Inputs)
	if err != nil {
		return nil, err
	}
	paramsJSON, err := store.MapJSON(t.Params)
	if err != nil {
		return nil, err
	}
	schemasJSON, err := store.SchemasJSON(t.Schemas)
	if err != nil {
		return nil, err
	}
	extraJSON, err := store.MapJSON(t.Extra)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = taskflow.StatusPending
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO apflow_tasks
			(id, parent_id, user_id, name, status, priority, dependencies, inputs,
			 params, schemas, result, error, progress, has_children, extra,
			 created_at, started_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, nullableStr(t.ParentID), nullableStr(t.UserID), t.Name, string(t.Status),
		t.Priority, string(depsJSON), string(inputsJSON), string(paramsJSON), string(schemasJSON),
		nullJSONResult(t.Result), nullableStr(t.Error), t.Progress, boolToInt(t.HasChildren), string(extraJSON),
		t.CreatedAt.Format(time.RFC3339Nano), timePtrToStr(t.StartedAt), t.UpdatedAt.Format(time.RFC3339Nano), timePtrToStr(t.CompletedAt),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite: create task %s", t.ID)
	}

	if t.ParentID != nil {
		if _, err := d.db.ExecContext(ctx, `UPDATE apflow_tasks SET has_children = 1 WHERE id = ?`, *t.ParentID); err != nil {
			return nil, errors.Wrap(err, "sqlite: mark parent has_children")
		}
	}

	return d.GetTask(ctx, t.ID)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullJSONResult(m map[string]any) any {
	if m == nil {
		return nil
	}
	b, err := store.MapJSON(m)
	if err != nil {
		return nil
	}
	return string(b)
}

const selectColumns = `id, parent_id, user_id, name, status, priority, dependencies, inputs,
	params, schemas, result, error, progress, has_children, extra,
	created_at, started_at, updated_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*taskflow.Task, error) {
	var (
		id, name, status                          string
		parentID, userID, errStr, resultStr        sql.NullString
		priority, hasChildren                      int
		depsStr, inputsStr, paramsStr, schemasStr   string
		extraStr                                    string
		progress                                    float64
		createdAt, updatedAt                        string
		startedAtNS, completedAtNS                  sql.NullString
	)

	if err := row.Scan(&id, &parentID, &userID, &name, &status, &priority, &depsStr, &inputsStr,
		&paramsStr, &schemasStr, &resultStr, &errStr, &progress, &hasChildren, &extraStr,
		&createdAt, &startedAtNS, &updatedAt, &completedAtNS); err != nil {
		return nil, err
	}

	deps, err := store.ParseDependencies([]byte(depsStr))
	if err != nil {
		return nil, err
	}
	inputs, err := store.ParseMap([]byte(inputsStr))
	if err != nil {
		return nil, err
	}
	params, err := store.ParseMap([]byte(paramsStr))
	if err != nil {
		return nil, err
	}
	schemas, err := store.ParseSchemas([]byte(schemasStr))
	if err != nil {
		return nil, err
	}
	extra, err := store.ParseMap([]byte(extraStr))
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if resultStr.Valid {
		result, err = store.ParseMap([]byte(resultStr.String))
		if err != nil {
			return nil, err
		}
	}

	createdAtT, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, errors.Wrap(err, "parse created_at")
	}
	updatedAtT, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "parse updated_at")
	}
	startedAt, err := strToTimePtr(startedAtNS)
	if err != nil {
		return nil, err
	}
	completedAt, err := strToTimePtr(completedAtNS)
	if err != nil {
		return nil, err
	}

	return &taskflow.Task{
		ID:           id,
		ParentID:     strPtr(parentID),
		UserID:       strPtr(userID),
		Name:         name,
		Status:       taskflow.Status(status),
		Priority:     priority,
		Dependencies: deps,
		Inputs:       inputs,
		Params:       params,
		Schemas:      schemas,
		Result:       result,
		Error:        strPtr(errStr),
		Progress:     progress,
		HasChildren:  hasChildren != 0,
		Extra:        extra,
		CreatedAt:    createdAtT,
		StartedAt:    startedAt,
		UpdatedAt:    updatedAtT,
		CompletedAt:  completedAt,
	}, nil
}

func (d *DB) GetTask(ctx context.Context, id string) (*taskflow.Task, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM apflow_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite: get task %s", id)
	}
	return t, nil
}

func (d *DB) ChildrenOf(ctx context.Context, parentID string) ([]*taskflow.Task, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM apflow_tasks WHERE parent_id = ? ORDER BY priority ASC, created_at ASC`, parentID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: children of")
	}
	defer rows.Close()
	return scanAll(rows)
}

func scanAll(rows *sql.Rows) ([]*taskflow.Task, error) {
	var out []*taskflow.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (d *DB) RootOf(ctx context.Context, t *taskflow.Task) (*taskflow.Task, error) {
	cur := t
	for cur.ParentID != nil {
		parent, err := d.GetTask(ctx, *cur.ParentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			break
		}
		cur = parent
	}
	return cur, nil
}

// AllInTree returns every task reachable from root via parent_id,
// including root, by walking the tree breadth-first one level at a time.
func (d *DB) AllInTree(ctx context.Context, root *taskflow.Task) ([]*taskflow.Task, error) {
	all := []*taskflow.Task{root}
	frontier := []string{root.ID}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			children, err := d.ChildrenOf(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				all = append(all, c)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return all, nil
}

func (d *DB) BuildTree(ctx context.Context, t *taskflow.Task) (*taskflow.TreeNode, error) {
	root, err := d.RootOf(ctx, t)
	if err != nil {
		return nil, err
	}
	all, err := d.AllInTree(ctx, root)
	if err != nil {
		return nil, err
	}
	return store.BuildTreeFromFlat(root.ID, all), nil
}

func (d *DB) UpdateStatus(ctx context.Context, id string, upd store.StatusUpdate) (bool, error) {
	existing, err := d.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, store.ErrTaskNotFound
	}

	// Policy (§4.1): an explicit error always wins. Otherwise, completing
	// a task clears any previously stored error (re-execution recovery);
	// any other transition leaves the stored error untouched.
	errVal := upd.Error
	if errVal == nil && upd.Status != taskflow.StatusCompleted {
		errVal = existing.Error
	}

	progress := existing.Progress
	if upd.Progress != nil {
		progress = *upd.Progress
	}
	startedAt := existing.StartedAt
	if upd.StartedAt != nil {
		startedAt = upd.StartedAt
	}
	completedAt := existing.CompletedAt
	if !upd.Status.IsTerminal() {
		// §3.1: completed_at is set iff the status is terminal, so a
		// re-execution transition back to pending/in_progress clears it.
		completedAt = nil
	} else if upd.CompletedAt != nil {
		completedAt = upd.CompletedAt
	}

	var resultArg any
	if upd.Result != nil {
		resultArg = nullJSONResult(upd.Result)
	} else {
		resultArg = nullJSONResult(existing.Result)
	}

	res, err := d.db.ExecContext(ctx, `
		UPDATE apflow_tasks
		SET status = ?, error = ?, result = ?, progress = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, string(upd.Status), nullableStr(errVal), resultArg, progress, timePtrToStr(startedAt), timePtrToStr(completedAt),
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return false, errors.Wrapf(err, "sqlite: update status %s", id)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (d *DB) UpdateInputs(ctx context.Context, id string, inputs map[string]any) (bool, error) {
	inputsJSON, err := store.MapJSON(inputs)
	if err != nil {
		return false, err
	}
	res, err := d.db.ExecContext(ctx, `UPDATE apflow_tasks SET inputs = ?, updated_at = ? WHERE id = ?`,
		string(inputsJSON), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return false, errors.Wrapf(err, "sqlite: update inputs %s", id)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (d *DB) UpdateDependencies(ctx context.Context, id string, deps []taskflow.Dependency) (bool, error) {
	existing, err := d.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, store.ErrTaskNotFound
	}
	if existing.Status != taskflow.StatusPending {
		return false, store.ErrNotPending
	}

	root, err := d.RootOf(ctx, existing)
	if err != nil {
		return false, err
	}
	all, err := d.AllInTree(ctx, root)
	if err != nil {
		return false, err
	}
	if err := validateDependencySet(id, deps, all); err != nil {
		return false, err
	}

	depsJSON, err := store.DependenciesJSON(deps)
	if err != nil {
		return false, err
	}
	res, err := d.db.ExecContext(ctx, `UPDATE apflow_tasks SET dependencies = ?, updated_at = ? WHERE id = ?`,
		string(depsJSON), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return false, errors.Wrapf(err, "sqlite: update dependencies %s", id)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// validateDependencySet enforces §3.1 invariants 2 and 3 for a proposed
// dependency replacement: every reference must resolve within the tree,
// and the resulting graph must stay acyclic.
func validateDependencySet(taskID string, deps []taskflow.Dependency, tree []*taskflow.Task) error {
	inTree := make(map[string]bool, len(tree))
	depsByID := make(map[string][]string, len(tree))
	for _, t := range tree {
		inTree[t.ID] = true
		for _, d := range t.Dependencies {
			depsByID[t.ID] = append(depsByID[t.ID], d.ID)
		}
	}
	depsByID[taskID] = nil
	for _, d := range deps {
		if !inTree[d.ID] {
			return errors.Wrapf(store.ErrCyclicDependency, "dependency %s is not in the same tree", d.ID)
		}
		depsByID[taskID] = append(depsByID[taskID], d.ID)
	}

	visiting := map[string]bool{}
	visited := map[string]bool{}
	var dfs func(string) error
	dfs = func(id string) error {
		if visited[id] {
			return nil
		}
		if visiting[id] {
			return errors.Wrap(store.ErrCyclicDependency, "circular dependency detected")
		}
		visiting[id] = true
		for _, depID := range depsByID[id] {
			if err := dfs(depID); err != nil {
				return err
			}
		}
		visiting[id] = false
		visited[id] = true
		return nil
	}
	for id := range depsByID {
		if err := dfs(id); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) CompletedByIDs(ctx context.Context, ids []string) (map[string]*taskflow.Task, error) {
	out := make(map[string]*taskflow.Task)
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids)+1)
	args[0] = string(taskflow.StatusCompleted)
	for i, id := range ids {
		placeholders[i] = "?"
		args[i+1] = id
	}
	query := `SELECT ` + selectColumns + ` FROM apflow_tasks WHERE status = ? AND id IN (` + strings.Join(placeholders, ",") + `)`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: completed by ids")
	}
	defer rows.Close()
	tasks, err := scanAll(rows)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		out[t.ID] = t
	}
	return out, nil
}

func (d *DB) Query(ctx context.Context, f store.QueryFilter) ([]*taskflow.Task, error) {
	var conds []string
	var args []any

	if f.UserID != nil {
		conds = append(conds, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.ParentID != nil {
		if *f.ParentID == "" {
			conds = append(conds, "parent_id IS NULL")
		} else {
			conds = append(conds, "parent_id = ?")
			args = append(args, *f.ParentID)
		}
	}

	query := `SELECT ` + selectColumns + ` FROM apflow_tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: query")
	}
	defer rows.Close()
	return scanAll(rows)
}

func (d *DB) ChildrenRecursive(ctx context.Context, id string) ([]*taskflow.Task, error) {
	var all []*taskflow.Task
	frontier := []string{id}
	for len(frontier) > 0 {
		var next []string
		for _, pid := range frontier {
			children, err := d.ChildrenOf(ctx, pid)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				all = append(all, c)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return all, nil
}

func (d *DB) FindDependents(ctx context.Context, id string) ([]*taskflow.Task, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM apflow_tasks`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: find dependents")
	}
	defer rows.Close()
	all, err := scanAll(rows)
	if err != nil {
		return nil, err
	}
	var dependents []*taskflow.Task
	for _, t := range all {
		for _, dep := range t.Dependencies {
			if dep.ID == id {
				dependents = append(dependents, t)
				break
			}
		}
	}
	return dependents, nil
}

func (d *DB) Delete(ctx context.Context, id string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM apflow_tasks WHERE id = ?`, id)
	if err != nil {
		return false, errors.Wrapf(err, "sqlite: delete %s", id)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

var _ store.Driver = (*DB)(nil)
