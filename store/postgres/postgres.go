// Package postgres backs the task repository (store.Driver) with
// PostgreSQL via github.com/lib/pq, for deployments that need a shared,
// networked store rather than a single local file.
package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	_ "github.com/lib/pq"

	"github.com/apflow/taskflow"
	"github.com/apflow/taskflow/store"
)

// DB is the postgres-backed store.Driver.
type DB struct {
	db *sql.DB
}

// Open connects to the Postgres database at dsn and ensures the schema
// exists.
func Open(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres: dsn required")
	}
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "postgres: open %s", dsn)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "postgres: ping")
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "postgres: create schema")
	}
	return &DB{db: sqlDB}, nil
}

func (d *DB) Close() error { return d.db.Close() }

func nullableStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

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

	var resultArg any
	if t.Result != nil {
		b, err := store.MapJSON(t.Result)
		if err != nil {
			return nil, err
		}
		resultArg = b
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO apflow_tasks
			(id, parent_id, user_id, name, status, priority, dependencies, inputs,
			 params, schemas, result, error, progress, has_children, extra,
			 created_at, started_at, updated_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`,
		t.ID, nullableStr(t.ParentID), nullableStr(t.UserID), t.Name, string(t.Status),
		t.Priority, depsJSON, inputsJSON, paramsJSON, schemasJSON,
		resultArg, nullableStr(t.Error), t.Progress, t.HasChildren, extraJSON,
		t.CreatedAt, nullableTime(t.StartedAt), t.UpdatedAt, nullableTime(t.CompletedAt),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "postgres: create task %s", t.ID)
	}

	if t.ParentID != nil {
		if _, err := d.db.ExecContext(ctx, `UPDATE apflow_tasks SET has_children = TRUE WHERE id = $1`, *t.ParentID); err != nil {
			return nil, errors.Wrap(err, "postgres: mark parent has_children")
		}
	}

	return d.GetTask(ctx, t.ID)
}

const selectColumns = `id, parent_id, user_id, name, status, priority, dependencies, inputs,
	params, schemas, result, error, progress, has_children, extra,
	created_at, started_at, updated_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*taskflow.Task, error) {
	var (
		id, name, status             string
		parentID, userID, errStr     sql.NullString
		priority                     int
		depsRaw, inputsRaw           []byte
		paramsRaw, schemasRaw        []byte
		resultRaw, extraRaw          []byte
		progress                     float64
		hasChildren                  bool
		createdAt, updatedAt         time.Time
		startedAt, completedAt       sql.NullTime
	)

	if err := row.Scan(&id, &parentID, &userID, &name, &status, &priority, &depsRaw, &inputsRaw,
		&paramsRaw, &schemasRaw, &resultRaw, &errStr, &progress, &hasChildren, &extraRaw,
		&createdAt, &startedAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}

	deps, err := store.ParseDependencies(depsRaw)
	if err != nil {
		return nil, err
	}
	inputs, err := store.ParseMap(inputsRaw)
	if err != nil {
		return nil, err
	}
	params, err := store.ParseMap(paramsRaw)
	if err != nil {
		return nil, err
	}
	schemas, err := store.ParseSchemas(schemasRaw)
	if err != nil {
		return nil, err
	}
	extra, err := store.ParseMap(extraRaw)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if resultRaw != nil {
		result, err = store.ParseMap(resultRaw)
		if err != nil {
			return nil, err
		}
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
		HasChildren:  hasChildren,
		Extra:        extra,
		CreatedAt:    createdAt,
		StartedAt:    timePtr(startedAt),
		UpdatedAt:    updatedAt,
		CompletedAt:  timePtr(completedAt),
	}, nil
}

func (d *DB) GetTask(ctx context.Context, id string) (*taskflow.Task, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM apflow_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "postgres: get task %s", id)
	}
	return t, nil
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

func (d *DB) ChildrenOf(ctx context.Context, parentID string) ([]*taskflow.Task, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM apflow_tasks WHERE parent_id = $1 ORDER BY priority ASC, created_at ASC`, parentID)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: children of")
	}
	defer rows.Close()
	return scanAll(rows)
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
		completedAt = nil
	} else if upd.CompletedAt != nil {
		completedAt = upd.CompletedAt
	}

	result := existing.Result
	if upd.Result != nil {
		result = upd.Result
	}
	var resultArg any
	if result != nil {
		b, err := store.MapJSON(result)
		if err != nil {
			return false, err
		}
		resultArg = b
	}

	res, err := d.db.ExecContext(ctx, `
		UPDATE apflow_tasks
		SET status = $1, error = $2, result = $3, progress = $4, started_at = $5, completed_at = $6, updated_at = $7
		WHERE id = $8
	`, string(upd.Status), nullableStr(errVal), resultArg, progress, nullableTime(startedAt), nullableTime(completedAt),
		time.Now().UTC(), id)
	if err != nil {
		return false, errors.Wrapf(err, "postgres: update status %s", id)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (d *DB) UpdateInputs(ctx context.Context, id string, inputs map[string]any) (bool, error) {
	inputsJSON, err := store.MapJSON(inputs)
	if err != nil {
		return false, err
	}
	res, err := d.db.ExecContext(ctx, `UPDATE apflow_tasks SET inputs = $1, updated_at = $2 WHERE id = $3`,
		inputsJSON, time.Now().UTC(), id)
	if err != nil {
		return false, errors.Wrapf(err, "postgres: update inputs %s", id)
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
	res, err := d.db.ExecContext(ctx, `UPDATE apflow_tasks SET dependencies = $1, updated_at = $2 WHERE id = $3`,
		depsJSON, time.Now().UTC(), id)
	if err != nil {
		return false, errors.Wrapf(err, "postgres: update dependencies %s", id)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// validateDependencySet mirrors the sqlite driver's invariant check
// (§3.1 invariants 2 and 3): every reference must resolve in-tree and the
// resulting graph must stay acyclic.
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
		placeholders[i] = placeholder(i + 2)
		args[i+1] = id
	}
	query := `SELECT ` + selectColumns + ` FROM apflow_tasks WHERE status = $1 AND id IN (` + strings.Join(placeholders, ",") + `)`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: completed by ids")
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
	conds := []string{"1 = 1"}
	var args []any

	if f.UserID != nil {
		args = append(args, *f.UserID)
		conds = append(conds, "user_id = "+placeholder(len(args)))
	}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		conds = append(conds, "status = "+placeholder(len(args)))
	}
	if f.ParentID != nil {
		if *f.ParentID == "" {
			conds = append(conds, "parent_id IS NULL")
		} else {
			args = append(args, *f.ParentID)
			conds = append(conds, "parent_id = "+placeholder(len(args)))
		}
	}

	query := `SELECT ` + selectColumns + ` FROM apflow_tasks WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT " + placeholder(len(args))
		if f.Offset > 0 {
			args = append(args, f.Offset)
			query += " OFFSET " + placeholder(len(args))
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: query")
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
		return nil, errors.Wrap(err, "postgres: find dependents")
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
	res, err := d.db.ExecContext(ctx, `DELETE FROM apflow_tasks WHERE id = $1`, id)
	if err != nil {
		return false, errors.Wrapf(err, "postgres: delete %s", id)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

var _ store.Driver = (*DB)(nil)
