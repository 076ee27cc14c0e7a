package sqlite

// schema creates the apflow_tasks table and its indexes (§6.5). JSON
// columns hold the structured fields (dependencies, inputs, params,
// result, schemas, extra); all timestamps are stored as RFC3339 UTC text.
const schema = `
CREATE TABLE IF NOT EXISTS apflow_tasks (
	id            TEXT PRIMARY KEY,
	parent_id     TEXT,
	user_id       TEXT,
	name          TEXT NOT NULL,
	status        TEXT NOT NULL,
	priority      INTEGER NOT NULL DEFAULT 1,
	dependencies  TEXT NOT NULL DEFAULT '[]',
	inputs        TEXT NOT NULL DEFAULT '{}',
	params        TEXT NOT NULL DEFAULT '{}',
	schemas       TEXT NOT NULL DEFAULT '{}',
	result        TEXT,
	error         TEXT,
	progress      REAL NOT NULL DEFAULT 0,
	has_children  INTEGER NOT NULL DEFAULT 0,
	extra         TEXT NOT NULL DEFAULT '{}',
	created_at    TEXT NOT NULL,
	started_at    TEXT,
	updated_at    TEXT NOT NULL,
	completed_at  TEXT
);

CREATE INDEX IF NOT EXISTS idx_apflow_tasks_parent_id ON apflow_tasks(parent_id);
CREATE INDEX IF NOT EXISTS idx_apflow_tasks_user_id   ON apflow_tasks(user_id);
CREATE INDEX IF NOT EXISTS idx_apflow_tasks_name       ON apflow_tasks(name);
CREATE INDEX IF NOT EXISTS idx_apflow_tasks_status     ON apflow_tasks(status);
`
