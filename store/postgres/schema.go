package postgres

import "strconv"

// schema creates the apflow_tasks table (§6.5). JSONB columns hold the
// structured fields; timestamps are native timestamptz, unlike the sqlite
// driver which stores RFC3339 text — lib/pq/database/sql maps time.Time
// natively for Postgres.
const schema = `
CREATE TABLE IF NOT EXISTS apflow_tasks (
	id            TEXT PRIMARY KEY,
	parent_id     TEXT,
	user_id       TEXT,
	name          TEXT NOT NULL,
	status        TEXT NOT NULL,
	priority      INTEGER NOT NULL DEFAULT 1,
	dependencies  JSONB NOT NULL DEFAULT '[]',
	inputs        JSONB NOT NULL DEFAULT '{}',
	params        JSONB NOT NULL DEFAULT '{}',
	schemas       JSONB NOT NULL DEFAULT '{}',
	result        JSONB,
	error         TEXT,
	progress      DOUBLE PRECISION NOT NULL DEFAULT 0,
	has_children  BOOLEAN NOT NULL DEFAULT FALSE,
	extra         JSONB NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_apflow_tasks_parent_id ON apflow_tasks(parent_id);
CREATE INDEX IF NOT EXISTS idx_apflow_tasks_user_id   ON apflow_tasks(user_id);
CREATE INDEX IF NOT EXISTS idx_apflow_tasks_name      ON apflow_tasks(name);
CREATE INDEX IF NOT EXISTS idx_apflow_tasks_status    ON apflow_tasks(status);
`

// placeholder returns the $N Postgres bind-parameter token.
func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}
