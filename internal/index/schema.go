package index

import "context"

// schema creates every table for the blob/entry index and the task
// scheduler, plus their supporting indexes. Idempotent: safe to run
// against an already-migrated database.
const schema = `
CREATE TABLE IF NOT EXISTS organization (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS tenant (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	org_id INTEGER NOT NULL REFERENCES organization(id),
	name   TEXT NOT NULL,
	uuid   TEXT,
	UNIQUE(org_id, name)
);

CREATE TABLE IF NOT EXISTS blob_ref (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	hash       TEXT NOT NULL,
	leaf_size  INTEGER NOT NULL,
	container  INTEGER NOT NULL,
	mime_type  TEXT,
	handler    TEXT,
	UNIQUE(hash, leaf_size, container)
);

CREATE TABLE IF NOT EXISTS blob (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id   INTEGER NOT NULL REFERENCES tenant(id),
	blob_ref_id INTEGER NOT NULL REFERENCES blob_ref(id),
	UNIQUE(tenant_id, blob_ref_id)
);

CREATE TABLE IF NOT EXISTS blob_content (
	blob_id        INTEGER PRIMARY KEY REFERENCES blob(id),
	extracted_text TEXT,
	metadata       TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS container (
	blob_id     INTEGER PRIMARY KEY REFERENCES blob(id),
	entry_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS entry (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	container_id INTEGER NOT NULL REFERENCES container(blob_id),
	blob_id      INTEGER NOT NULL REFERENCES blob(id),
	entry_type   TEXT NOT NULL CHECK (entry_type IN ('file','directory','symlink')),
	internal_path TEXT NOT NULL,
	entry_order  INTEGER NOT NULL,
	mtime        INTEGER,
	metadata     TEXT NOT NULL DEFAULT '{}',
	UNIQUE(container_id, internal_path)
);
CREATE INDEX IF NOT EXISTS idx_entry_container ON entry(container_id, entry_order);

CREATE TABLE IF NOT EXISTS node (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	hostname  TEXT NOT NULL UNIQUE,
	last_seen INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS task_resource (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	name            TEXT NOT NULL UNIQUE,
	max_concurrency INTEGER
);

CREATE TABLE IF NOT EXISTS task (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id      INTEGER NOT NULL REFERENCES tenant(id),
	parent_id      INTEGER REFERENCES task(id),
	type           TEXT NOT NULL,
	status         TEXT NOT NULL CHECK (status IN
	               ('OPEN','IN_PROGRESS','BLOCKED','BACKGROUND','COMPLETE','ERROR','CANCELLED','DEAD')),
	priority       INTEGER NOT NULL DEFAULT 128,
	input          TEXT NOT NULL DEFAULT '{}',
	output         TEXT,
	retryable      INTEGER,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	executor_node  TEXT,
	created_at     INTEGER NOT NULL,
	claimed_at     INTEGER,
	completed_at   INTEGER,
	expires_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_task_claimable ON task(status, priority DESC, created_at ASC, id ASC);
CREATE INDEX IF NOT EXISTS idx_task_parent ON task(parent_id);

CREATE TABLE IF NOT EXISTS task_task_dep (
	task_id    INTEGER NOT NULL REFERENCES task(id),
	depends_on INTEGER NOT NULL REFERENCES task(id),
	PRIMARY KEY (task_id, depends_on)
);

CREATE TABLE IF NOT EXISTS task_resource_dep (
	task_id     INTEGER NOT NULL REFERENCES task(id),
	resource_id INTEGER NOT NULL REFERENCES task_resource(id),
	PRIMARY KEY (task_id, resource_id)
);
`

// Migrate applies the schema. Safe to call on every startup.
func Migrate(ctx context.Context, db *DB) error {
	_, err := db.Exec(ctx, schema)
	return err
}
