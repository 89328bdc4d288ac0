package store

// Timestamps are stored as RFC3339 TEXT throughout, matching what the
// repositories write with time.Time.Format.
const schema = `
CREATE TABLE IF NOT EXISTS units (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	name        TEXT NOT NULL,
	trigger     TEXT NOT NULL,             -- JSON
	conditions  TEXT NOT NULL DEFAULT '[]',-- JSON
	actions     TEXT NOT NULL DEFAULT '[]',-- JSON
	status      TEXT NOT NULL DEFAULT 'active',
	run_count   INTEGER NOT NULL DEFAULT 0,
	last_run_at TEXT,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

-- One row per event-trigger leaf of a unit's trigger; this is the index
-- the matcher uses for candidate lookup instead of scanning all units.
CREATE TABLE IF NOT EXISTS unit_triggers (
	unit_id    TEXT NOT NULL REFERENCES units(id) ON DELETE CASCADE,
	source     TEXT NOT NULL,
	event_type TEXT NOT NULL,
	PRIMARY KEY (unit_id, source, event_type)
);
CREATE INDEX IF NOT EXISTS idx_unit_triggers_key ON unit_triggers(source, event_type);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	unit_id      TEXT NOT NULL,
	event_id     TEXT NOT NULL,
	owner_id     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	current_step INTEGER NOT NULL DEFAULT 0,
	context      TEXT NOT NULL DEFAULT '{}', -- JSON
	error        TEXT,
	resume_at    TEXT,
	started_at   TEXT,
	completed_at TEXT,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status_resume ON runs(status, resume_at);
CREATE INDEX IF NOT EXISTS idx_runs_unit ON runs(unit_id);

CREATE TABLE IF NOT EXISTS run_steps (
	run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	step_index    INTEGER NOT NULL,
	action_type   TEXT NOT NULL,
	action_config TEXT NOT NULL DEFAULT '{}', -- JSON
	status        TEXT NOT NULL,
	result        TEXT,
	error         TEXT,
	started_at    TEXT NOT NULL,
	completed_at  TEXT,
	PRIMARY KEY (run_id, step_index)
);

CREATE TABLE IF NOT EXISTS events (
	id          TEXT NOT NULL,
	dedupe_key  TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	owner_id    TEXT NOT NULL,
	payload     TEXT NOT NULL DEFAULT '{}', -- JSON
	occurred_at TEXT NOT NULL,
	received_at TEXT NOT NULL,
	expires_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_expires ON events(expires_at);

CREATE TABLE IF NOT EXISTS cached_entities (
	scope_key       TEXT NOT NULL,
	entity_id       TEXT NOT NULL,
	entity_type     TEXT NOT NULL,
	provider        TEXT NOT NULL,
	clean_body      TEXT NOT NULL,
	body_hash       TEXT NOT NULL,
	metadata        TEXT NOT NULL DEFAULT '{}', -- JSON
	was_truncated   INTEGER NOT NULL DEFAULT 0,
	original_length INTEGER NOT NULL DEFAULT 0,
	cached_at       TEXT NOT NULL,
	expires_at      TEXT NOT NULL,
	PRIMARY KEY (scope_key, entity_id)
);
CREATE INDEX IF NOT EXISTS idx_entities_recent ON cached_entities(scope_key, entity_type, cached_at);
CREATE INDEX IF NOT EXISTS idx_entities_expires ON cached_entities(expires_at);

CREATE TABLE IF NOT EXISTS fetch_fingerprints (
	scope_key    TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	entity_ids   TEXT NOT NULL DEFAULT '[]', -- JSON
	recorded_at  TEXT NOT NULL,
	expires_at   TEXT NOT NULL,
	PRIMARY KEY (scope_key, request_hash)
);
CREATE INDEX IF NOT EXISTS idx_fingerprints_expires ON fetch_fingerprints(expires_at);
`
