package store

// ClientSchema is the local replica layout: the singleton cursor row, the
// outbox, and one table per entity type. Deletions are tombstones
// (deleted_at_ms set), never physical row removal, so every entity table
// keeps the full timestamp triple. server_modified_at_ms is written only
// when applying pulled changes and is indexed for changefeed-style local
// consumers.
const ClientSchema = `
CREATE TABLE IF NOT EXISTS sync_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	cursor_ms INTEGER
);
INSERT OR IGNORE INTO sync_state (id, cursor_ms) VALUES (1, NULL);

CREATE TABLE IF NOT EXISTS outbox (
	op_id TEXT PRIMARY KEY,
	body_json TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_created ON outbox(created_at_ms);
` + entityTables

// ServerSchema is the authoritative layout: the same entity tables plus
// the operation dedupe table that makes replayed opIds a no-op.
const ServerSchema = `
CREATE TABLE IF NOT EXISTS sync_ops (
	op_id TEXT PRIMARY KEY,
	applied_at_ms INTEGER NOT NULL
);
` + entityTables

const entityTables = `
CREATE TABLE IF NOT EXISTS people (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT '',
	updated_at_ms INTEGER NOT NULL,
	deleted_at_ms INTEGER,
	server_modified_at_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_people_server_modified ON people(server_modified_at_ms);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	starts_at_ms INTEGER NOT NULL DEFAULT 0,
	ends_at_ms INTEGER NOT NULL DEFAULT 0,
	updated_at_ms INTEGER NOT NULL,
	deleted_at_ms INTEGER,
	server_modified_at_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_events_server_modified ON events(server_modified_at_ms);

CREATE TABLE IF NOT EXISTS attendance (
	id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL DEFAULT '',
	person_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	updated_at_ms INTEGER NOT NULL,
	deleted_at_ms INTEGER,
	server_modified_at_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_attendance_server_modified ON attendance(server_modified_at_ms);
CREATE INDEX IF NOT EXISTS idx_attendance_event ON attendance(event_id);
`
