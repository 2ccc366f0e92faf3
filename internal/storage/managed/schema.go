package managed

// schema is idempotent and applied on every open.
//
// Foreign keys have no ON DELETE CASCADE: subject deletion removes
// dependents explicitly inside one unit of work. The partial unique index
// keeps at most one open sleep session per subject even if a caller
// bypasses the session operations.
const schema = `
CREATE TABLE IF NOT EXISTS subjects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	date_of_birth TEXT NOT NULL,
	sex TEXT,
	feeding_style TEXT,
	timezone TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	type TEXT NOT NULL,
	subtype TEXT,
	start_time TEXT NOT NULL,
	end_time TEXT,
	amount REAL,
	unit TEXT,
	side TEXT,
	note TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY (subject_id) REFERENCES subjects(id)
);

CREATE TABLE IF NOT EXISTS predictions (
	subject_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	predicted_time TEXT NOT NULL,
	confidence REAL NOT NULL,
	explanation TEXT,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (subject_id, kind),
	FOREIGN KEY (subject_id) REFERENCES subjects(id)
);

CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL,  -- JSON
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS last_used (
	event_type TEXT PRIMARY KEY,
	data TEXT NOT NULL,  -- JSON
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_subject_start ON events(subject_id, start_time DESC);
CREATE INDEX IF NOT EXISTS idx_events_updated ON events(updated_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_open_sleep
	ON events(subject_id) WHERE type = 'sleep' AND end_time IS NULL;
`
