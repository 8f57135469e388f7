package store

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS technicians (
    org_id          TEXT NOT NULL,
    id              TEXT NOT NULL,
    name            TEXT NOT NULL DEFAULT '',
    skills          TEXT NOT NULL DEFAULT '[]',
    capacity_limit  INTEGER NOT NULL DEFAULT 0,
    shift_start     TEXT NOT NULL,
    shift_end       TEXT NOT NULL,
    base_lat        REAL NOT NULL DEFAULT 0,
    base_lon        REAL NOT NULL DEFAULT 0,
    current_lat     REAL,
    current_lon     REAL,
    location_at     TEXT,
    location_stale  INTEGER NOT NULL DEFAULT 0,
    state           TEXT NOT NULL DEFAULT 'off_shift',
    active          INTEGER NOT NULL DEFAULT 1,
    last_seq        INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL DEFAULT (datetime('now','localtime')),
    updated_at      TEXT NOT NULL DEFAULT (datetime('now','localtime')),
    PRIMARY KEY (org_id, id)
);

CREATE TABLE IF NOT EXISTS work_orders (
    org_id          TEXT NOT NULL,
    id              TEXT NOT NULL,
    job_number      TEXT NOT NULL DEFAULT '',
    skills          TEXT NOT NULL DEFAULT '[]',
    duration_min    INTEGER NOT NULL,
    priority        INTEGER NOT NULL DEFAULT 2,
    earliest_start  TEXT NOT NULL,
    latest_start    TEXT NOT NULL,
    lat             REAL NOT NULL,
    lon             REAL NOT NULL,
    capacity        INTEGER NOT NULL DEFAULT 0,
    state           TEXT NOT NULL DEFAULT 'unscheduled',
    technician_id   TEXT NOT NULL DEFAULT '',
    route_index     INTEGER NOT NULL DEFAULT -1,
    skill_waived    INTEGER NOT NULL DEFAULT 0,
    arrived_at      TEXT,
    completed_at    TEXT,
    failed_attempts INTEGER NOT NULL DEFAULT 0,
    blocked_by      TEXT NOT NULL DEFAULT '',
    last_seq        INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL DEFAULT (datetime('now','localtime')),
    updated_at      TEXT NOT NULL DEFAULT (datetime('now','localtime')),
    PRIMARY KEY (org_id, id)
);
CREATE INDEX IF NOT EXISTS idx_work_orders_state ON work_orders(org_id, state);
CREATE INDEX IF NOT EXISTS idx_work_orders_tech ON work_orders(org_id, technician_id);

CREATE TABLE IF NOT EXISTS route_stops (
    org_id             TEXT NOT NULL,
    technician_id      TEXT NOT NULL,
    seq_index          INTEGER NOT NULL,
    job_id             TEXT NOT NULL,
    planned_arrival    TEXT NOT NULL,
    planned_departure  TEXT NOT NULL,
    leg_minutes        REAL NOT NULL DEFAULT 0,
    cumulative_minutes REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (org_id, technician_id, seq_index)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_route_stops_job ON route_stops(org_id, job_id);

CREATE TABLE IF NOT EXISTS schedule_events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    org_id          TEXT NOT NULL,
    seq             INTEGER NOT NULL,
    kind            TEXT NOT NULL,
    job_id          TEXT NOT NULL DEFAULT '',
    technician_id   TEXT NOT NULL DEFAULT '',
    from_state      TEXT NOT NULL DEFAULT '',
    to_state        TEXT NOT NULL DEFAULT '',
    actor           TEXT NOT NULL DEFAULT '',
    skill_waived    INTEGER NOT NULL DEFAULT 0,
    degraded        INTEGER NOT NULL DEFAULT 0,
    payload         TEXT NOT NULL DEFAULT '{}',
    created_at      TEXT NOT NULL,
    UNIQUE (org_id, seq)
);

CREATE TABLE IF NOT EXISTS outbox (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    topic       TEXT NOT NULL,
    payload     BLOB NOT NULL,
    msg_type    TEXT NOT NULL DEFAULT '',
    node_id     TEXT NOT NULL DEFAULT '',
    retries     INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL DEFAULT (datetime('now','localtime')),
    sent_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(sent_at, id);

CREATE TABLE IF NOT EXISTS audit_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    org_id      TEXT NOT NULL DEFAULT '',
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    action      TEXT NOT NULL,
    old_value   TEXT NOT NULL DEFAULT '',
    new_value   TEXT NOT NULL DEFAULT '',
    actor       TEXT NOT NULL DEFAULT 'system',
    created_at  TEXT NOT NULL DEFAULT (datetime('now','localtime'))
);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS admin_users (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    username      TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at    TEXT NOT NULL DEFAULT (datetime('now','localtime'))
);

CREATE TABLE IF NOT EXISTS dispatch_queue (
    org_id      TEXT NOT NULL,
    job_id      TEXT NOT NULL,
    reason      TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    attempts    INTEGER NOT NULL DEFAULT 0,
    escalated   INTEGER NOT NULL DEFAULT 0,
    updated_at  TEXT NOT NULL DEFAULT (datetime('now','localtime')),
    PRIMARY KEY (org_id, job_id)
);

CREATE TABLE IF NOT EXISTS distance_cache (
    origin      TEXT NOT NULL,
    destination TEXT NOT NULL,
    minutes     REAL NOT NULL,
    km          REAL NOT NULL,
    fetched_at  TEXT NOT NULL,
    PRIMARY KEY (origin, destination)
);
`
