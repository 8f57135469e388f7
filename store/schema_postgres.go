package store

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS technicians (
    org_id          TEXT NOT NULL,
    id              TEXT NOT NULL,
    name            TEXT NOT NULL DEFAULT '',
    skills          TEXT NOT NULL DEFAULT '[]',
    capacity_limit  INTEGER NOT NULL DEFAULT 0,
    shift_start     TIMESTAMPTZ NOT NULL,
    shift_end       TIMESTAMPTZ NOT NULL,
    base_lat        DOUBLE PRECISION NOT NULL DEFAULT 0,
    base_lon        DOUBLE PRECISION NOT NULL DEFAULT 0,
    current_lat     DOUBLE PRECISION,
    current_lon     DOUBLE PRECISION,
    location_at     TIMESTAMPTZ,
    location_stale  BOOLEAN NOT NULL DEFAULT FALSE,
    state           TEXT NOT NULL DEFAULT 'off_shift',
    active          BOOLEAN NOT NULL DEFAULT TRUE,
    last_seq        BIGINT NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (org_id, id)
);

CREATE TABLE IF NOT EXISTS work_orders (
    org_id          TEXT NOT NULL,
    id              TEXT NOT NULL,
    job_number      TEXT NOT NULL DEFAULT '',
    skills          TEXT NOT NULL DEFAULT '[]',
    duration_min    INTEGER NOT NULL,
    priority        INTEGER NOT NULL DEFAULT 2,
    earliest_start  TIMESTAMPTZ NOT NULL,
    latest_start    TIMESTAMPTZ NOT NULL,
    lat             DOUBLE PRECISION NOT NULL,
    lon             DOUBLE PRECISION NOT NULL,
    capacity        INTEGER NOT NULL DEFAULT 0,
    state           TEXT NOT NULL DEFAULT 'unscheduled',
    technician_id   TEXT NOT NULL DEFAULT '',
    route_index     INTEGER NOT NULL DEFAULT -1,
    skill_waived    BOOLEAN NOT NULL DEFAULT FALSE,
    arrived_at      TIMESTAMPTZ,
    completed_at    TIMESTAMPTZ,
    failed_attempts INTEGER NOT NULL DEFAULT 0,
    blocked_by      TEXT NOT NULL DEFAULT '',
    last_seq        BIGINT NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (org_id, id)
);
CREATE INDEX IF NOT EXISTS idx_work_orders_state ON work_orders(org_id, state);
CREATE INDEX IF NOT EXISTS idx_work_orders_tech ON work_orders(org_id, technician_id);

CREATE TABLE IF NOT EXISTS route_stops (
    org_id             TEXT NOT NULL,
    technician_id      TEXT NOT NULL,
    seq_index          INTEGER NOT NULL,
    job_id             TEXT NOT NULL,
    planned_arrival    TIMESTAMPTZ NOT NULL,
    planned_departure  TIMESTAMPTZ NOT NULL,
    leg_minutes        DOUBLE PRECISION NOT NULL DEFAULT 0,
    cumulative_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
    PRIMARY KEY (org_id, technician_id, seq_index)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_route_stops_job ON route_stops(org_id, job_id);

CREATE TABLE IF NOT EXISTS schedule_events (
    id              BIGSERIAL PRIMARY KEY,
    org_id          TEXT NOT NULL,
    seq             BIGINT NOT NULL,
    kind            TEXT NOT NULL,
    job_id          TEXT NOT NULL DEFAULT '',
    technician_id   TEXT NOT NULL DEFAULT '',
    from_state      TEXT NOT NULL DEFAULT '',
    to_state        TEXT NOT NULL DEFAULT '',
    actor           TEXT NOT NULL DEFAULT '',
    skill_waived    BOOLEAN NOT NULL DEFAULT FALSE,
    degraded        BOOLEAN NOT NULL DEFAULT FALSE,
    payload         TEXT NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ NOT NULL,
    UNIQUE (org_id, seq)
);

CREATE TABLE IF NOT EXISTS outbox (
    id          BIGSERIAL PRIMARY KEY,
    topic       TEXT NOT NULL,
    payload     BYTEA NOT NULL,
    msg_type    TEXT NOT NULL DEFAULT '',
    node_id     TEXT NOT NULL DEFAULT '',
    retries     INTEGER NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    sent_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(sent_at, id);

CREATE TABLE IF NOT EXISTS audit_log (
    id          BIGSERIAL PRIMARY KEY,
    org_id      TEXT NOT NULL DEFAULT '',
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    action      TEXT NOT NULL,
    old_value   TEXT NOT NULL DEFAULT '',
    new_value   TEXT NOT NULL DEFAULT '',
    actor       TEXT NOT NULL DEFAULT 'system',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS admin_users (
    id            BIGSERIAL PRIMARY KEY,
    username      TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS dispatch_queue (
    org_id      TEXT NOT NULL,
    job_id      TEXT NOT NULL,
    reason      TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    attempts    INTEGER NOT NULL DEFAULT 0,
    escalated   BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (org_id, job_id)
);

CREATE TABLE IF NOT EXISTS distance_cache (
    origin      TEXT NOT NULL,
    destination TEXT NOT NULL,
    minutes     DOUBLE PRECISION NOT NULL,
    km          DOUBLE PRECISION NOT NULL,
    fetched_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (origin, destination)
);
`
