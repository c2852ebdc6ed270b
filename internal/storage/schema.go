package storage

// Postgres schema. Column names follow the sidecars/batches/events tables the
// KMS audits against.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS sidecars (
  sidecar_id   UUID PRIMARY KEY,
  service_name TEXT NOT NULL,
  version      VARCHAR(32) NOT NULL,
  created      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS batches (
  batch_id   UUID PRIMARY KEY,
  sidecar_id UUID NOT NULL REFERENCES sidecars(sidecar_id),
  data       TEXT NOT NULL,
  signature  VARCHAR(128),
  created    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS batches_sidecar_id_idx ON batches(sidecar_id);
CREATE INDEX IF NOT EXISTS batches_created_idx ON batches(created);
CREATE TABLE IF NOT EXISTS events (
  event_id   UUID PRIMARY KEY,
  sidecar_id UUID NOT NULL REFERENCES sidecars(sidecar_id),
  batch_id   UUID NULL REFERENCES batches(batch_id),
  sequence   BIGINT NOT NULL,
  message    TEXT NOT NULL,
  signature  VARCHAR(128),
  created    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS events_batch_id_idx ON events(batch_id);
CREATE INDEX IF NOT EXISTS events_sidecar_id_idx ON events(sidecar_id);
CREATE UNIQUE INDEX IF NOT EXISTS events_sidecar_sequence_uq ON events(sidecar_id, sequence);
`

// SQLite schema. Timestamps are unix nanoseconds, ids are text.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sidecars (
  sidecar_id   TEXT PRIMARY KEY,
  service_name TEXT NOT NULL,
  version      TEXT NOT NULL,
  created      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS batches (
  batch_id   TEXT PRIMARY KEY,
  sidecar_id TEXT NOT NULL REFERENCES sidecars(sidecar_id),
  data       TEXT NOT NULL,
  signature  TEXT,
  created    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS batches_sidecar_id_idx ON batches(sidecar_id);
CREATE INDEX IF NOT EXISTS batches_created_idx ON batches(created);
CREATE TABLE IF NOT EXISTS events (
  event_id   TEXT PRIMARY KEY,
  sidecar_id TEXT NOT NULL REFERENCES sidecars(sidecar_id),
  batch_id   TEXT NULL REFERENCES batches(batch_id),
  sequence   INTEGER NOT NULL,
  message    TEXT NOT NULL,
  signature  TEXT,
  created    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS events_batch_id_idx ON events(batch_id);
CREATE INDEX IF NOT EXISTS events_sidecar_id_idx ON events(sidecar_id);
CREATE UNIQUE INDEX IF NOT EXISTS events_sidecar_sequence_uq ON events(sidecar_id, sequence);
`
