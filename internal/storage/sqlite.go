package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens/creates a SQLite DB and ensures schema + PRAGMAs.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps the batch transaction and event inserts serialized.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertSidecar(ctx context.Context, sidecar *Sidecar) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sidecars (sidecar_id, service_name, version, created) VALUES (?, ?, ?, ?)`,
		sidecar.SidecarID.String(), sidecar.ServiceName, sidecar.Version, unixNano(sidecar.Created))
	if err != nil {
		return fmt.Errorf("failed to insert sidecar: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, event *Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, sidecar_id, sequence, message, signature, created)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID.String(), event.SidecarID.String(), event.Sequence, event.Message, event.Signature, unixNano(event.Created))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindUnbatchedEvents(ctx context.Context, ids []uuid.UUID) ([]*Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, sidecar_id, batch_id, sequence, message, signature, created
		 FROM events WHERE event_id IN (`+placeholders+`) AND batch_id IS NULL
		 ORDER BY sequence ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanSQLiteEvents(rows)
}

func (s *SQLiteStore) CountEvents(ctx context.Context, sidecarID uuid.UUID, start, end time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE sidecar_id = ? AND created >= ? AND created <= ?`,
		sidecarID.String(), unixNano(start), unixNano(end)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) InsertBatch(ctx context.Context, batch *Batch, eventIDs []uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO batches (batch_id, sidecar_id, data, signature, created) VALUES (?, ?, ?, ?, ?)`,
		batch.BatchID.String(), batch.SidecarID.String(), batch.Data, batch.Signature, unixNano(batch.Created)); err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	if len(eventIDs) > 0 {
		placeholders, args := inClause(eventIDs)
		args = append([]any{batch.BatchID.String()}, args...)
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET batch_id = ? WHERE event_id IN (`+placeholders+`) AND batch_id IS NULL`,
			args...); err != nil {
			return fmt.Errorf("failed to assign events to batch: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) FindBatches(ctx context.Context, serviceName string, start, end time.Time) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT b.batch_id, b.sidecar_id, b.data, b.signature, b.created
		 FROM batches b JOIN sidecars s ON s.sidecar_id = b.sidecar_id
		 WHERE s.service_name = ? AND b.created >= ? AND b.created <= ?
		 ORDER BY b.created ASC`,
		serviceName, unixNano(start), unixNano(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	return scanSQLiteBatches(rows)
}

func (s *SQLiteStore) ListBatches(ctx context.Context) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, sidecar_id, data, signature, created FROM batches ORDER BY created ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	return scanSQLiteBatches(rows)
}

func (s *SQLiteStore) FindBatchEvents(ctx context.Context, batchID uuid.UUID) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, sidecar_id, batch_id, sequence, message, signature, created
		 FROM events WHERE batch_id = ? ORDER BY sequence ASC`,
		batchID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanSQLiteEvents(rows)
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM sidecars),
		        (SELECT COUNT(*) FROM events),
		        (SELECT COUNT(*) FROM events WHERE batch_id IS NULL),
		        (SELECT COUNT(*) FROM batches)`).
		Scan(&stats.Sidecars, &stats.Events, &stats.UnbatchedEvents, &stats.Batches)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	return stats, nil
}

func inClause(ids []uuid.UUID) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func scanSQLiteEvents(rows *sql.Rows) ([]*Event, error) {
	defer rows.Close()

	var result []*Event
	for rows.Next() {
		var (
			e       Event
			id, sid string
			batchID sql.NullString
			created int64
		)
		if err := rows.Scan(&id, &sid, &batchID, &e.Sequence, &e.Message, &e.Signature, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		var bid *string
		if batchID.Valid {
			bid = &batchID.String
		}
		if err := parseEventIDs(&e, id, sid, bid); err != nil {
			return nil, err
		}
		e.Created = time.Unix(0, created).UTC()
		result = append(result, &e)
	}
	return result, rows.Err()
}

func scanSQLiteBatches(rows *sql.Rows) ([]*Batch, error) {
	defer rows.Close()

	var result []*Batch
	for rows.Next() {
		var (
			b       Batch
			id, sid string
			created int64
		)
		if err := rows.Scan(&id, &sid, &b.Data, &b.Signature, &created); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		if err := parseBatchIDs(&b, id, sid); err != nil {
			return nil, err
		}
		b.Created = time.Unix(0, created).UTC()
		result = append(result, &b)
	}
	return result, rows.Err()
}
