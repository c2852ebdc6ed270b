package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) InsertSidecar(ctx context.Context, sidecar *Sidecar) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sidecars (sidecar_id, service_name, version, created) VALUES ($1, $2, $3, $4)`,
		sidecar.SidecarID.String(), sidecar.ServiceName, sidecar.Version, sidecar.Created)
	if err != nil {
		return fmt.Errorf("failed to insert sidecar: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, event *Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (event_id, sidecar_id, sequence, message, signature, created)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.EventID.String(), event.SidecarID.String(), event.Sequence, event.Message, event.Signature, event.Created)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindUnbatchedEvents(ctx context.Context, ids []uuid.UUID) ([]*Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, sidecar_id, batch_id, sequence, message, signature, created
		 FROM events WHERE event_id = ANY($1::uuid[]) AND batch_id IS NULL
		 ORDER BY sequence ASC`,
		uuidStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return collectEvents(rows)
}

func (s *PostgresStore) CountEvents(ctx context.Context, sidecarID uuid.UUID, start, end time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM events WHERE sidecar_id = $1 AND created >= $2 AND created <= $3`,
		sidecarID.String(), start, end).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) InsertBatch(ctx context.Context, batch *Batch, eventIDs []uuid.UUID) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO batches (batch_id, sidecar_id, data, signature, created) VALUES ($1, $2, $3, $4, $5)`,
			batch.BatchID.String(), batch.SidecarID.String(), batch.Data, batch.Signature, batch.Created)
		if err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE events SET batch_id = $1 WHERE event_id = ANY($2::uuid[]) AND batch_id IS NULL`,
			batch.BatchID.String(), uuidStrings(eventIDs))
		if err != nil {
			return fmt.Errorf("failed to assign events to batch: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) FindBatches(ctx context.Context, serviceName string, start, end time.Time) ([]*Batch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT b.batch_id, b.sidecar_id, b.data, b.signature, b.created
		 FROM batches b JOIN sidecars s ON s.sidecar_id = b.sidecar_id
		 WHERE s.service_name = $1 AND b.created >= $2 AND b.created <= $3
		 ORDER BY b.created ASC`,
		serviceName, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	return collectBatches(rows)
}

func (s *PostgresStore) ListBatches(ctx context.Context) ([]*Batch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT batch_id, sidecar_id, data, signature, created FROM batches ORDER BY created ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	return collectBatches(rows)
}

func (s *PostgresStore) FindBatchEvents(ctx context.Context, batchID uuid.UUID) ([]*Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, sidecar_id, batch_id, sequence, message, signature, created
		 FROM events WHERE batch_id = $1 ORDER BY sequence ASC`,
		batchID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return collectEvents(rows)
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.pool.QueryRow(ctx,
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

func collectEvents(rows pgx.Rows) ([]*Event, error) {
	defer rows.Close()

	var result []*Event
	for rows.Next() {
		var (
			e       Event
			id, sid string
			batchID *string
		)
		if err := rows.Scan(&id, &sid, &batchID, &e.Sequence, &e.Message, &e.Signature, &e.Created); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := parseEventIDs(&e, id, sid, batchID); err != nil {
			return nil, err
		}
		e.Created = e.Created.UTC()
		result = append(result, &e)
	}
	return result, rows.Err()
}

func collectBatches(rows pgx.Rows) ([]*Batch, error) {
	defer rows.Close()

	var result []*Batch
	for rows.Next() {
		var (
			b       Batch
			id, sid string
		)
		if err := rows.Scan(&id, &sid, &b.Data, &b.Signature, &b.Created); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		if err := parseBatchIDs(&b, id, sid); err != nil {
			return nil, err
		}
		b.Created = b.Created.UTC()
		result = append(result, &b)
	}
	return result, rows.Err()
}

func parseEventIDs(e *Event, id, sidecarID string, batchID *string) error {
	var err error
	if e.EventID, err = uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid event id %q: %w", id, err)
	}
	if e.SidecarID, err = uuid.Parse(sidecarID); err != nil {
		return fmt.Errorf("invalid sidecar id %q: %w", sidecarID, err)
	}
	if batchID != nil {
		b, err := uuid.Parse(*batchID)
		if err != nil {
			return fmt.Errorf("invalid batch id %q: %w", *batchID, err)
		}
		e.BatchID = uuid.NullUUID{UUID: b, Valid: true}
	}
	return nil
}

func parseBatchIDs(b *Batch, id, sidecarID string) error {
	var err error
	if b.BatchID, err = uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid batch id %q: %w", id, err)
	}
	if b.SidecarID, err = uuid.Parse(sidecarID); err != nil {
		return fmt.Errorf("invalid sidecar id %q: %w", sidecarID, err)
	}
	return nil
}
