package storage

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

type Sidecar struct {
	SidecarID   uuid.UUID `json:"sidecar_id"`
	ServiceName string    `json:"service_name"`
	Version     string    `json:"version"`
	Created     time.Time `json:"created"`
}

type Event struct {
	EventID   uuid.UUID     `json:"event_id"`
	SidecarID uuid.UUID     `json:"sidecar_id"`
	BatchID   uuid.NullUUID `json:"batch_id"`
	Sequence  int64         `json:"sequence"`
	Message   string        `json:"message"`
	Signature string        `json:"signature"`
	Created   time.Time     `json:"created"`
}

type Batch struct {
	BatchID   uuid.UUID `json:"batch_id"`
	SidecarID uuid.UUID `json:"sidecar_id"`
	Data      string    `json:"data"`
	Signature string    `json:"signature"`
	Created   time.Time `json:"created"`
}

type Stats struct {
	Sidecars        int
	Events          int
	UnbatchedEvents int
	Batches         int
}

// Store persists sidecars, events and batches.
type Store interface {
	InsertSidecar(ctx context.Context, sidecar *Sidecar) error
	InsertEvent(ctx context.Context, event *Event) error

	// FindUnbatchedEvents returns the events among ids that have no batch yet,
	// ordered by sequence ascending.
	FindUnbatchedEvents(ctx context.Context, ids []uuid.UUID) ([]*Event, error)

	// CountEvents counts events of a sidecar created within [start, end].
	CountEvents(ctx context.Context, sidecarID uuid.UUID, start, end time.Time) (int, error)

	// InsertBatch writes batch and assigns eventIDs to it in one transaction.
	// Events that already belong to a batch are left untouched.
	InsertBatch(ctx context.Context, batch *Batch, eventIDs []uuid.UUID) error

	// FindBatches returns batches of a service created within [start, end],
	// ordered by creation time ascending.
	FindBatches(ctx context.Context, serviceName string, start, end time.Time) ([]*Batch, error)

	ListBatches(ctx context.Context) ([]*Batch, error)
	FindBatchEvents(ctx context.Context, batchID uuid.UUID) ([]*Event, error)
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

const (
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Options struct {
	Driver string
	Path   string
	DSN    string
}

// Open opens the store selected by opts.Driver and applies its schema.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverBolt, "":
		return NewBoltStore(opts.Path)
	case DriverPostgres:
		return NewPostgresStore(ctx, opts.DSN)
	case DriverSQLite:
		return NewSQLiteStore(ctx, opts.Path)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", opts.Driver)
	}
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

var (
	minUnixNano = time.Unix(0, math.MinInt64)
	maxUnixNano = time.Unix(0, math.MaxInt64)
)

// unixNano is t.UnixNano clamped to the int64 range, so open-ended query
// bounds such as the zero time or year 9999 keep their ordering.
func unixNano(t time.Time) int64 {
	if t.Before(minUnixNano) {
		return math.MinInt64
	}
	if t.After(maxUnixNano) {
		return math.MaxInt64
	}
	return t.UnixNano()
}
