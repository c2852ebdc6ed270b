package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/forensic-logging/sidecar/internal/event"
	"github.com/forensic-logging/sidecar/internal/signing"
	"github.com/forensic-logging/sidecar/internal/storage"
	"github.com/google/uuid"
)

// Store is the part of the storage layer batches need.
type Store interface {
	FindUnbatchedEvents(ctx context.Context, ids []uuid.UUID) ([]*storage.Event, error)
	InsertBatch(ctx context.Context, batch *storage.Batch, eventIDs []uuid.UUID) error
	FindBatches(ctx context.Context, serviceName string, start, end time.Time) ([]*storage.Batch, error)
}

// Row is one signed event inside a batch payload.
type Row struct {
	Row       event.Signable `json:"row"`
	Signature string         `json:"signature"`
}

// BuildData serializes events, in the order given, into a batch payload.
func BuildData(events []*storage.Event) (string, error) {
	rows := make([]Row, 0, len(events))
	for _, e := range events {
		rows = append(rows, Row{Row: event.SignableEvent(e), Signature: e.Signature})
	}

	data, err := event.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("failed to encode batch data: %w", err)
	}
	return string(data), nil
}

// Create batches the still unbatched events among eventIDs, ordered by
// sequence, and signs the payload with batchKey. The batch row and the event
// assignment are written in one transaction.
func Create(ctx context.Context, store Store, sidecarID uuid.UUID, eventIDs []uuid.UUID, batchKey string) (*storage.Batch, error) {
	events, err := store.FindUnbatchedEvents(ctx, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load unbatched events: %w", err)
	}

	data, err := BuildData(events)
	if err != nil {
		return nil, err
	}

	signature, err := signing.SignAsymmetric([]byte(data), batchKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign batch: %w", err)
	}

	b := &storage.Batch{
		BatchID:   uuid.New(),
		SidecarID: sidecarID,
		Data:      data,
		Signature: signature,
		Created:   time.Now().UTC().Truncate(time.Millisecond),
	}

	ids := make([]uuid.UUID, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.EventID)
	}

	if err := store.InsertBatch(ctx, b, ids); err != nil {
		return nil, fmt.Errorf("failed to store batch: %w", err)
	}

	return b, nil
}

// FindForService returns the batches of serviceName created within
// [start, end], oldest first.
func FindForService(ctx context.Context, store Store, serviceName string, start, end time.Time) ([]*storage.Batch, error) {
	return store.FindBatches(ctx, serviceName, start, end)
}
