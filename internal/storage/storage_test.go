package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBoltStore(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "sidecar-test.db"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	runStoreTests(t, store)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "sidecar-test.sqlite"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	runStoreTests(t, store)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("SIDECAR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SIDECAR_TEST_POSTGRES_DSN not set")
	}

	store, err := NewPostgresStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	runStoreTests(t, store)
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Options{Driver: "mysql"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestCreatedKeyOrdering(t *testing.T) {
	times := []time.Time{
		{},
		time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Unix(-1, 0),
		time.Unix(0, 0),
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC),
	}

	for i := 1; i < len(times); i++ {
		prev := createdKey(times[i-1], lastUUID)
		next := createdKey(times[i], uuid.Nil)
		if bytes.Compare(prev, next) >= 0 {
			t.Errorf("key for %v does not sort before key for %v", times[i-1], times[i])
		}
	}
}

func runStoreTests(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service := "payments-" + uuid.NewString()[:8]

	sidecar := &Sidecar{SidecarID: uuid.New(), ServiceName: service, Version: "1.0.0", Created: base}
	other := &Sidecar{SidecarID: uuid.New(), ServiceName: service + "-other", Version: "1.0.0", Created: base}

	var events []*Event

	t.Run("InsertSidecar", func(t *testing.T) {
		if err := store.InsertSidecar(ctx, sidecar); err != nil {
			t.Fatalf("InsertSidecar failed: %v", err)
		}
		if err := store.InsertSidecar(ctx, other); err != nil {
			t.Fatalf("InsertSidecar failed: %v", err)
		}
		if err := store.InsertSidecar(ctx, sidecar); err == nil {
			t.Error("expected duplicate sidecar to fail")
		}
	})

	t.Run("InsertEvent", func(t *testing.T) {
		// Inserted out of sequence order on purpose.
		for i, seq := range []int64{3, 1, 2} {
			e := &Event{
				EventID:   uuid.New(),
				SidecarID: sidecar.SidecarID,
				Sequence:  seq,
				Message:   "message",
				Signature: "sig",
				Created:   base.Add(time.Duration(i) * time.Minute),
			}
			if err := store.InsertEvent(ctx, e); err != nil {
				t.Fatalf("InsertEvent failed: %v", err)
			}
			events = append(events, e)
		}

		dup := &Event{EventID: uuid.New(), SidecarID: sidecar.SidecarID, Sequence: 1, Message: "m", Signature: "s", Created: base}
		if err := store.InsertEvent(ctx, dup); err == nil {
			t.Error("expected duplicate (sidecar, sequence) to fail")
		}
	})

	t.Run("FindUnbatchedEvents", func(t *testing.T) {
		ids := []uuid.UUID{events[0].EventID, events[1].EventID, events[2].EventID, uuid.New()}
		found, err := store.FindUnbatchedEvents(ctx, ids)
		if err != nil {
			t.Fatalf("FindUnbatchedEvents failed: %v", err)
		}
		if len(found) != 3 {
			t.Fatalf("expected 3 events, got %d", len(found))
		}
		for i, e := range found {
			if e.Sequence != int64(i+1) {
				t.Errorf("expected sequence %d at position %d, got %d", i+1, i, e.Sequence)
			}
			if e.BatchID.Valid {
				t.Errorf("expected unbatched event, got batch %s", e.BatchID.UUID)
			}
		}
	})

	t.Run("CountEvents", func(t *testing.T) {
		count, err := store.CountEvents(ctx, sidecar.SidecarID, base, base.Add(90*time.Second))
		if err != nil {
			t.Fatalf("CountEvents failed: %v", err)
		}
		if count != 2 {
			t.Errorf("expected 2 events in range, got %d", count)
		}

		count, err = store.CountEvents(ctx, other.SidecarID, base, base.Add(time.Hour))
		if err != nil {
			t.Fatalf("CountEvents failed: %v", err)
		}
		if count != 0 {
			t.Errorf("expected 0 events for other sidecar, got %d", count)
		}
	})

	batch := &Batch{
		BatchID:   uuid.New(),
		SidecarID: sidecar.SidecarID,
		Data:      `[{"row":{},"signature":"sig"}]`,
		Signature: "batchsig",
		Created:   base.Add(10 * time.Minute),
	}

	t.Run("InsertBatch", func(t *testing.T) {
		ids := []uuid.UUID{events[0].EventID, events[1].EventID}
		if err := store.InsertBatch(ctx, batch, ids); err != nil {
			t.Fatalf("InsertBatch failed: %v", err)
		}

		remaining, err := store.FindUnbatchedEvents(ctx, []uuid.UUID{events[0].EventID, events[1].EventID, events[2].EventID})
		if err != nil {
			t.Fatalf("FindUnbatchedEvents failed: %v", err)
		}
		if len(remaining) != 1 || remaining[0].EventID != events[2].EventID {
			t.Fatalf("expected only the third event to stay unbatched, got %d", len(remaining))
		}

		assigned, err := store.FindBatchEvents(ctx, batch.BatchID)
		if err != nil {
			t.Fatalf("FindBatchEvents failed: %v", err)
		}
		if len(assigned) != 2 {
			t.Fatalf("expected 2 events in batch, got %d", len(assigned))
		}
		if assigned[0].Sequence > assigned[1].Sequence {
			t.Error("expected batch events ordered by sequence")
		}
	})

	t.Run("InsertBatchDoesNotReassign", func(t *testing.T) {
		second := &Batch{
			BatchID:   uuid.New(),
			SidecarID: sidecar.SidecarID,
			Data:      "[]",
			Signature: "sig2",
			Created:   base.Add(20 * time.Minute),
		}
		if err := store.InsertBatch(ctx, second, []uuid.UUID{events[0].EventID, events[2].EventID}); err != nil {
			t.Fatalf("InsertBatch failed: %v", err)
		}

		assigned, err := store.FindBatchEvents(ctx, second.BatchID)
		if err != nil {
			t.Fatalf("FindBatchEvents failed: %v", err)
		}
		if len(assigned) != 1 || assigned[0].EventID != events[2].EventID {
			t.Errorf("expected only the unbatched event to be assigned, got %d events", len(assigned))
		}
	})

	t.Run("FindBatches", func(t *testing.T) {
		otherBatch := &Batch{BatchID: uuid.New(), SidecarID: other.SidecarID, Data: "[]", Signature: "s", Created: base.Add(11 * time.Minute)}
		if err := store.InsertBatch(ctx, otherBatch, nil); err != nil {
			t.Fatalf("InsertBatch failed: %v", err)
		}

		found, err := store.FindBatches(ctx, service, base, base.Add(time.Hour))
		if err != nil {
			t.Fatalf("FindBatches failed: %v", err)
		}
		if len(found) != 2 {
			t.Fatalf("expected 2 batches, got %d", len(found))
		}
		if found[0].BatchID != batch.BatchID {
			t.Error("expected batches ordered by creation time")
		}
		if found[0].Data != batch.Data || found[0].Signature != batch.Signature {
			t.Error("batch fields did not round-trip")
		}
		if !found[0].Created.Equal(batch.Created) {
			t.Errorf("expected created %v, got %v", batch.Created, found[0].Created)
		}

		found, err = store.FindBatches(ctx, service, base, base.Add(15*time.Minute))
		if err != nil {
			t.Fatalf("FindBatches failed: %v", err)
		}
		if len(found) != 1 {
			t.Errorf("expected 1 batch in narrowed range, got %d", len(found))
		}
	})

	t.Run("TimeRanges", func(t *testing.T) {
		epoch := time.Unix(0, 0).UTC()
		farFuture := time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

		tests := []struct {
			name        string
			start, end  time.Time
			wantBatches int
			wantEvents  int
		}{
			{"zero time to year 9999", time.Time{}, farFuture, 2, 3},
			{"epoch to year 9999", epoch, farFuture, 2, 3},
			{"pre-epoch start", time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC), base.Add(time.Hour), 2, 3},
			{"inclusive batch bounds", base.Add(10 * time.Minute), base.Add(20 * time.Minute), 2, 0},
			{"inclusive event bounds", base, base.Add(2 * time.Minute), 0, 3},
			{"single instant", base.Add(10 * time.Minute), base.Add(10 * time.Minute), 1, 0},
			{"end before start", base.Add(time.Hour), base, 0, 0},
			{"entirely in the future", time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC), farFuture, 0, 0},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				found, err := store.FindBatches(ctx, service, tt.start, tt.end)
				if err != nil {
					t.Fatalf("FindBatches failed: %v", err)
				}
				if len(found) != tt.wantBatches {
					t.Errorf("expected %d batches, got %d", tt.wantBatches, len(found))
				}

				count, err := store.CountEvents(ctx, sidecar.SidecarID, tt.start, tt.end)
				if err != nil {
					t.Fatalf("CountEvents failed: %v", err)
				}
				if count != tt.wantEvents {
					t.Errorf("expected %d events, got %d", tt.wantEvents, count)
				}
			})
		}
	})

	t.Run("Stats", func(t *testing.T) {
		stats, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.Sidecars < 2 || stats.Batches < 3 || stats.Events < 3 {
			t.Errorf("unexpected stats: %+v", stats)
		}
	})
}
