package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/forensic-logging/sidecar/internal/signing"
	"github.com/forensic-logging/sidecar/internal/storage"
	"github.com/google/uuid"
)

const testRowKey = "2b7e151628aed2a6abf7158809cf4f3c"

type mockStore struct {
	events    []*storage.Event
	insertErr error
	count     int
	countArgs []time.Time
}

func (m *mockStore) InsertEvent(_ context.Context, e *storage.Event) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.events = append(m.events, e)
	return nil
}

func (m *mockStore) CountEvents(_ context.Context, _ uuid.UUID, start, end time.Time) (int, error) {
	m.countArgs = []time.Time{start, end}
	return m.count, nil
}

func TestSignableEvent(t *testing.T) {
	sidecarID := uuid.MustParse("5b5a7d2e-1d7e-4a37-9f4b-5a0a8d1f3c11")
	e := &storage.Event{
		SidecarID: sidecarID,
		Sequence:  7,
		Message:   `{"level":"info","msg":"<ok> & done"}`,
		Created:   time.Date(2026, 3, 1, 12, 30, 45, 123000000, time.UTC),
	}

	data, err := Marshal(SignableEvent(e))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	expected := `{"keyId":"5b5a7d2e-1d7e-4a37-9f4b-5a0a8d1f3c11","sequence":7,"message":"{\"level\":\"info\",\"msg\":\"<ok> & done\"}","timestamp":"2026-03-01T12:30:45.123Z"}`
	if string(data) != expected {
		t.Errorf("unexpected signable event:\n got %s\nwant %s", data, expected)
	}
}

func TestFormatTimestamp(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	ts := time.Date(2026, 3, 1, 14, 0, 0, 5000000, loc)

	if got := FormatTimestamp(ts); got != "2026-03-01T12:00:00.005Z" {
		t.Errorf("unexpected timestamp %s", got)
	}
}

func TestCreate(t *testing.T) {
	store := &mockStore{}
	sidecarID := uuid.New()

	e, err := Create(context.Background(), store, sidecarID, 1, "hello", testRowKey)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if len(store.events) != 1 || store.events[0] != e {
		t.Fatal("expected event to be stored")
	}
	if e.SidecarID != sidecarID || e.Sequence != 1 || e.Message != "hello" {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.BatchID.Valid {
		t.Error("expected new event to be unbatched")
	}
	if e.Created.Nanosecond()%int(time.Millisecond) != 0 {
		t.Errorf("expected created truncated to milliseconds, got %v", e.Created)
	}

	data, _ := Marshal(SignableEvent(e))
	expected, _ := signing.SignSymmetric(data, testRowKey)
	if e.Signature != expected {
		t.Errorf("signature does not match recomputed signable event")
	}

	resigned, err := Sign(e, testRowKey)
	if err != nil || resigned != e.Signature {
		t.Error("expected signing to be deterministic")
	}
}

func TestCreate_SequenceMonotonic(t *testing.T) {
	store := &mockStore{}
	sidecarID := uuid.New()

	for seq := int64(1); seq <= 5; seq++ {
		if _, err := Create(context.Background(), store, sidecarID, seq, "m", testRowKey); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	for i, e := range store.events {
		if e.Sequence != int64(i+1) {
			t.Errorf("expected sequence %d, got %d", i+1, e.Sequence)
		}
	}
}

func TestCreate_Errors(t *testing.T) {
	t.Run("invalid key", func(t *testing.T) {
		if _, err := Create(context.Background(), &mockStore{}, uuid.New(), 1, "m", "not-hex"); err == nil {
			t.Error("expected error for invalid row key")
		}
	})

	t.Run("store failure", func(t *testing.T) {
		storeErr := errors.New("disk full")
		_, err := Create(context.Background(), &mockStore{insertErr: storeErr}, uuid.New(), 1, "m", testRowKey)
		if !errors.Is(err, storeErr) {
			t.Errorf("expected wrapped store error, got %v", err)
		}
	})
}

func TestCountInTimespan(t *testing.T) {
	store := &mockStore{count: 12}
	end := time.Now()
	start := end.Add(-time.Hour)

	count, err := CountInTimespan(context.Background(), store, uuid.New(), start, end)
	if err != nil {
		t.Fatalf("CountInTimespan failed: %v", err)
	}
	if count != 12 {
		t.Errorf("expected 12, got %d", count)
	}
	if !store.countArgs[0].Equal(start) || !store.countArgs[1].Equal(end) {
		t.Error("expected time range to be passed through")
	}
}
