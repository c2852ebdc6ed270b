package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/forensic-logging/sidecar/internal/batch"
	"github.com/forensic-logging/sidecar/internal/event"
	"github.com/forensic-logging/sidecar/internal/signing"
	"github.com/forensic-logging/sidecar/internal/storage"
	"github.com/google/uuid"
)

const (
	testRowKey   = "2b7e151628aed2a6abf7158809cf4f3c"
	testBatchKey = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"
)

type mockStore struct {
	batches []*storage.Batch
	events  map[uuid.UUID][]*storage.Event
	listErr error
}

func (m *mockStore) ListBatches(context.Context) ([]*storage.Batch, error) {
	return m.batches, m.listErr
}

func (m *mockStore) FindBatchEvents(_ context.Context, batchID uuid.UUID) ([]*storage.Event, error) {
	return m.events[batchID], nil
}

type mockAlerter struct {
	alerts []string
}

func (m *mockAlerter) SendIntegrityAlert(batchID, eventID, reason string) error {
	m.alerts = append(m.alerts, batchID+"/"+eventID+": "+reason)
	return nil
}

func buildStore(t *testing.T, count int) *mockStore {
	t.Helper()

	sidecarID := uuid.New()
	batchID := uuid.New()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var events []*storage.Event
	for i := 1; i <= count; i++ {
		e := &storage.Event{
			EventID:   uuid.New(),
			SidecarID: sidecarID,
			BatchID:   uuid.NullUUID{UUID: batchID, Valid: true},
			Sequence:  int64(i),
			Message:   "message",
			Created:   created.Add(time.Duration(i) * time.Second),
		}
		sig, err := event.Sign(e, testRowKey)
		if err != nil {
			t.Fatalf("event.Sign failed: %v", err)
		}
		e.Signature = sig
		events = append(events, e)
	}

	data, err := batch.BuildData(events)
	if err != nil {
		t.Fatalf("BuildData failed: %v", err)
	}
	sig, err := signing.SignAsymmetric([]byte(data), testBatchKey)
	if err != nil {
		t.Fatalf("SignAsymmetric failed: %v", err)
	}

	b := &storage.Batch{BatchID: batchID, SidecarID: sidecarID, Data: data, Signature: sig, Created: created.Add(time.Minute)}
	return &mockStore{
		batches: []*storage.Batch{b},
		events:  map[uuid.UUID][]*storage.Event{batchID: events},
	}
}

func publicKey(t *testing.T) string {
	t.Helper()
	pub, err := signing.PublicKey(testBatchKey)
	if err != nil {
		t.Fatalf("PublicKey failed: %v", err)
	}
	return pub
}

func TestAuditAll_Valid(t *testing.T) {
	store := buildStore(t, 3)
	auditor := NewAuditor(store, Options{PublicKey: publicKey(t), RowKey: testRowKey})

	report, err := auditor.AuditAll(context.Background())
	if err != nil {
		t.Fatalf("AuditAll failed: %v", err)
	}
	if !report.OK() {
		t.Fatalf("expected no failures, got %v", report.Failures)
	}
	if report.Batches != 1 || report.Events != 3 {
		t.Errorf("unexpected counts: %+v", report)
	}
}

func TestAuditAll_Tampering(t *testing.T) {
	tests := []struct {
		name    string
		tamper  func(s *mockStore)
		rowKey  string
		eventID bool
	}{
		{
			name:   "batch data modified",
			tamper: func(s *mockStore) { s.batches[0].Data = s.batches[0].Data[:len(s.batches[0].Data)-1] + " ]" },
		},
		{
			name: "event message modified",
			tamper: func(s *mockStore) {
				s.events[s.batches[0].BatchID][1].Message = "forged"
			},
			eventID: true,
		},
		{
			name: "event signature modified",
			tamper: func(s *mockStore) {
				s.events[s.batches[0].BatchID][0].Signature = "00"
			},
			eventID: true,
		},
		{
			name: "event removed",
			tamper: func(s *mockStore) {
				id := s.batches[0].BatchID
				s.events[id] = s.events[id][:2]
			},
		},
		{
			name:    "wrong row key",
			tamper:  func(s *mockStore) {},
			rowKey:  "000102030405060708090a0b0c0d0e0f",
			eventID: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := buildStore(t, 3)
			tt.tamper(store)

			alerter := &mockAlerter{}
			auditor := NewAuditor(store, Options{PublicKey: publicKey(t), RowKey: tt.rowKey, Alerter: alerter})

			report, err := auditor.AuditAll(context.Background())
			if err != nil {
				t.Fatalf("AuditAll failed: %v", err)
			}
			if report.OK() {
				t.Fatal("expected tampering to be detected")
			}

			failure := report.Failures[0]
			if failure.BatchID != store.batches[0].BatchID.String() {
				t.Errorf("unexpected batch id %s", failure.BatchID)
			}
			if (failure.EventID != "") != tt.eventID {
				t.Errorf("unexpected event id %q", failure.EventID)
			}
			if len(alerter.alerts) != 1 {
				t.Errorf("expected 1 alert, got %d", len(alerter.alerts))
			}
		})
	}
}

func TestAuditBatch_WithoutKeys(t *testing.T) {
	store := buildStore(t, 2)
	store.batches[0].Signature = "00"

	// Without a public key only the payload/event consistency is checked.
	n, err := NewAuditor(store, Options{}).AuditBatch(context.Background(), store.batches[0])
	if err != nil {
		t.Fatalf("AuditBatch failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 events, got %d", n)
	}
}

func TestAuditAll_StoreError(t *testing.T) {
	listErr := errors.New("db down")
	_, err := NewAuditor(&mockStore{listErr: listErr}, Options{}).AuditAll(context.Background())
	if !errors.Is(err, listErr) {
		t.Errorf("expected wrapped store error, got %v", err)
	}
}

func TestIntegrityError(t *testing.T) {
	err := NewIntegrityError("b1", "e1", "row signature mismatch")

	if !IsIntegrityError(err) {
		t.Error("expected IsIntegrityError to be true")
	}
	if AsIntegrityError(err) != err {
		t.Error("expected AsIntegrityError to return the error")
	}
	if err.Error() != "INTEGRITY VIOLATION: batch b1 event e1: row signature mismatch" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if IsIntegrityError(errors.New("other")) {
		t.Error("expected plain error not to match")
	}
}
