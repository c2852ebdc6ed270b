package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/forensic-logging/sidecar/internal/batch"
	"github.com/forensic-logging/sidecar/internal/event"
	"github.com/forensic-logging/sidecar/internal/signing"
	"github.com/forensic-logging/sidecar/internal/storage"
	"github.com/google/uuid"
)

type Store interface {
	ListBatches(ctx context.Context) ([]*storage.Batch, error)
	FindBatchEvents(ctx context.Context, batchID uuid.UUID) ([]*storage.Event, error)
}

type Alerter interface {
	SendIntegrityAlert(batchID, eventID, reason string) error
}

// Auditor checks stored batches against their signatures and their events.
// The batch public key verifies batch signatures; row signatures can only be
// recomputed when the row key is known.
type Auditor struct {
	store     Store
	publicKey string
	rowKey    string
	alerter   Alerter
	logger    *slog.Logger
}

type Options struct {
	PublicKey string
	RowKey    string
	Alerter   Alerter
	Logger    *slog.Logger
}

type Report struct {
	Batches  int
	Events   int
	Failures []*IntegrityError
}

func (r *Report) OK() bool {
	return len(r.Failures) == 0
}

func NewAuditor(store Store, opts Options) *Auditor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Auditor{
		store:     store,
		publicKey: opts.PublicKey,
		rowKey:    opts.RowKey,
		alerter:   opts.Alerter,
		logger:    logger,
	}
}

// AuditAll checks every stored batch. Integrity failures are collected in the
// report; only storage errors abort the audit.
func (a *Auditor) AuditAll(ctx context.Context) (*Report, error) {
	batches, err := a.store.ListBatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	report := &Report{}
	for _, b := range batches {
		n, err := a.AuditBatch(ctx, b)
		report.Batches++
		report.Events += n

		if err == nil {
			continue
		}
		ie := AsIntegrityError(err)
		if ie == nil {
			return nil, err
		}

		report.Failures = append(report.Failures, ie)
		a.logger.Error("Batch failed verification", "batch_id", ie.BatchID, "event_id", ie.EventID, "reason", ie.Message)
		if a.alerter != nil {
			if err := a.alerter.SendIntegrityAlert(ie.BatchID, ie.EventID, ie.Message); err != nil {
				a.logger.Warn("Failed to send integrity alert", "error", err)
			}
		}
	}

	return report, nil
}

// AuditBatch verifies one batch and returns the number of events it covers.
func (a *Auditor) AuditBatch(ctx context.Context, b *storage.Batch) (int, error) {
	batchID := b.BatchID.String()

	if a.publicKey != "" {
		ok, err := signing.VerifyAsymmetric([]byte(b.Data), b.Signature, a.publicKey)
		if err != nil {
			return 0, NewIntegrityError(batchID, "", fmt.Sprintf("unverifiable signature: %v", err))
		}
		if !ok {
			return 0, NewIntegrityError(batchID, "", "batch signature mismatch")
		}
	}

	var rows []batch.Row
	if err := json.Unmarshal([]byte(b.Data), &rows); err != nil {
		return 0, NewIntegrityError(batchID, "", fmt.Sprintf("malformed batch data: %v", err))
	}

	events, err := a.store.FindBatchEvents(ctx, b.BatchID)
	if err != nil {
		return 0, fmt.Errorf("failed to load events of batch %s: %w", batchID, err)
	}

	if len(rows) != len(events) {
		return len(events), NewIntegrityError(batchID, "",
			fmt.Sprintf("batch has %d rows but %d stored events", len(rows), len(events)))
	}

	for i, row := range rows {
		e := events[i]
		eventID := e.EventID.String()

		if i > 0 && row.Row.Sequence <= rows[i-1].Row.Sequence {
			return len(events), NewIntegrityError(batchID, eventID, "rows out of sequence order")
		}
		if row.Row != event.SignableEvent(e) {
			return len(events), NewIntegrityError(batchID, eventID, "stored event differs from signed row")
		}
		if row.Signature != e.Signature {
			return len(events), NewIntegrityError(batchID, eventID, "row signature differs from stored event signature")
		}

		if a.rowKey != "" {
			expected, err := event.Sign(e, a.rowKey)
			if err != nil {
				return len(events), fmt.Errorf("failed to recompute row signature: %w", err)
			}
			if expected != e.Signature {
				return len(events), NewIntegrityError(batchID, eventID, "row signature does not match row key")
			}
		}
	}

	return len(events), nil
}
