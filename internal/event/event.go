package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forensic-logging/sidecar/internal/signing"
	"github.com/forensic-logging/sidecar/internal/storage"
	"github.com/google/uuid"
)

// TimestampFormat is the ISO-8601 form used in signed payloads.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

type Counter interface {
	CountEvents(ctx context.Context, sidecarID uuid.UUID, start, end time.Time) (int, error)
}

// Store is the part of the storage layer events need.
type Store interface {
	Counter
	InsertEvent(ctx context.Context, event *storage.Event) error
}

// Signable is the exact structure that is signed for an event. Field order is
// part of the signature.
type Signable struct {
	KeyID     string `json:"keyId"`
	Sequence  int64  `json:"sequence"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

func SignableEvent(e *storage.Event) Signable {
	return Signable{
		KeyID:     e.SidecarID.String(),
		Sequence:  e.Sequence,
		Message:   e.Message,
		Timestamp: FormatTimestamp(e.Created),
	}
}

// Marshal encodes v as compact JSON without HTML escaping, so signed bytes
// match what any other JSON producer would emit for the same values.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Sign returns the row-key signature of e.
func Sign(e *storage.Event, rowKey string) (string, error) {
	data, err := Marshal(SignableEvent(e))
	if err != nil {
		return "", fmt.Errorf("failed to encode signable event: %w", err)
	}
	return signing.SignSymmetric(data, rowKey)
}

// Create signs message as the next event of sidecarID and persists it.
func Create(ctx context.Context, store Store, sidecarID uuid.UUID, sequence int64, message, rowKey string) (*storage.Event, error) {
	e := &storage.Event{
		EventID:   uuid.New(),
		SidecarID: sidecarID,
		Sequence:  sequence,
		Message:   message,
		Created:   time.Now().UTC().Truncate(time.Millisecond),
	}

	signature, err := Sign(e, rowKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign event: %w", err)
	}
	e.Signature = signature

	if err := store.InsertEvent(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to store event: %w", err)
	}

	return e, nil
}

// CountInTimespan counts events of sidecarID created within [start, end].
func CountInTimespan(ctx context.Context, store Counter, sidecarID uuid.UUID, start, end time.Time) (int, error) {
	return store.CountEvents(ctx, sidecarID, start, end)
}
