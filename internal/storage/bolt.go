package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	SidecarsBucket       = []byte("sidecars")
	EventsBucket         = []byte("events")
	EventSequenceBucket  = []byte("events_by_sidecar")
	BatchesBucket        = []byte("batches")
	BatchesCreatedBucket = []byte("batches_by_created")
)

type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{SidecarsBucket, EventsBucket, EventSequenceBucket, BatchesBucket, BatchesCreatedBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) InsertSidecar(_ context.Context, sidecar *Sidecar) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(SidecarsBucket)
		if bucket.Get(sidecar.SidecarID[:]) != nil {
			return fmt.Errorf("sidecar %s already exists", sidecar.SidecarID)
		}
		return putJSON(bucket, sidecar.SidecarID[:], sidecar)
	})
}

func (s *BoltStore) InsertEvent(_ context.Context, event *Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(EventsBucket)
		seqIndex := tx.Bucket(EventSequenceBucket)

		if events.Get(event.EventID[:]) != nil {
			return fmt.Errorf("event %s already exists", event.EventID)
		}

		seqKey := sequenceKey(event.SidecarID, event.Sequence)
		if seqIndex.Get(seqKey) != nil {
			return fmt.Errorf("duplicate sequence %d for sidecar %s", event.Sequence, event.SidecarID)
		}

		if err := putJSON(events, event.EventID[:], event); err != nil {
			return err
		}
		return seqIndex.Put(seqKey, event.EventID[:])
	})
}

func (s *BoltStore) FindUnbatchedEvents(_ context.Context, ids []uuid.UUID) ([]*Event, error) {
	var result []*Event

	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(EventsBucket)
		seen := make(map[uuid.UUID]bool, len(ids))

		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true

			data := events.Get(id[:])
			if data == nil {
				continue
			}

			var event Event
			if err := json.Unmarshal(data, &event); err != nil {
				return fmt.Errorf("failed to unmarshal event: %w", err)
			}
			if event.BatchID.Valid {
				continue
			}
			result = append(result, &event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortBySequence(result)
	return result, nil
}

func (s *BoltStore) CountEvents(_ context.Context, sidecarID uuid.UUID, start, end time.Time) (int, error) {
	count := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(EventsBucket)
		cursor := tx.Bucket(EventSequenceBucket).Cursor()

		prefix := sidecarID[:]
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var event Event
			if err := json.Unmarshal(events.Get(v), &event); err != nil {
				continue
			}
			if inRange(event.Created, start, end) {
				count++
			}
		}
		return nil
	})

	return count, err
}

func (s *BoltStore) InsertBatch(_ context.Context, batch *Batch, eventIDs []uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		batches := tx.Bucket(BatchesBucket)
		if batches.Get(batch.BatchID[:]) != nil {
			return fmt.Errorf("batch %s already exists", batch.BatchID)
		}

		if err := putJSON(batches, batch.BatchID[:], batch); err != nil {
			return err
		}
		if err := tx.Bucket(BatchesCreatedBucket).Put(createdKey(batch.Created, batch.BatchID), batch.BatchID[:]); err != nil {
			return err
		}

		events := tx.Bucket(EventsBucket)
		for _, id := range eventIDs {
			data := events.Get(id[:])
			if data == nil {
				continue
			}

			var event Event
			if err := json.Unmarshal(data, &event); err != nil {
				return fmt.Errorf("failed to unmarshal event: %w", err)
			}
			if event.BatchID.Valid {
				continue
			}

			event.BatchID = uuid.NullUUID{UUID: batch.BatchID, Valid: true}
			if err := putJSON(events, id[:], &event); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) FindBatches(_ context.Context, serviceName string, start, end time.Time) ([]*Batch, error) {
	var result []*Batch

	err := s.db.View(func(tx *bolt.Tx) error {
		batches := tx.Bucket(BatchesBucket)
		sidecars := tx.Bucket(SidecarsBucket)
		cursor := tx.Bucket(BatchesCreatedBucket).Cursor()

		services := make(map[uuid.UUID]string)
		endKey := createdKey(end, lastUUID)

		for k, v := cursor.Seek(createdKey(start, uuid.Nil)); k != nil && bytes.Compare(k, endKey) <= 0; k, v = cursor.Next() {
			var batch Batch
			if err := json.Unmarshal(batches.Get(v), &batch); err != nil {
				return fmt.Errorf("failed to unmarshal batch: %w", err)
			}

			name, ok := services[batch.SidecarID]
			if !ok {
				var sidecar Sidecar
				if data := sidecars.Get(batch.SidecarID[:]); data != nil {
					if err := json.Unmarshal(data, &sidecar); err != nil {
						return fmt.Errorf("failed to unmarshal sidecar: %w", err)
					}
				}
				name = sidecar.ServiceName
				services[batch.SidecarID] = name
			}

			if name == serviceName {
				result = append(result, &batch)
			}
		}
		return nil
	})

	return result, err
}

func (s *BoltStore) ListBatches(_ context.Context) ([]*Batch, error) {
	var result []*Batch

	err := s.db.View(func(tx *bolt.Tx) error {
		batches := tx.Bucket(BatchesBucket)
		return tx.Bucket(BatchesCreatedBucket).ForEach(func(_, v []byte) error {
			var batch Batch
			if err := json.Unmarshal(batches.Get(v), &batch); err != nil {
				return fmt.Errorf("failed to unmarshal batch: %w", err)
			}
			result = append(result, &batch)
			return nil
		})
	})

	return result, err
}

func (s *BoltStore) FindBatchEvents(_ context.Context, batchID uuid.UUID) ([]*Event, error) {
	var result []*Event

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(EventsBucket).ForEach(func(_, v []byte) error {
			var event Event
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("failed to unmarshal event: %w", err)
			}
			if event.BatchID.Valid && event.BatchID.UUID == batchID {
				result = append(result, &event)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortBySequence(result)
	return result, nil
}

func (s *BoltStore) Stats(_ context.Context) (Stats, error) {
	var stats Stats

	err := s.db.View(func(tx *bolt.Tx) error {
		stats.Sidecars = tx.Bucket(SidecarsBucket).Stats().KeyN
		stats.Batches = tx.Bucket(BatchesBucket).Stats().KeyN

		return tx.Bucket(EventsBucket).ForEach(func(_, v []byte) error {
			var event Event
			if err := json.Unmarshal(v, &event); err != nil {
				return nil
			}
			stats.Events++
			if !event.BatchID.Valid {
				stats.UnbatchedEvents++
			}
			return nil
		})
	})

	return stats, err
}

func putJSON(bucket *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return bucket.Put(key, data)
}

func sequenceKey(sidecarID uuid.UUID, sequence int64) []byte {
	key := make([]byte, 16+8)
	copy(key, sidecarID[:])
	binary.BigEndian.PutUint64(key[16:], uint64(sequence))
	return key
}

// lastUUID sorts after every other id in a createdKey.
var lastUUID = uuid.UUID{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// createdKey orders by creation time then id. The sign bit is flipped so
// pre-epoch times sort before later ones.
func createdKey(created time.Time, id uuid.UUID) []byte {
	key := make([]byte, 8+16)
	binary.BigEndian.PutUint64(key, uint64(unixNano(created))^(1<<63))
	copy(key[8:], id[:])
	return key
}

func inRange(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

func sortBySequence(events []*Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Sequence < events[j].Sequence
	})
}
