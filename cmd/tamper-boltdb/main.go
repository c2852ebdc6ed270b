package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/forensic-logging/sidecar/internal/storage"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <boltdb-path> [event-id]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "This tool rewrites the message of one batched event (the first one found, or event-id)\n")
		os.Exit(1)
	}

	dbPath := os.Args[1]
	var wantID uuid.UUID
	if len(os.Args) == 3 {
		id, err := uuid.Parse(os.Args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid event id: %v\n", err)
			os.Exit(1)
		}
		wantID = id
	}

	fmt.Printf("Opening BoltDB: %s\n", dbPath)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open BoltDB: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	var targetKey []byte
	var target storage.Event

	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(storage.EventsBucket)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", storage.EventsBucket)
		}

		// Only batched events are covered by a batch signature.
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var e storage.Event
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if !e.BatchID.Valid {
				continue
			}
			if wantID != uuid.Nil && e.EventID != wantID {
				continue
			}

			targetKey = make([]byte, len(k))
			copy(targetKey, k)
			target = e
			fmt.Printf("Found event %s (seq=%d, batch=%s)\n", e.EventID, e.Sequence, e.BatchID.UUID)
			fmt.Printf("  Original message: %q\n", e.Message)
			break
		}

		if len(targetKey) == 0 {
			return fmt.Errorf("no batched event found")
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	target.Message = target.Message + " [tampered]"
	fmt.Printf("  Tampered message: %q\n", target.Message)

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(storage.EventsBucket)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", storage.EventsBucket)
		}

		value, err := json.Marshal(target)
		if err != nil {
			return fmt.Errorf("failed to marshal tampered event: %w", err)
		}

		if err := bucket.Put(targetKey, value); err != nil {
			return fmt.Errorf("failed to save tampered event: %w", err)
		}

		fmt.Println("✓ Successfully tampered event")
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("BoltDB tampering completed, run `sidecar verify` to detect it")
}
