// Package eventstore is the durable, append-only Rollout Event log plus
// Run/Stage/Target state tables, adapted from the teacher's BoltDB-backed
// ledger (internal/storage/bolt.go): bucket-per-entity layout, ACID write
// transactions, sortable keys, startup schema-version check, and
// time-based retention pruning all carry over — only the record shapes
// and bucket names change, from process-isolation baselines/ledger
// entries to rollout Runs/Stages/Targets/Events.
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/networksandchill/otto-bgp/internal/rollout"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketRuns    = "runs"
	bucketStages  = "stages"
	bucketTargets = "targets"
	bucketEvents  = "events"
	bucketMeta    = "meta"
)

// Event is a durable, append-only audit record (§4.6 Rollout Event).
type Event struct {
	EventID    string         `json:"event_id"`
	RunID      string         `json:"run_id"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Store wraps a BoltDB instance with typed accessors for rollout data.
type Store struct {
	db            *bolt.DB
	retentionDays int
	seq           int64
}

// Open opens (or creates) the BoltDB database at path, initializing all
// required buckets and verifying the schema version.
func Open(path string, retentionDays int) (*Store, error) {
	if retentionDays <= 0 {
		retentionDays = 90
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second, FreelistType: bolt.FreelistArrayType})
	if err != nil {
		return nil, fmt.Errorf("eventstore: bolt.Open(%q): %w", path, err)
	}

	s := &Store{db: bdb, retentionDays: retentionDays}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketRuns, bucketStages, bucketTargets, bucketEvents, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("eventstore: database initialisation failed: %w", err)
	}

	if err := s.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) checkSchemaVersion() error {
	return s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("eventstore: schema version mismatch: database has %q, process requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (s *Store) Close() error { return s.db.Close() }

// SaveRun upserts a Run's latest snapshot, keyed by run ID. Takes
// rollout.RunRecord directly (rather than a duplicated local type) so
// *Store satisfies rollout.Store structurally without an adapter: Go
// interface satisfaction requires identical named parameter types, and
// importing rollout here (a storage package depending on a domain
// package it persists for) introduces no cycle since rollout never
// imports eventstore.
func (s *Store) SaveRun(rec rollout.RunRecord) error {
	return s.put(bucketRuns, []byte(rec.ID), rec)
}

// SaveStage upserts a Stage's latest snapshot, keyed by stage ID.
func (s *Store) SaveStage(rec rollout.StageRecord) error {
	return s.put(bucketStages, []byte(rec.ID), rec)
}

// SaveTarget upserts a Target's latest snapshot, keyed by target ID.
func (s *Store) SaveTarget(rec rollout.TargetRecord) error {
	return s.put(bucketTargets, []byte(rec.ID), rec)
}

func (s *Store) put(bucket string, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("eventstore: marshal: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put(key, data)
	})
}

// eventKey constructs a sortable key: fixed-width UTC timestamp with all
// nine fractional digits + "_" + zero-padded sequence, adapted from the
// teacher's RFC3339Nano_PID ledger key convention. The fixed width keeps
// lexicographic sort = chronological sort (RFC3339Nano trims trailing
// zeros, which would break it), with the sequence disambiguating
// same-nanosecond events.
func eventKey(t time.Time, seq int64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), seq))
}

// RecordEvent appends a durable Rollout Event. Implements both
// rollout.Store and safety.EventRecorder, so the coordinator and the
// Unified Safety Manager can share one store.
func (s *Store) RecordEvent(_ context.Context, runID, eventType string, payload map[string]any) error {
	seq := atomic.AddInt64(&s.seq, 1)
	now := time.Now().UTC()
	ev := Event{EventID: fmt.Sprintf("evt-%d", seq), RunID: runID, Type: eventType, Payload: payload, RecordedAt: now}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventstore: marshal event: %w", err)
	}
	key := eventKey(now, seq)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEvents)).Put(key, data)
	})
}

// ReadEvents returns every event for runID in chronological order. A
// crash-and-restart can always recover the last event per run this way,
// since keys are prefixed by time and the bucket iterates in key order.
func (s *Store) ReadEvents(runID string) ([]Event, error) {
	var events []Event
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEvents)).ForEach(func(_, v []byte) error {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.RunID == runID {
				events = append(events, ev)
			}
			return nil
		})
	})
	return events, err
}

// GetRun returns the persisted snapshot for a run, or (nil, nil) if absent.
func (s *Store) GetRun(runID string) (*rollout.RunRecord, error) {
	var rec rollout.RunRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketRuns)).Get([]byte(runID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: GetRun(%q): %w", runID, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// PruneOldEvents deletes events recorded before retentionDays ago, called
// on startup. Returns the number of entries deleted.
func (s *Store) PruneOldEvents() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	cutoffKey := eventKey(cutoff, 0)

	var deleted int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldEvents delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
