// Package vrpstore — meta.go
//
// Thin BoltDB bucket used only to persist the last successful dataset's
// generated_time/source_format across process restarts, so a restarted
// process can report staleness before any fresh load completes.
package vrpstore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketVRPMeta = "vrp_meta"

// MetaStore persists VRP dataset metadata in a dedicated BoltDB bucket.
type MetaStore struct {
	db *bolt.DB
}

type metaRecord struct {
	GeneratedTime time.Time    `json:"generated_time"`
	SourceFormat  SourceFormat `json:"source_format"`
}

// OpenMetaStore opens (or creates) the bucket within an already-open
// BoltDB handle shared with other components.
func OpenMetaStore(db *bolt.DB) (*MetaStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketVRPMeta))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("vrpstore.OpenMetaStore: %w", err)
	}
	return &MetaStore{db: db}, nil
}

// Put persists the dataset's metadata, overwriting any prior record.
func (m *MetaStore) Put(d *Dataset) error {
	rec := metaRecord{GeneratedTime: d.GeneratedTime, SourceFormat: d.SourceFormat}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("vrpstore.MetaStore.Put: marshal: %w", err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketVRPMeta)).Put([]byte("last"), data)
	})
}

// Get retrieves the last persisted metadata record; found is false if none exists.
func (m *MetaStore) Get() (generatedTime time.Time, sourceFormat SourceFormat, found bool, err error) {
	err = m.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketVRPMeta)).Get([]byte("last"))
		if data == nil {
			return nil
		}
		var rec metaRecord
		if uerr := json.Unmarshal(data, &rec); uerr != nil {
			return uerr
		}
		generatedTime = rec.GeneratedTime
		sourceFormat = rec.SourceFormat
		found = true
		return nil
	})
	return
}
