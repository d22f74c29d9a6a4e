package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"teleop-console/internal/model"
)

var (
	bucketRecordings = []byte("recordings")
	bucketMeta       = []byte("meta")
	keyCleanup       = []byte("cleanup")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRecordings, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func putRecording(b *bolt.Bucket, rec *model.Recording) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.ID), data)
}

// SaveRecording inserts or replaces rec. An empty ID gets a fresh UUID and an
// empty Kind becomes a recording.
func (s *BoltStore) SaveRecording(rec *model.Recording) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Kind == "" {
		rec.Kind = model.KindRecording
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecordings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRecordings)
		}
		return putRecording(b, rec)
	})
}

// GetRecording returns ErrNotFound for an unknown id.
func (s *BoltStore) GetRecording(id string) (*model.Recording, error) {
	var rec model.Recording
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecordings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRecordings)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("recording %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateRecording applies fn to the stored entry and writes it back in one
// transaction. An error from fn aborts the update.
func (s *BoltStore) UpdateRecording(id string, fn func(rec *model.Recording) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecordings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRecordings)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("recording %s: %w", id, ErrNotFound)
		}
		var rec model.Recording
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.ID = id
		return putRecording(b, &rec)
	})
}

// DeleteRecording removes one entry. An unknown id wraps ErrNotFound.
func (s *BoltStore) DeleteRecording(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecordings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRecordings)
		}
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("recording %s: %w", id, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) each(fn func(rec *model.Recording)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecordings)
		if b == nil {
			return nil // no bucket = no recordings
		}
		return b.ForEach(func(k, v []byte) error {
			var rec model.Recording
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode recording %s: %w", k, err)
			}
			fn(&rec)
			return nil
		})
	})
}

// ListRecordings returns the recordings matching f, newest first.
func (s *BoltStore) ListRecordings(f RecordingFilter) ([]*model.Recording, error) {
	var out []*model.Recording
	err := s.each(func(rec *model.Recording) {
		if f.match(rec) {
			out = append(out, rec)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime > out[j].StartTime
	})
	return out, nil
}

// CleanupCandidates returns entries that started before olderThan, oldest first.
func (s *BoltStore) CleanupCandidates(olderThan time.Time) ([]*model.Recording, error) {
	type candidate struct {
		rec *model.Recording
		at  time.Time
	}
	var found []candidate
	err := s.each(func(rec *model.Recording) {
		// Entries with an unreadable start time are never offered for deletion.
		if at, ok := startedAt(rec); ok && at.Before(olderThan) {
			found = append(found, candidate{rec, at})
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(found, func(i, j int) bool { return found[i].at.Before(found[j].at) })

	out := make([]*model.Recording, len(found))
	for i, c := range found {
		out[i] = c.rec
	}
	return out, nil
}

// DeleteRecordings removes ids in one transaction and reports how many entries
// and bytes went away. Unknown ids are skipped.
func (s *BoltStore) DeleteRecordings(ids []string) (removed int, freed int64, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecordings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRecordings)
		}
		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var rec model.Recording
			if err := json.Unmarshal(data, &rec); err == nil {
				freed += rec.SizeBytes
			}
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return removed, freed, nil
}

// SaveCleanupReport keeps r as the last cleanup result.
func (s *BoltStore) SaveCleanupReport(r *CleanupReport) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketMeta)
		}
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put(keyCleanup, data)
	})
}

// LastCleanupReport returns ErrNotFound before the first cleanup.
func (s *BoltStore) LastCleanupReport() (*CleanupReport, error) {
	var r CleanupReport
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketMeta)
		}
		data := b.Get(keyCleanup)
		if data == nil {
			return fmt.Errorf("cleanup report: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
