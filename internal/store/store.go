package store

import (
	"errors"
	"time"

	"teleop-console/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store is the local catalog of recordings and teaching data.
type Store interface {
	// SaveRecording inserts or replaces rec. An empty ID is filled with a new UUID.
	SaveRecording(rec *model.Recording) error
	GetRecording(id string) (*model.Recording, error)
	DeleteRecording(id string) error
	ListRecordings(f RecordingFilter) ([]*model.Recording, error)

	// UpdateRecording atomically reads, modifies, and saves a recording in a single
	// transaction. Returns ErrNotFound if the recording does not exist.
	UpdateRecording(id string, fn func(rec *model.Recording) error) error

	// CleanupCandidates lists entries that started before olderThan, oldest first.
	CleanupCandidates(olderThan time.Time) ([]*model.Recording, error)
	// DeleteRecordings removes ids in one transaction. Unknown ids are skipped.
	DeleteRecordings(ids []string) (removed int, freed int64, err error)

	SaveCleanupReport(r *CleanupReport) error
	LastCleanupReport() (*CleanupReport, error)

	Close() error
}
