package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/garbagewatch/garbagewatch-go/internal/detection"
	"github.com/garbagewatch/garbagewatch-go/internal/errors"
)

// SnapshotCache persists the full detection collection as one JSON file,
// overwritten on every store mutation and rehydrated at startup as a
// fallback before the authoritative backend fetch completes. The file
// holds the same JSON array the web client keeps under its storage key.
type SnapshotCache struct {
	path string
}

// NewSnapshotCache creates a snapshot cache writing to the given path.
func NewSnapshotCache(path string) *SnapshotCache {
	return &SnapshotCache{path: path}
}

// Path returns the snapshot file location.
func (sc *SnapshotCache) Path() string {
	return sc.path
}

// Save serializes records to the snapshot file. The write goes through a
// temporary file in the same directory so a crash cannot leave a torn
// snapshot behind.
func (sc *SnapshotCache) Save(records []*detection.Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return errors.New(err).
			Component("store").
			Category(errors.CategorySnapshotCache).
			Context("operation", "marshal_snapshot").
			Build()
	}

	dir := filepath.Dir(sc.path)
	tempFile, err := os.CreateTemp(dir, "snapshot-*.json")
	if err != nil {
		return errors.New(err).
			Component("store").
			Category(errors.CategoryFileIO).
			Context("operation", "create_temp_snapshot").
			Build()
	}
	tempName := tempFile.Name()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		os.Remove(tempName)
		return errors.New(err).
			Component("store").
			Category(errors.CategoryFileIO).
			Context("operation", "write_snapshot").
			Build()
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempName)
		return errors.New(err).
			Component("store").
			Category(errors.CategoryFileIO).
			Build()
	}

	if err := os.Rename(tempName, sc.path); err != nil {
		os.Remove(tempName)
		return errors.New(err).
			Component("store").
			Category(errors.CategoryFileIO).
			Context("operation", "replace_snapshot").
			Build()
	}
	return nil
}

// Load reads the snapshot file. A missing file returns an empty
// collection, not an error.
func (sc *SnapshotCache) Load() ([]*detection.Record, error) {
	data, err := os.ReadFile(sc.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.New(err).
			Component("store").
			Category(errors.CategoryFileIO).
			Context("operation", "read_snapshot").
			Build()
	}

	var records []*detection.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.New(err).
			Component("store").
			Category(errors.CategorySnapshotCache).
			Context("operation", "unmarshal_snapshot").
			Build()
	}
	return records, nil
}
