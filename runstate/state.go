// Package runstate persists the time of the last successful extraction and
// decides whether a new run is due.
package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TimeLayout is the on-disk format of the last extraction time. It carries no
// zone: values are wall-clock local time.
const TimeLayout = "2006-01-02T15:04:05"

type stateFile struct {
	LastExtraction string `json:"last_extraction"`
}

// FileStore manages the run-state file
type FileStore struct {
	path     string
	location *time.Location
}

// NewFileStore creates a store for the state file at path. Times are read and
// written in the local time zone.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, location: time.Local}
}

// Path returns the state file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load returns the last extraction time. ok is false when no state was recorded
// yet.
func (s *FileStore) Load() (last time.Time, ok bool, err error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read state file: %w", err)
	}

	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}
	if st.LastExtraction == "" {
		return time.Time{}, false, fmt.Errorf("state file %s has no last_extraction", s.path)
	}
	last, err = time.ParseInLocation(TimeLayout, st.LastExtraction, s.location)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse last_extraction: %w", err)
	}
	return last, true, nil
}

// Save records t as the last extraction time. The file is replaced as a whole so
// a crash never leaves a partial document behind.
func (s *FileStore) Save(t time.Time) error {
	data, err := json.Marshal(stateFile{LastExtraction: t.In(s.location).Format(TimeLayout)})
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".last_extraction-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
