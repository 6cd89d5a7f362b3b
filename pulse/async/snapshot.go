package async

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/teranos/handoff/errors"
)

// Snapshotter persists the full job collection. Every Write replaces the
// previous snapshot completely.
type Snapshotter interface {
	Read() ([]*Job, error)
	Write(jobs []*Job) error
	Close() error
}

// FileSnapshot stores jobs as a JSON array in a single file.
// Writes go to a temp file in the same directory and are renamed into
// place, so a crash leaves either the old or the new snapshot.
type FileSnapshot struct {
	path string
}

// NewFileSnapshot returns a snapshot stored at path (usually <dir>/meta/jobs.json)
func NewFileSnapshot(path string) *FileSnapshot {
	return &FileSnapshot{path: path}
}

// Path returns the snapshot file location
func (f *FileSnapshot) Path() string {
	return f.path
}

// Read loads the snapshot. A missing or empty file is an empty collection.
func (f *FileSnapshot) Read() ([]*Job, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read snapshot %s", f.path)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, errors.Wrapf(err, "failed to decode snapshot %s", f.path)
	}
	return jobs, nil
}

// Write replaces the snapshot with jobs
func (f *FileSnapshot) Write(jobs []*Job) error {
	if jobs == nil {
		jobs = []*Job{}
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode snapshot")
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create snapshot directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".jobs-*.json.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temp snapshot")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "failed to write temp snapshot")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "failed to sync temp snapshot")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "failed to close temp snapshot")
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to move snapshot into place at %s", f.path)
	}
	return nil
}

// Close is a no-op for the file backend
func (f *FileSnapshot) Close() error {
	return nil
}
