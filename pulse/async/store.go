package async

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/handoff/errors"
	"github.com/teranos/handoff/logger"
)

// errNoChange lets an Update mutator skip the write when it decided
// there is nothing to change.
var errNoChange = errors.New("no change")

// entry guards one job record. Updates to different ids never contend.
type entry struct {
	mu  sync.Mutex
	job *Job
}

// Store is the authoritative set of job records. Every mutation is written
// through to the snapshot; a failed write is reported but never rolls back
// the in-memory state.
type Store struct {
	mu      sync.RWMutex // guards entries membership only
	entries map[string]*entry

	saveMu   sync.Mutex // serializes snapshot writes
	snap     Snapshotter
	readOnly bool // set by Inspect; Close skips the final write

	logger *zap.SugaredLogger
	now    func() time.Time // Injectable for testing
}

// NewStore creates an empty store persisting through snap
func NewStore(snap Snapshotter, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = logger.Logger
	}
	return &Store{
		entries: make(map[string]*entry),
		snap:    snap,
		logger:  log,
		now:     time.Now,
	}
}

// Load reads the snapshot into memory. Records found pending or running
// have no task left to finish them, so they are failed and the snapshot
// is rewritten.
func (s *Store) Load() error {
	recovered, err := s.load(true)
	if err != nil {
		return err
	}
	if recovered > 0 {
		return s.Save()
	}
	return nil
}

// Inspect reads the snapshot into memory as it is, without recovering
// unfinished records or writing anything back. It is meant for readers
// that run beside a live server.
func (s *Store) Inspect() error {
	s.readOnly = true
	_, err := s.load(false)
	return err
}

func (s *Store) load(recoverUnfinished bool) (int, error) {
	jobs, err := s.snap.Read()
	if err != nil {
		return 0, errors.WrapPersistence(err, "failed to load job snapshot")
	}

	now := s.now()
	recovered := 0

	s.mu.Lock()
	for _, job := range jobs {
		if job == nil || job.ID == "" {
			continue
		}
		if !IsValidStatus(string(job.Status)) {
			s.logger.Warnw("Skipping job with unknown status in snapshot",
				logger.FieldJobID, job.ID,
				logger.FieldStatus, job.Status)
			continue
		}

		if recoverUnfinished {
			switch job.Status {
			case JobStatusRunning:
				_ = job.Fail(&JobError{
					Message: "process restarted while job was running",
					Code:    ErrorCodeRestarted,
				}, now)
				recovered++
			case JobStatusPending:
				_ = job.Fail(&JobError{
					Message: "process restarted before job started",
					Code:    ErrorCodeRestarted,
				}, now)
				recovered++
			}
		}
		s.entries[job.ID] = &entry{job: job}
	}
	total := len(s.entries)
	s.mu.Unlock()

	s.logger.Infow("Job snapshot loaded",
		logger.FieldCount, total,
		"recovered", recovered)
	return recovered, nil
}

// Register creates a pending record and returns its id. The record exists
// in memory even when the returned error is a persistence failure.
func (s *Store) Register(label string) (string, error) {
	job := s.newJob(label, false)
	return job.ID, s.add(job)
}

// RegisterRunning creates a record that is already running, for work that
// started before it needed tracking. started_at equals created_at.
func (s *Store) RegisterRunning(label string) (string, error) {
	job := s.newJob(label, true)
	return job.ID, s.add(job)
}

// newJob builds a record with a fresh id without adding it, so callers can
// prepare for the id before the record becomes visible.
func (s *Store) newJob(label string, running bool) *Job {
	now := s.now()
	job := &Job{
		ID:        uuid.NewString(),
		Label:     label,
		Status:    JobStatusPending,
		CreatedAt: now,
	}
	if running {
		job.Status = JobStatusRunning
		job.StartedAt = &now
	}
	return job
}

// add makes job visible and persists the collection
func (s *Store) add(job *Job) error {
	s.mu.Lock()
	s.entries[job.ID] = &entry{job: job}
	s.mu.Unlock()
	return s.Save()
}

// Get returns a copy of the record
func (s *Store) Get(id string) (*Job, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// List returns copies of the records matching status (all when nil), newest
// first. limit <= 0 means no cap. The second value is the number of
// matching records before the limit was applied.
func (s *Store) List(status *JobStatus, limit int) ([]*Job, int, error) {
	var jobs []*Job
	for _, job := range s.all() {
		if status != nil && job.Status != *status {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})

	total := len(jobs)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, total, nil
}

// Update applies mutate to the record under its lock. mutate works on a
// copy: if it returns an error nothing changes. The snapshot is written
// after the lock is released.
func (s *Store) Update(id string, mutate func(*Job) error) error {
	e := s.lookup(id)
	if e == nil {
		return errors.NewNotFoundError("job not found: %s", id)
	}

	e.mu.Lock()
	next := e.job.Clone()
	if err := mutate(next); err != nil {
		e.mu.Unlock()
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	e.job = next
	e.mu.Unlock()

	return s.Save()
}

// Remove deletes the given records and returns how many existed
func (s *Store) Remove(ids ...string) (int, error) {
	removed := 0
	s.mu.Lock()
	for _, id := range ids {
		if _, ok := s.entries[id]; ok {
			delete(s.entries, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed == 0 {
		return 0, nil
	}
	return removed, s.Save()
}

// Len returns the number of records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stats counts records per status
func (s *Store) Stats() map[JobStatus]int {
	stats := map[JobStatus]int{
		JobStatusPending:   0,
		JobStatusRunning:   0,
		JobStatusCompleted: 0,
		JobStatusFailed:    0,
		JobStatusCancelled: 0,
	}
	for _, job := range s.all() {
		stats[job.Status]++
	}
	return stats
}

// Save writes the full collection to the snapshot. The collection is copied
// after the save lock is taken, so a save can never overwrite a newer one.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	jobs := s.all()
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})

	if err := s.snap.Write(jobs); err != nil {
		return errors.WrapPersistence(err, "failed to persist job snapshot")
	}
	return nil
}

// Close writes a final snapshot and releases the backend
func (s *Store) Close() error {
	var saveErr error
	if !s.readOnly {
		saveErr = s.Save()
	}
	if err := s.snap.Close(); err != nil {
		return errors.Wrap(err, "failed to close job snapshot")
	}
	return saveErr
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// all copies every record, taking each entry lock briefly
func (s *Store) all() []*Job {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	jobs := make([]*Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		jobs = append(jobs, e.job.Clone())
		e.mu.Unlock()
	}
	return jobs
}
