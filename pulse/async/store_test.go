package async

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/handoff/errors"
)

// ============================================================================
// TAS Bot & Kirby Store Test Universe
// ============================================================================
//
// Characters:
//   - TAS Bot: Frame-perfect coordinator who persists job records
//   - Kirby: The worker who retrieves and updates stored jobs
//   - Cronos: Greek god of time, appears when the process restarts
//
// Theme: TAS Bot writes save states (snapshots), Kirby loads and updates
// them, and Cronos fails whatever was still running when time stopped.
// ============================================================================

// memSnapshot keeps the last written collection in memory
type memSnapshot struct {
	mu     sync.Mutex
	jobs   []*Job
	writes int
	fail   error
	closed bool
}

func (m *memSnapshot) Read() ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Clone())
	}
	return out, nil
}

func (m *memSnapshot) Write(jobs []*Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.writes++
	m.jobs = jobs
	return nil
}

func (m *memSnapshot) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSnapshot) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *memSnapshot) snapshot() []*Job {
	jobs, _ := m.Read()
	return jobs
}

func (m *memSnapshot) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func newTestStore(t *testing.T) (*Store, *memSnapshot) {
	t.Helper()
	snap := &memSnapshot{}
	return NewStore(snap, zaptest.NewLogger(t).Sugar()), snap
}

// withClock makes the store hand out strictly increasing timestamps
func withClock(s *Store, start time.Time) {
	var mu sync.Mutex
	now := start
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func TestTASBotRegistersJob(t *testing.T) {
	t.Log("🎮 TAS Bot writes a fresh save state")

	store, snap := newTestStore(t)

	id, err := store.Register("render footage")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	job, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, "render footage", job.Label)
	assert.Nil(t, job.StartedAt)
	assert.False(t, job.CreatedAt.IsZero())

	require.Len(t, snap.snapshot(), 1, "registration is written through")
}

func TestRegisterRunning_StartsAtCreation(t *testing.T) {
	store, _ := newTestStore(t)

	id, err := store.RegisterRunning("detached")
	require.NoError(t, err)

	job, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, job.Status)
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, job.CreatedAt, *job.StartedAt)
}

func TestRegister_IDsAreUnique(t *testing.T) {
	store, _ := newTestStore(t)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id, err := store.Register("speedrun")
		require.NoError(t, err)
		require.False(t, seen[id], "id %s reused", id)
		seen[id] = true
	}
}

func TestKirbyGetsCopies(t *testing.T) {
	t.Log("⭐ Kirby loads a save state and scribbles on it. Poyo!")

	store, _ := newTestStore(t)
	id, err := store.Register("copy me")
	require.NoError(t, err)

	job, err := store.Get(id)
	require.NoError(t, err)
	job.Status = JobStatusFailed
	job.Label = "scribbled"

	stored, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, stored.Status)
	assert.Equal(t, "copy me", stored.Label)
}

func TestGet_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get("missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
	assert.Equal(t, errors.KindNotFound, errors.Kind(err))
}

func TestUpdate_ErrorLeavesRecordUnchanged(t *testing.T) {
	store, snap := newTestStore(t)
	id, err := store.Register("x")
	require.NoError(t, err)
	writes := snap.writeCount()

	sentinel := errors.New("mutator refused")
	err = store.Update(id, func(job *Job) error {
		job.Label = "half-applied"
		return sentinel
	})
	assert.True(t, errors.Is(err, sentinel))

	job, _ := store.Get(id)
	assert.Equal(t, "x", job.Label)
	assert.Equal(t, writes, snap.writeCount(), "refused update is not persisted")

	err = store.Update(id, func(job *Job) error { return errNoChange })
	assert.NoError(t, err)
	assert.Equal(t, writes, snap.writeCount())
}

func TestUpdate_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Update("ghost", func(*Job) error { return nil })
	assert.True(t, errors.IsNotFoundError(err))
}

func TestUpdate_ConcurrentDifferentIDs(t *testing.T) {
	store, _ := newTestStore(t)

	ids := make([]string, 8)
	for i := range ids {
		id, err := store.RegisterRunning(fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for n := 1; n <= 20; n++ {
				_ = store.Update(id, func(job *Job) error {
					job.SetProgress(uint64(n), Progress{Current: n, Total: 20})
					return nil
				})
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		job, err := store.Get(id)
		require.NoError(t, err)
		require.NotNil(t, job.Progress)
		assert.Equal(t, 20, job.Progress.Current)
	}
}

func TestList_OrderFilterAndTotal(t *testing.T) {
	store, _ := newTestStore(t)
	withClock(store, t0)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := store.Register(fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, store.Update(ids[1], func(j *Job) error { return j.Start(store.now()) }))
	require.NoError(t, store.Update(ids[3], func(j *Job) error { return j.Start(store.now()) }))

	jobs, total, err := store.List(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, jobs, 5)
	assert.Equal(t, ids[4], jobs[0].ID, "newest first")
	assert.Equal(t, ids[0], jobs[4].ID)

	jobs, total, err = store.List(nil, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total, "total counts matches before the limit")
	assert.Len(t, jobs, 2)

	running := JobStatusRunning
	jobs, total, err = store.List(&running, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[3], jobs[0].ID)
	assert.Equal(t, ids[1], jobs[1].ID)
}

func TestRemove(t *testing.T) {
	store, _ := newTestStore(t)
	a, _ := store.Register("a")
	b, _ := store.Register("b")

	removed, err := store.Remove(a, "unknown")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())

	_, err = store.Get(a)
	assert.True(t, errors.IsNotFoundError(err))
	_, err = store.Get(b)
	assert.NoError(t, err)
}

func TestStats(t *testing.T) {
	store, _ := newTestStore(t)
	_, _ = store.Register("p")
	_, _ = store.RegisterRunning("r")

	stats := store.Stats()
	assert.Equal(t, 1, stats[JobStatusPending])
	assert.Equal(t, 1, stats[JobStatusRunning])
	assert.Equal(t, 0, stats[JobStatusCompleted])
	assert.Len(t, stats, 5)
}

func TestPersistenceFailure_KeepsMemoryState(t *testing.T) {
	t.Log("🎮 TAS Bot's memory card is full, the run keeps going anyway")

	store, snap := newTestStore(t)
	snap.setFail(errors.New("disk full"))

	id, err := store.Register("unsaved")
	require.Error(t, err)
	assert.True(t, errors.IsPersistenceError(err))
	assert.Equal(t, errors.KindPersistenceFailure, errors.Kind(err))
	require.NotEmpty(t, id)

	job, err := store.Get(id)
	require.NoError(t, err, "record exists in memory despite the failed save")

	err = store.Update(id, func(j *Job) error { return j.Start(t0) })
	assert.True(t, errors.IsPersistenceError(err))

	job, err = store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, job.Status, "failed save never rolls back")

	snap.setFail(nil)
	require.NoError(t, store.Save())
	require.Len(t, snap.snapshot(), 1)
	assert.Equal(t, JobStatusRunning, snap.snapshot()[0].Status)
}

func TestCronosRestartRecovery(t *testing.T) {
	t.Log("⏳ Cronos stops time, then the process comes back")

	started := t0.Add(time.Second)
	done := t0.Add(2 * time.Second)
	snap := &memSnapshot{jobs: []*Job{
		{ID: "was-running", Label: "r", Status: JobStatusRunning, CreatedAt: t0, StartedAt: &started},
		{ID: "was-pending", Label: "p", Status: JobStatusPending, CreatedAt: t0},
		{ID: "finished", Label: "c", Status: JobStatusCompleted, CreatedAt: t0, StartedAt: &started,
			CompletedAt: &done, Result: json.RawMessage(`42`)},
		{ID: "weird", Status: "exploded", CreatedAt: t0},
	}}

	store := NewStore(snap, zaptest.NewLogger(t).Sugar())
	recoveredAt := t0.Add(time.Hour)
	store.now = func() time.Time { return recoveredAt }

	require.NoError(t, store.Load())
	assert.Equal(t, 3, store.Len(), "records with unknown status are skipped")

	running, err := store.Get("was-running")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, running.Status)
	require.NotNil(t, running.Error)
	assert.Equal(t, "process restarted while job was running", running.Error.Message)
	assert.Equal(t, ErrorCodeRestarted, running.Error.Code)
	assert.Equal(t, recoveredAt, *running.CompletedAt)

	pending, err := store.Get("was-pending")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, pending.Status)
	assert.Equal(t, "process restarted before job started", pending.Error.Message)

	finished, err := store.Get("finished")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, finished.Status)
	assert.Equal(t, done, *finished.CompletedAt, "terminal records load unchanged")

	for _, job := range snap.snapshot() {
		assert.True(t, job.Status.IsTerminal(), "recovery is written back (%s)", job.ID)
	}
}

func TestInspectLeavesUnfinishedJobsAlone(t *testing.T) {
	started := t0.Add(time.Second)
	snap := &memSnapshot{jobs: []*Job{
		{ID: "live", Label: "r", Status: JobStatusRunning, CreatedAt: t0, StartedAt: &started},
		{ID: "queued", Label: "p", Status: JobStatusPending, CreatedAt: t0},
	}}

	store := NewStore(snap, zaptest.NewLogger(t).Sugar())
	require.NoError(t, store.Inspect())

	live, err := store.Get("live")
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, live.Status)
	queued, err := store.Get("queued")
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, queued.Status)
	require.NoError(t, store.Close())
	assert.Equal(t, 0, snap.writeCount(), "inspecting never writes")
}

func TestStoreClose(t *testing.T) {
	store, snap := newTestStore(t)
	_, _ = store.Register("last")

	require.NoError(t, store.Close())
	assert.True(t, snap.closed)
	assert.Len(t, snap.snapshot(), 1)
}

func TestFileSnapshot_RoundTripAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta", "jobs.json")

	store := NewStore(NewFileSnapshot(path), zaptest.NewLogger(t).Sugar())
	require.NoError(t, store.Load(), "missing file is an empty collection")

	doneID, err := store.RegisterRunning("done")
	require.NoError(t, err)
	require.NoError(t, store.Update(doneID, func(j *Job) error {
		return j.Complete(json.RawMessage(`{"ok":true}`), time.Now())
	}))
	runningID, err := store.RegisterRunning("interrupted")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw []map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Len(t, raw, 2)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	reloaded := NewStore(NewFileSnapshot(path), zaptest.NewLogger(t).Sugar())
	require.NoError(t, reloaded.Load())

	done, err := reloaded.Get(doneID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, done.Status)
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))

	interrupted, err := reloaded.Get(runningID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, interrupted.Status)
	assert.Equal(t, ErrorCodeRestarted, interrupted.Error.Code)
}

func TestFileSnapshot_EmptyAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	jobs, err := NewFileSnapshot(empty).Read()
	require.NoError(t, err)
	assert.Empty(t, jobs)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0644))
	store := NewStore(NewFileSnapshot(corrupt), zaptest.NewLogger(t).Sugar())
	err = store.Load()
	require.Error(t, err)
	assert.True(t, errors.IsPersistenceError(err))
}
