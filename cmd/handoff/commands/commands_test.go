package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/handoff/am"
	"github.com/teranos/handoff/errors"
	"github.com/teranos/handoff/pulse/async"
)

func testConfig(t *testing.T, persistence string) *am.Config {
	t.Helper()
	cfg := am.Defaults()
	cfg.Jobs.PersistenceDir = t.TempDir()
	cfg.Jobs.Persistence = persistence
	return cfg
}

func TestOpenStore_Backends(t *testing.T) {
	for _, persistence := range []string{am.PersistenceFile, am.PersistenceSQLite} {
		t.Run(persistence, func(t *testing.T) {
			cfg := testConfig(t, persistence)

			store, err := openStore(cfg, true)
			require.NoError(t, err)
			id, err := store.RegisterRunning("interrupted")
			require.NoError(t, err)
			require.NoError(t, store.Close())

			inspected, err := openStore(cfg, false)
			require.NoError(t, err)
			job, err := inspected.Get(id)
			require.NoError(t, err)
			assert.Equal(t, async.JobStatusRunning, job.Status, "inspection leaves live jobs alone")
			require.NoError(t, inspected.Close())

			recovered, err := openStore(cfg, true)
			require.NoError(t, err)
			defer recovered.Close()
			job, err = recovered.Get(id)
			require.NoError(t, err)
			assert.Equal(t, async.JobStatusFailed, job.Status)
		})
	}
}

func TestOpenSnapshot_UnknownBackend(t *testing.T) {
	cfg := testConfig(t, "carrier-pigeon")

	_, err := openSnapshot(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestOpenSnapshot_FileLocation(t *testing.T) {
	cfg := testConfig(t, am.PersistenceFile)

	snap, err := openSnapshot(cfg)
	require.NoError(t, err)
	fs, ok := snap.(*async.FileSnapshot)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(cfg.Jobs.PersistenceDir, "meta", "jobs.json"), fs.Path())
}

func TestRenderJobList(t *testing.T) {
	pterm.DisableStyling()
	defer pterm.EnableStyling()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-90 * time.Second)
	res := &async.ListResult{
		Jobs: []*async.Job{{
			ID:        "0b6f6c2e",
			Label:     "make test",
			Status:    async.JobStatusRunning,
			CreatedAt: started,
			StartedAt: &started,
			Progress:  &async.Progress{Message: "12 lines of output"},
		}},
		Count: 1,
		Total: 3,
	}

	var buf bytes.Buffer
	require.NoError(t, renderJobList(&buf, res, now))
	out := buf.String()
	assert.Contains(t, out, "0b6f6c2e")
	assert.Contains(t, out, "make test")
	assert.Contains(t, out, "12 lines of output")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "Showing 1 of 3 job(s)")

	buf.Reset()
	require.NoError(t, renderJobList(&buf, &async.ListResult{}, now))
	assert.Equal(t, "No jobs found\n", buf.String())
}

func TestRenderJob(t *testing.T) {
	pterm.DisableStyling()
	defer pterm.EnableStyling()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-time.Minute)
	done := now.Add(-30 * time.Second)
	job := &async.Job{
		ID:              "a1",
		Label:           "sleep 30",
		Status:          async.JobStatusCancelled,
		CreatedAt:       started,
		StartedAt:       &started,
		CompletedAt:     &done,
		CancelRequested: true,
		Error:           &async.JobError{Message: "cancelled", Code: async.ErrorCodeCancelled},
	}

	var buf bytes.Buffer
	require.NoError(t, renderJob(&buf, job, now))
	out := buf.String()
	assert.Contains(t, out, "cancelled (cancelled)")
	assert.Contains(t, out, "Cancel requested")
	assert.Contains(t, out, "30s")
	assert.NotContains(t, out, "Result:")
}

func TestProgressText(t *testing.T) {
	assert.Equal(t, "-", progressText(nil))
	assert.Equal(t, "5/10 (50%) half", progressText(&async.Progress{Current: 5, Total: 10, Message: "half"}))
	assert.Equal(t, "waiting", progressText(&async.Progress{Message: "waiting"}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestAmInit_WritesDefaultsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "am.toml")

	cmd := amInitCmd
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, cmd.Flags().Set("force", "false"))

	require.NoError(t, runAmInit(cmd, []string{path}))
	assert.Contains(t, out.String(), path)

	loaded, err := am.LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, am.Defaults().Jobs, loaded.Jobs)

	err = runAmInit(cmd, []string{path})
	require.Error(t, err, "existing file is not overwritten without --force")

	require.NoError(t, cmd.Flags().Set("force", "true"))
	defer cmd.Flags().Set("force", "false")
	require.NoError(t, runAmInit(cmd, []string{path}))

	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err, "previous file kept as a backup")
}
