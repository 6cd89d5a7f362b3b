package commands

import (
	"os"
	"path/filepath"

	"github.com/teranos/handoff/am"
	"github.com/teranos/handoff/errors"
	"github.com/teranos/handoff/logger"
	"github.com/teranos/handoff/pulse/async"
)

// openSnapshot returns the snapshot backend named by jobs.persistence
func openSnapshot(cfg *am.Config) (async.Snapshotter, error) {
	switch cfg.Jobs.Persistence {
	case am.PersistenceSQLite:
		path := cfg.Jobs.DatabasePath()
		if err := os.MkdirAll(filepath.Dir(path), am.DefaultDirPermissions); err != nil {
			return nil, errors.WrapPersistence(err, "failed to create job database directory")
		}
		snap, err := async.OpenSQLSnapshot(path, logger.ComponentLogger("db"))
		if err != nil {
			return nil, errors.WrapPersistence(err, "failed to open job database")
		}
		return snap, nil
	case am.PersistenceFile, "":
		return async.NewFileSnapshot(cfg.Jobs.SnapshotPath()), nil
	default:
		return nil, errors.NewInvalidRequestError("unknown jobs.persistence %q", cfg.Jobs.Persistence)
	}
}

// openStore opens the configured snapshot and reads it. With recover set,
// unfinished jobs are failed as after a restart; without it the snapshot
// is only inspected.
func openStore(cfg *am.Config, recoverUnfinished bool) (*async.Store, error) {
	snap, err := openSnapshot(cfg)
	if err != nil {
		return nil, err
	}

	store := async.NewStore(snap, logger.ComponentLogger("pulse.store"))
	load := store.Inspect
	if recoverUnfinished {
		load = store.Load
	}
	if err := load(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
