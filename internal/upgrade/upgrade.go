// Package upgrade reconciles on-disk state with the running release.
// A version marker lives in node-local space; when it differs from
// the binary's version the sync pass runs before the node serves
// traffic, so index definitions and entry encodings never lag the
// code that reads them.
package upgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"holocron/pkg/logger"
	"holocron/pkg/models"
	"holocron/pkg/query"
	"holocron/pkg/store"
)

const (
	versionKey    = "version"
	inProgressKey = "migration_in_progress"
)

// Sync performs upgrade work between versions. Edit in-place for
// migration logic.
func Sync(ctx context.Context, db *store.DB, from, to string) error {
	logger.Info("upgrade_sync_start", "from", from, "to", to)

	// Reconcile the index catalog and rebuild entries. Entry encodings
	// may change between releases; a rebuild drops and backfills every
	// row from the live documents, so running it twice is harmless.
	for _, name := range []string{models.CollCharacters, models.CollMessages} {
		coll, err := db.Collection(name)
		if err != nil {
			return err
		}
		if err := query.EnsureIndexes(ctx, coll); err != nil {
			logger.Error("upgrade_ensure_indexes_failed", "collection", name, "error", err)
			return err
		}
		if from == "" {
			// fresh store, nothing to rebuild
			continue
		}
		for _, idx := range query.IndexesFor(name) {
			if err := coll.RebuildIndex(ctx, idx.Name); err != nil {
				logger.Error("upgrade_rebuild_failed", "collection", name, "index", idx.Name, "error", err)
				return err
			}
		}
	}

	logger.Info("upgrade_sync_done", "from", from, "to", to)
	return nil
}

// Run checks for a version change and runs Sync if needed.
// Returns (invoked, error): invoked is true if Sync ran.
func Run(ctx context.Context, db *store.DB, newVersion string) (bool, error) {
	stored := storedVersion(db)
	logger.Info("upgrade_version_check", "stored", stored, "running", newVersion)

	if stored == newVersion {
		logger.Info("upgrade_noop", "version", newVersion)
		return false, nil
	}

	if mb, err := db.GetSys(inProgressKey); err == nil && len(mb) > 0 {
		logger.Warn("upgrade_resuming_interrupted_migration", "marker", string(mb))
	}

	marker := map[string]string{
		"from":       stored,
		"to":         newVersion,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}
	mb, _ := json.Marshal(marker)
	if err := db.SetSys(mb, inProgressKey); err != nil {
		logger.Error("upgrade_write_inprogress_failed", "error", err)
		return true, fmt.Errorf("failed to write in-progress marker: %w", err)
	}

	logger.Info("upgrade_start_sync", "from", stored, "to", newVersion)
	if err := Sync(ctx, db, stored, newVersion); err != nil {
		logger.Error("upgrade_sync_failed", "from", stored, "to", newVersion, "error", err)
		return true, err
	}

	if err := db.SetSys([]byte(newVersion), versionKey); err != nil {
		logger.Error("upgrade_persist_version_failed", "version", newVersion, "error", err)
		return true, fmt.Errorf("failed to persist new version: %w", err)
	}
	if err := db.DeleteSys(inProgressKey); err != nil {
		logger.Error("upgrade_delete_inprogress_failed", "error", err)
	}

	logger.Info("upgrade_version_persisted", "version", newVersion)
	return true, nil
}

func storedVersion(db *store.DB) string {
	v, err := db.GetSys(versionKey)
	if err != nil {
		return ""
	}
	return string(v)
}
