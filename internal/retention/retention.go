// Package retention runs the scheduled purge pass: tombstones past
// their age, change-log entries past theirs, and attachment rows whose
// owner document is gone. Runs are cron-driven via gronx and guarded
// by a file lease so an admin-triggered pass never overlaps a
// scheduled one. Purging is destructive and does not replicate as a
// deletion, so ages should comfortably exceed the longest expected
// peer offline window.
package retention

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"holocron/pkg/config"
	"holocron/pkg/logger"
	"holocron/pkg/models"
	"holocron/pkg/state"
	"holocron/pkg/store"
)

// leaseTTL bounds one pass; a crashed run frees the lease after this.
const leaseTTL = 10 * time.Minute

// Result is the per-collection outcome of one pass.
type Result struct {
	Collection string `json:"collection"`
	Tombstones int    `json:"tombstones_purged"`
	Changelog  int    `json:"changelog_pruned"`
	Orphans    int    `json:"orphan_attachments_removed"`
}

// Summary is the outcome of one retention pass.
type Summary struct {
	StartedAt time.Time `json:"started_at"`
	Took      string    `json:"took"`
	DryRun    bool      `json:"dry_run"`
	Results   []Result  `json:"results"`
}

// Runner owns the schedule and the sweeps for one store.
type Runner struct {
	db  *store.DB
	cfg config.RetentionConfig
}

// New builds a Runner; call Start for the cron loop or RunNow for a
// single pass.
func New(db *store.DB, cfg config.RetentionConfig) *Runner {
	return &Runner{db: db, cfg: cfg}
}

// Start starts the retention scheduler if enabled. Returns a cancel func.
func (rn *Runner) Start(ctx context.Context) (context.CancelFunc, error) {
	if !rn.cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	// Lock and pass artifacts live in a stable folder under the node's
	// data path: <DBPath>/state/retention.
	retentionPath := state.PathsVar.Retention
	if err := os.MkdirAll(retentionPath, 0o700); err != nil {
		logger.Error("retention_path_create_failed", "path", retentionPath, "error", err)
		return nil, err
	}

	// map empty cron to default daily @02:00
	cronExpr := rn.cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", rn.cfg.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", rn.cfg.Cron)
	}

	logger.Info("retention_enabled",
		"cron", cronExpr,
		"tombstone_age", rn.cfg.TombstoneAge.Duration().String(),
		"changelog_age", rn.cfg.ChangelogAge.Duration().String(),
		"sweep_orphans", rn.cfg.SweepOrphans,
		"dry_run", rn.cfg.DryRun,
		"path", retentionPath)
	ctx2, cancel := context.WithCancel(ctx)
	go rn.runScheduler(ctx2, cronExpr)
	logger.Info("retention_scheduler_started", "path", retentionPath)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured
// cron expression and sleeps until that time. This yields sharp
// scheduling and supports full cron syntax.
func (rn *Runner) runScheduler(ctx context.Context, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		// compute next tick after now (UTC). allowCurrent=false so we
		// get the next future tick.
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			// fallback sleep then retry
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				logger.Info("retention_scheduler_stopping")
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			// due now-ish; run immediately
			rn.runLogged(ctx)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				logger.Info("retention_scheduler_stopping")
				return
			}
			continue
		}

		select {
		case <-time.After(wait):
			rn.runLogged(ctx)
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

func (rn *Runner) runLogged(ctx context.Context) {
	if _, err := rn.RunNow(ctx); err != nil {
		logger.Error("retention_run_error", "error", err)
	}
}

// RunNow performs a single retention pass. The admin purge endpoint
// and tests call it directly; the scheduler calls it on each tick.
func (rn *Runner) RunNow(ctx context.Context) (Summary, error) {
	started := time.Now().UTC()
	sum := Summary{StartedAt: started, DryRun: rn.cfg.DryRun}

	// admin-triggered passes may run before Start made the folder
	if err := os.MkdirAll(state.PathsVar.Retention, 0o700); err != nil {
		return sum, fmt.Errorf("retention dir: %w", err)
	}
	lease := NewFileLease(state.PathsVar.Retention)
	owner := uuid.NewString()
	ok, err := lease.Acquire(owner, leaseTTL)
	if err != nil {
		return sum, fmt.Errorf("acquire retention lease: %w", err)
	}
	if !ok {
		return sum, fmt.Errorf("retention pass already running")
	}
	defer func() {
		if rerr := lease.Release(owner); rerr != nil {
			logger.Warn("retention_lease_release_failed", "error", rerr)
		}
	}()

	logger.AuditEvent("retention_run_start", "dry_run", rn.cfg.DryRun)
	for _, name := range []string{models.CollCharacters, models.CollMessages} {
		coll, err := rn.db.Collection(name)
		if err != nil {
			return sum, err
		}
		res, err := rn.sweep(ctx, coll)
		if err != nil {
			logger.Error("retention_sweep_failed", "collection", name, "error", err)
			return sum, err
		}
		sum.Results = append(sum.Results, res)
		logger.AuditEvent("retention_collection_swept",
			"collection", name,
			"tombstones", res.Tombstones,
			"changelog", res.Changelog,
			"orphans", res.Orphans,
			"dry_run", rn.cfg.DryRun)
	}

	sum.Took = time.Since(started).Round(time.Millisecond).String()
	logger.AuditEvent("retention_run_done", "took", sum.Took, "dry_run", rn.cfg.DryRun)
	return sum, nil
}

// sweep applies the configured sweeps to one collection. A zero age
// disables that sweep.
func (rn *Runner) sweep(ctx context.Context, coll *store.Collection) (Result, error) {
	res := Result{Collection: coll.Name()}
	now := time.Now().UTC()

	if age := rn.cfg.TombstoneAge.Duration(); age > 0 {
		n, err := coll.PurgeTombstones(ctx, now.Add(-age), rn.cfg.DryRun)
		if err != nil {
			return res, fmt.Errorf("purge tombstones: %w", err)
		}
		res.Tombstones = n
	}
	if age := rn.cfg.ChangelogAge.Duration(); age > 0 {
		n, err := coll.SweepChangelog(ctx, now.Add(-age), rn.cfg.DryRun)
		if err != nil {
			return res, fmt.Errorf("sweep changelog: %w", err)
		}
		res.Changelog = n
	}
	if rn.cfg.SweepOrphans {
		n, err := coll.SweepOrphanAttachments(ctx, rn.cfg.DryRun)
		if err != nil {
			return res, fmt.Errorf("sweep orphan attachments: %w", err)
		}
		res.Orphans = n
	}
	return res, nil
}
