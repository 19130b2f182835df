// Package app assembles a node from its parts: effective config,
// state dirs, the store, the HTTP surface, the retention runner and
// the optional sync controller. New prepares everything that needs no
// running context; Run starts the rest and blocks until shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"holocron/internal/retention"
	"holocron/internal/upgrade"
	"holocron/pkg/config"
	"holocron/pkg/logger"
	"holocron/pkg/replication"
	"holocron/pkg/state"
	"holocron/pkg/store"
	"holocron/pkg/telemetry"
	"holocron/pkg/validation"
)

// App encapsulates the node components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	db   *store.DB
	ret  *retention.Runner
	sync *replication.Controller

	srv *http.Server
}

// New initializes resources that do not require a running context
// (state dirs, logger, store, validation rules). It does not start
// the sync controller, retention or the HTTP server; call Run to
// start those and block until shutdown.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	// validate effective config early and fail fast
	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	if err := state.Init(eff.DBPath); err != nil {
		return nil, fmt.Errorf("state layout under %s: %w", eff.DBPath, err)
	}

	logger.InitWithOptions(eff.Config.Logging.Level, eff.Config.Logging.Sink)
	if err := logger.AttachAuditSink(state.PathsVar.Audit); err != nil {
		// destructive operations then audit through the main logger
		logger.Warn("audit_sink_unavailable", "path", state.PathsVar.Audit, "error", err)
	}

	if tc := eff.Config.Telemetry; tc.SampleRate > 0 || tc.SlowThreshold > 0 {
		if tc.SampleRate > 0 {
			telemetry.SetSampleRate(tc.SampleRate)
		}
		if tc.SlowThreshold > 0 {
			telemetry.SetSlowThreshold(tc.SlowThreshold.Duration())
		}
	}

	// validation rules
	initValidation(eff)

	// open store
	st := eff.Config.Storage
	db, err := store.Open(state.PathsVar.Store, store.Options{
		SyncWrites:        st.SyncWrites,
		CacheSize:         st.CacheSize.Int64(),
		MaxDocSize:        st.MaxDocSize.Int64(),
		MaxAttachmentSize: st.MaxAttachmentSize.Int64(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", state.PathsVar.Store, err)
	}
	store.RegisterDiskGauge(db)

	a := &App{eff: eff, version: version, commit: commit, buildDate: buildDate, db: db}
	a.ret = retention.New(db, eff.Config.Retention)
	if sc := eff.Config.Sync; sc.Enabled {
		// headless node: no view attached, change batches land without
		// refresh dispatch
		a.sync = replication.NewController(db, replication.Config{
			Peer:        sc.Peer,
			APIKey:      sc.APIKey,
			Collections: sc.Collections,
			BatchSize:   sc.BatchSize,
			Debounce:    sc.Debounce.Duration(),
			Timeout:     sc.Timeout.Duration(),
		}, nil)
	}
	return a, nil
}

// Run starts the upgrade pass, retention, sync (if enabled) and the
// HTTP server, and blocks until ctx is canceled or a fatal server
// error occurs.
func (a *App) Run(ctx context.Context) error {
	// reconcile stored format and index catalog before serving
	if _, err := upgrade.Run(ctx, a.db, a.version); err != nil {
		return fmt.Errorf("storage upgrade: %w", err)
	}

	stopRetention, err := a.ret.Start(ctx)
	if err != nil {
		return err
	}
	defer stopRetention()

	if a.sync != nil {
		if err := a.sync.Start(ctx); err != nil {
			return fmt.Errorf("start sync: %w", err)
		}
	}

	a.printBanner()

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		a.stop()
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			a.stop()
			return err
		}
		a.stop()
		return nil
	}
}

// stop drains the server and the background workers in dependency
// order: HTTP first so no request races the closing store.
func (a *App) stop() {
	if a.srv != nil {
		shctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(shctx); err != nil {
			logger.Warn("http_shutdown_incomplete", "error", err)
		}
	}
	if a.sync != nil {
		a.sync.Stop()
	}
	if err := a.db.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
	logger.Info("node_stopped")
}

// initValidation builds per-collection validation rules from config and
// sets them globally.
func initValidation(eff config.EffectiveConfigResult) {
	validation.Reset()
	for _, cr := range eff.Config.Validation.Rules {
		vr := validation.Rules{Types: map[string]string{}, MaxLen: map[string]int{}}
		vr.Required = append(vr.Required, cr.Required...)
		for _, t := range cr.Types {
			vr.Types[t.Path] = t.Type
		}
		for _, ml := range cr.MaxLen {
			vr.MaxLen[ml.Path] = ml.Max
		}
		validation.SetCollectionRules(cr.Collection, vr)
	}
}
