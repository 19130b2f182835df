package api

import (
	"encoding/json"
	"net/http"

	"github.com/dustin/go-humanize"

	"holocron/pkg/logger"
	"holocron/pkg/telemetry"
	"holocron/pkg/utils"
)

type collStats struct {
	Docs       int64  `json:"docs"`
	Tombstones int64  `json:"tombstones"`
	Seq        uint64 `json:"seq"`
}

// adminStats handles GET /v1/admin/stats: per-collection live and
// tombstoned document counts, sequence high water marks and disk use.
func (s *Server) adminStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "admin_stats")
	out := struct {
		Collections map[string]collStats `json:"collections"`
		DiskBytes   int64                `json:"disk_bytes"`
		Disk        string               `json:"disk"`
		Version     string               `json:"version"`
	}{
		Collections: map[string]collStats{},
		Version:     s.version,
	}
	for _, c := range s.db.Collections() {
		live, deleted, err := c.CountDocs(r.Context())
		if err != nil {
			storeError(w, err)
			return
		}
		seq, err := c.Seq()
		if err != nil {
			storeError(w, err)
			return
		}
		out.Collections[c.Name()] = collStats{Docs: live, Tombstones: deleted, Seq: seq}
	}
	if size, err := s.db.DiskUsage(); err == nil {
		out.DiskBytes = size
		out.Disk = humanize.Bytes(uint64(size))
	}
	_ = utils.JSONWrite(w, http.StatusOK, out)
}

// adminPurge handles POST /v1/admin/purge. Purging deletes data for
// good and can resurrect documents on peers that never saw the
// tombstone, so the request must carry confirm=true.
func (s *Server) adminPurge(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "admin_purge")
	if s.admin.PurgeNow == nil {
		utils.JSONErrorReason(w, http.StatusServiceUnavailable, "retention not configured", "not_configured")
		return
	}
	confirm := r.URL.Query().Get("confirm") == "true"
	if !confirm {
		var req struct {
			Confirm bool `json:"confirm"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			confirm = req.Confirm
		}
	}
	if !confirm {
		utils.JSONErrorReason(w, http.StatusBadRequest, "confirm=true required", "confirm_required")
		return
	}
	logger.AuditEvent("admin_purge_requested", "remote", r.RemoteAddr)
	res, err := s.admin.PurgeNow(r.Context())
	if err != nil {
		logger.Error("admin_purge_failed", "error", err)
		utils.JSONErrorReason(w, http.StatusInternalServerError, err.Error(), "purge_failed")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, res)
}

// adminSync handles GET /v1/admin/sync.
func (s *Server) adminSync(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "admin_sync")
	if s.admin.SyncStatus == nil {
		_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, s.admin.SyncStatus())
}
