package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"holocron/pkg/media"
	"holocron/pkg/store"
	"holocron/pkg/telemetry"
	"holocron/pkg/utils"
)

// Replicated attachment state travels in these headers on the
// new_edits=false apply path; pkg/remote sets them from the origin's
// metadata.
const (
	hdrMediaDigest    = "X-Media-Digest"
	hdrMediaBoundRev  = "X-Media-Bound-Rev"
	hdrMediaUpdatedAt = "X-Media-Updated-At"
)

// getMedia handles GET /v1/db/{coll}/docs/{id}/media. With meta=1 only
// the metadata JSON is returned; otherwise the blob with its stored
// content type and the digest as ETag.
func (s *Server) getMedia(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "get_media")
	coll, ok := s.collOf(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if r.URL.Query().Get("meta") == "1" {
		meta, err := coll.GetAttachmentMeta(r.Context(), id, media.SlotName)
		if err != nil {
			storeError(w, err)
			return
		}
		_ = utils.JSONWrite(w, http.StatusOK, meta)
		return
	}
	data, meta, err := coll.GetAttachment(r.Context(), id, media.SlotName)
	if err != nil {
		storeError(w, err)
		return
	}
	ct := meta.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	if meta.Digest != "" {
		w.Header().Set("ETag", `"`+meta.Digest+`"`)
		w.Header().Set(hdrMediaDigest, meta.Digest)
	}
	if meta.BoundRev != "" {
		w.Header().Set(hdrMediaBoundRev, meta.BoundRev)
	}
	if meta.UpdatedAt != "" {
		w.Header().Set(hdrMediaUpdatedAt, meta.UpdatedAt)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// putMedia handles PUT /v1/db/{coll}/docs/{id}/media?rev=. The normal
// path binds the blob to the document and bumps its revision. With
// new_edits=false the body and metadata headers are installed verbatim
// as replicated state: no revision check, no bump, no feed entry; an
// empty digest with an empty body clears the slot.
func (s *Server) putMedia(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "put_media")
	coll, ok := s.collOf(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	// readBody returns a non-nil empty slice for empty bodies, so nil
	// means it already responded with an error.
	body := readBody(w, r, s.maxAtt, "attachment_too_large")
	if body == nil {
		return
	}

	if r.URL.Query().Get("new_edits") == "false" {
		digest := r.Header.Get(hdrMediaDigest)
		// An apply that carries data must name its digest; otherwise it
		// would be indistinguishable from a clear.
		if digest == "" && len(body) > 0 {
			utils.JSONErrorReason(w, http.StatusBadRequest, "media apply with data requires "+hdrMediaDigest, "bad_doc")
			return
		}
		meta := store.AttachmentMeta{
			Name:        media.SlotName,
			ContentType: r.Header.Get("Content-Type"),
			Length:      int64(len(body)),
			Digest:      digest,
			BoundRev:    r.Header.Get(hdrMediaBoundRev),
			UpdatedAt:   r.Header.Get(hdrMediaUpdatedAt),
		}
		if err := coll.ApplyAttachment(r.Context(), id, media.SlotName, meta, body); err != nil {
			storeError(w, err)
			return
		}
		_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	rev := r.URL.Query().Get("rev")
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	newRev, err := coll.PutAttachment(r.Context(), id, media.SlotName, rev, ct, body)
	if err != nil {
		storeError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, map[string]string{"id": id, "rev": newRev})
}

// deleteMedia handles DELETE /v1/db/{coll}/docs/{id}/media?rev=.
func (s *Server) deleteMedia(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "delete_media")
	coll, ok := s.collOf(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	rev := r.URL.Query().Get("rev")
	if rev == "" {
		utils.JSONErrorReason(w, http.StatusBadRequest, "rev query parameter required", "missing_rev")
		return
	}
	newRev, err := coll.RemoveAttachment(r.Context(), id, media.SlotName, rev)
	if err != nil {
		storeError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"id": id, "rev": newRev})
}
