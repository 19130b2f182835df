package api

import (
	"errors"
	"io"
	"net/http"

	"holocron/pkg/logger"
	"holocron/pkg/store"
	"holocron/pkg/utils"
)

// storeError maps store sentinels onto the wire envelope. The remote
// package reverses this mapping, so the reason strings are part of the
// protocol: errors.Is must hold on both sides of the wire.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case store.IsNotFound(err):
		utils.JSONErrorReason(w, http.StatusNotFound, "not found", "missing")
	case store.IsConflict(err):
		utils.JSONErrorReason(w, http.StatusConflict, "document update conflict", "stale_rev")
	case errors.Is(err, store.ErrNoIndex):
		utils.JSONErrorReason(w, http.StatusBadRequest, err.Error(), "no_index")
	case errors.Is(err, store.ErrBadQuery):
		utils.JSONErrorReason(w, http.StatusBadRequest, err.Error(), "bad_query")
	case errors.Is(err, store.ErrBadIndex):
		utils.JSONErrorReason(w, http.StatusBadRequest, err.Error(), "bad_index")
	case errors.Is(err, store.ErrIndexExists):
		utils.JSONErrorReason(w, http.StatusConflict, err.Error(), "index_exists")
	case errors.Is(err, store.ErrBadDoc):
		utils.JSONErrorReason(w, http.StatusBadRequest, err.Error(), "bad_doc")
	case errors.Is(err, store.ErrDocTooLarge):
		utils.JSONErrorReason(w, http.StatusRequestEntityTooLarge, err.Error(), "doc_too_large")
	case errors.Is(err, store.ErrAttachmentTooLarge):
		utils.JSONErrorReason(w, http.StatusRequestEntityTooLarge, err.Error(), "attachment_too_large")
	default:
		logger.Error("request_failed", "error", err)
		utils.JSONErrorReason(w, http.StatusInternalServerError, "internal error", "internal")
	}
}

// readBody reads a capped request body. Responds and returns nil when
// the body is over the cap or unreadable.
func readBody(w http.ResponseWriter, r *http.Request, limit int64, reason string) []byte {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.JSONErrorReason(w, http.StatusRequestEntityTooLarge, "body too large", reason)
		} else {
			utils.JSONErrorReason(w, http.StatusBadRequest, "unreadable body", "bad_body")
		}
		return nil
	}
	return body
}
