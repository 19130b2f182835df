package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"holocron/pkg/store"
	"holocron/pkg/telemetry"
	"holocron/pkg/utils"
	"holocron/pkg/validation"
)

// collOf resolves the collection path variable, responding on failure.
func (s *Server) collOf(w http.ResponseWriter, r *http.Request) (*store.Collection, bool) {
	coll, err := s.db.Collection(mux.Vars(r)["coll"])
	if err != nil {
		utils.JSONErrorReason(w, http.StatusBadRequest, err.Error(), "bad_collection")
		return nil, false
	}
	return coll, true
}

// getDoc handles GET /v1/db/{coll}/docs/{id}. Tombstoned documents
// read as 404, same as missing ones, unless include_deleted=1 asks
// for the tombstone body (replication and conflict inspection).
func (s *Server) getDoc(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "get_doc")
	coll, ok := s.collOf(w, r)
	if !ok {
		return
	}
	read := coll.Get
	if r.URL.Query().Get("include_deleted") == "1" {
		read = coll.GetAny
	}
	raw, err := read(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		storeError(w, err)
		return
	}
	var env store.Envelope
	if json.Unmarshal(raw, &env) == nil && env.Rev != "" {
		w.Header().Set("ETag", `"`+env.Rev+`"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// putDoc handles PUT /v1/db/{coll}/docs/{id}. The path id is
// canonical; a body _id must match it. The stored revision may come
// from the body's _rev or the rev query parameter.
func (s *Server) putDoc(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "put_doc")
	coll, ok := s.collOf(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	body := readBody(w, r, s.maxDoc, "doc_too_large")
	if body == nil {
		return
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		utils.JSONErrorReason(w, http.StatusBadRequest, "invalid json", "bad_doc")
		return
	}
	if bodyID, _ := doc["_id"].(string); bodyID != "" && bodyID != id {
		utils.JSONErrorReason(w, http.StatusBadRequest, "body _id does not match path", "id_mismatch")
		return
	}
	doc["_id"] = id
	if rev := r.URL.Query().Get("rev"); rev != "" {
		doc["_rev"] = rev
	}
	enc, err := json.Marshal(doc)
	if err != nil {
		utils.JSONErrorReason(w, http.StatusBadRequest, "invalid json", "bad_doc")
		return
	}
	if err := validation.ValidateDoc(coll.Name(), enc); err != nil {
		utils.JSONErrorReason(w, http.StatusBadRequest, err.Error(), "validation")
		return
	}
	rev, err := coll.Put(r.Context(), enc)
	if err != nil {
		storeError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, map[string]string{"id": id, "rev": rev})
}

// deleteDoc handles DELETE /v1/db/{coll}/docs/{id}?rev=. The tombstone
// keeps no body fields; typed tombstones go through bulk writes.
func (s *Server) deleteDoc(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "delete_doc")
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
	newRev, err := coll.Remove(r.Context(), id, rev)
	if err != nil {
		storeError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"id": id, "rev": newRev})
}

// bulkDocCap bounds a bulk request body relative to the single-doc cap.
const bulkDocCap = 1000

// bulkRequest is the POST /v1/db/{coll}/bulk body. NewEdits defaults
// to true; the new_edits query parameter overrides the body.
type bulkRequest struct {
	Docs     []json.RawMessage `json:"docs"`
	NewEdits *bool             `json:"new_edits,omitempty"`
}

// bulkDocs handles bulk writes. With new edits each document follows
// Put rules and conflicts come back per document. Without new edits
// the batch is a replication apply: revisions are preserved and the
// deterministic winner rule decides each document, so validation is
// skipped.
func (s *Server) bulkDocs(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "bulk_docs")
	coll, ok := s.collOf(w, r)
	if !ok {
		return
	}
	body := readBody(w, r, s.maxDoc*int64(bulkDocCap), "doc_too_large")
	if body == nil {
		return
	}
	var req bulkRequest
	if err := json.Unmarshal(body, &req); err != nil {
		utils.JSONErrorReason(w, http.StatusBadRequest, "invalid json", "bad_doc")
		return
	}
	newEdits := true
	if req.NewEdits != nil {
		newEdits = *req.NewEdits
	}
	if q := r.URL.Query().Get("new_edits"); q != "" {
		v, err := strconv.ParseBool(q)
		if err != nil {
			utils.JSONErrorReason(w, http.StatusBadRequest, "invalid new_edits value", "bad_query")
			return
		}
		newEdits = v
	}
	if len(req.Docs) == 0 {
		utils.JSONErrorReason(w, http.StatusBadRequest, "docs array empty", "bad_doc")
		return
	}
	if newEdits {
		for _, d := range req.Docs {
			if err := validation.ValidateDoc(coll.Name(), d); err != nil {
				utils.JSONErrorReason(w, http.StatusBadRequest, err.Error(), "validation")
				return
			}
		}
	}
	results, err := coll.BulkDocs(r.Context(), req.Docs, newEdits)
	if err != nil {
		storeError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, results)
}

// find handles POST /v1/db/{coll}/find. The selector must be served
// by a declared index; there is no scan fallback.
func (s *Server) find(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "find")
	coll, ok := s.collOf(w, r)
	if !ok {
		return
	}
	body := readBody(w, r, s.maxDoc, "doc_too_large")
	if body == nil {
		return
	}
	var q store.Query
	if err := json.Unmarshal(body, &q); err != nil {
		utils.JSONErrorReason(w, http.StatusBadRequest, "invalid json", "bad_query")
		return
	}
	docs, err := coll.Find(r.Context(), q)
	if err != nil {
		storeError(w, err)
		return
	}
	if docs == nil {
		docs = []json.RawMessage{}
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"docs": docs})
}

// listIndexes handles GET /v1/db/{coll}/indexes.
func (s *Server) listIndexes(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "list_indexes")
	coll, ok := s.collOf(w, r)
	if !ok {
		return
	}
	defs, err := coll.ListIndexes(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	if defs == nil {
		defs = []store.Index{}
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"indexes": defs})
}

// createIndex handles POST /v1/db/{coll}/indexes. Redeclaring an
// identical index reports "exists" rather than failing.
func (s *Server) createIndex(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "create_index")
	coll, ok := s.collOf(w, r)
	if !ok {
		return
	}
	var idx store.Index
	if err := json.NewDecoder(r.Body).Decode(&idx); err != nil {
		utils.JSONErrorReason(w, http.StatusBadRequest, "invalid json", "bad_index")
		return
	}
	created, err := coll.CreateIndex(r.Context(), idx)
	if err != nil {
		storeError(w, err)
		return
	}
	result := "exists"
	if created {
		result = "created"
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"result": result, "name": idx.Name})
}
