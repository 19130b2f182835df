// Package api is the node's HTTP surface: document CRUD, bulk writes,
// index-backed queries, the changes feed (normal, longpoll and
// websocket), the media slot and the admin endpoints. Handlers map
// store sentinels onto one JSON error envelope so remote stores can
// recover them; see respond.go.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"holocron/pkg/store"
	"holocron/pkg/utils"
)

// AdminHooks are callbacks into subsystems the admin surface drives.
// Nil hooks disable the corresponding endpoint with a 503.
type AdminHooks struct {
	// PurgeNow runs a retention pass immediately and returns its summary.
	PurgeNow func(ctx context.Context) (any, error)
	// SyncStatus reports the replication controller state.
	SyncStatus func() any
}

// Options wires the HTTP surface to the node's store and hooks.
type Options struct {
	DB      *store.DB
	Version string
	// OpenAPIPath is the document served at /openapi.yaml; the swagger
	// UI under /docs/ renders it.
	OpenAPIPath string
	// MaxDocSize and MaxAttachmentSize bound request bodies before the
	// store sees them; zero applies the store defaults.
	MaxDocSize        int64
	MaxAttachmentSize int64
	Admin             AdminHooks
	// Ready overrides the /readyz check; default is store-open.
	Ready func() bool
}

// Server holds handler state. Construct with New, mount via Router.
type Server struct {
	db          *store.DB
	version     string
	openapiPath string
	maxDoc      int64
	maxAtt      int64
	admin       AdminHooks
	ready       func() bool
}

// New builds a Server from opts.
func New(opts Options) *Server {
	s := &Server{
		db:          opts.DB,
		version:     opts.Version,
		openapiPath: opts.OpenAPIPath,
		maxDoc:      opts.MaxDocSize,
		maxAtt:      opts.MaxAttachmentSize,
		admin:       opts.Admin,
		ready:       opts.Ready,
	}
	if s.maxDoc <= 0 {
		s.maxDoc = store.DefaultMaxDocSize
	}
	if s.maxAtt <= 0 {
		s.maxAtt = store.DefaultMaxAttachmentSize
	}
	if s.ready == nil {
		s.ready = func() bool { return s.db != nil }
	}
	return s
}

// Router returns the mux with every route registered. Auth and
// telemetry middleware wrap the returned handler at the app layer.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)

	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.readyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if s.openapiPath != "" {
		r.HandleFunc("/openapi.yaml", func(w http.ResponseWriter, req *http.Request) {
			http.ServeFile(w, req, s.openapiPath)
		}).Methods(http.MethodGet)
		r.PathPrefix("/docs/").Handler(httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	}

	db := r.PathPrefix("/v1/db/{coll}").Subrouter()
	db.HandleFunc("/docs/{id}", s.getDoc).Methods(http.MethodGet)
	db.HandleFunc("/docs/{id}", s.putDoc).Methods(http.MethodPut)
	db.HandleFunc("/docs/{id}", s.deleteDoc).Methods(http.MethodDelete)
	db.HandleFunc("/bulk", s.bulkDocs).Methods(http.MethodPost)
	db.HandleFunc("/find", s.find).Methods(http.MethodPost)
	db.HandleFunc("/indexes", s.listIndexes).Methods(http.MethodGet)
	db.HandleFunc("/indexes", s.createIndex).Methods(http.MethodPost)
	db.HandleFunc("/changes", s.changes).Methods(http.MethodGet)
	db.HandleFunc("/docs/{id}/media", s.getMedia).Methods(http.MethodGet)
	db.HandleFunc("/docs/{id}/media", s.putMedia).Methods(http.MethodPut)
	db.HandleFunc("/docs/{id}/media", s.deleteMedia).Methods(http.MethodDelete)

	admin := r.PathPrefix("/v1/admin").Subrouter()
	admin.HandleFunc("/stats", s.adminStats).Methods(http.MethodGet)
	admin.HandleFunc("/purge", s.adminPurge).Methods(http.MethodPost)
	admin.HandleFunc("/sync", s.adminSync).Methods(http.MethodGet)

	return r
}

// coll resolves the collection path variable. Collections exist
// implicitly, so the only failure is a malformed name.
func (s *Server) coll(r *http.Request) (*store.Collection, error) {
	return s.db.Collection(mux.Vars(r)["coll"])
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		utils.JSONErrorReason(w, http.StatusServiceUnavailable, "not ready", "store_unavailable")
		return
	}
	ver := s.version
	if ver == "" {
		ver = "dev"
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok", "version": ver})
}
