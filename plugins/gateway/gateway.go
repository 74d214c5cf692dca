// Package gateway is a collaborator plugin (spec.md §6.3): a minimal
// REST mapping of Resource.{List, Get, Insert, Update, Delete} over
// gorilla/mux, grounded on the retrieval pack's HandleFunc/mux.Vars
// routing style (services/secrets/handlers.go) and JSON response
// convention.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/s3db-go/s3db/pkg/database"
	"github.com/s3db-go/s3db/pkg/dberrors"
	"github.com/s3db-go/s3db/pkg/logger"
	"github.com/s3db-go/s3db/pkg/plugin"
	"github.com/s3db-go/s3db/pkg/resource"
)

// Gateway is the plugin: it builds an http.Handler backed by a
// Database, with one collection/item route pair per resource.
type Gateway struct {
	id string
	db *database.Database
	log *logger.Logger

	router *mux.Router
}

func New(id string, db *database.Database, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.New("s3db", "dev")
	}
	return &Gateway{id: id, db: db, log: log}
}

func (g *Gateway) ID() string { return g.id }

// Setup builds the router. Routes are resolved against the Database
// at request time rather than at Setup time, so resources created
// after the gateway starts are reachable without a restart.
func (g *Gateway) Setup(ctx context.Context, host *plugin.Framework) error {
	r := mux.NewRouter()
	r.HandleFunc("/resources/{resource}", g.handleList).Methods("GET")
	r.HandleFunc("/resources/{resource}", g.handleInsert).Methods("POST")
	r.HandleFunc("/resources/{resource}/{id}", g.handleGet).Methods("GET")
	r.HandleFunc("/resources/{resource}/{id}", g.handleUpdate).Methods("PUT")
	r.HandleFunc("/resources/{resource}/{id}", g.handleDelete).Methods("DELETE")
	g.router = r
	return nil
}

func (g *Gateway) Start(ctx context.Context) error { return nil }
func (g *Gateway) Stop(ctx context.Context) error  { return nil }

// Handler returns the gateway's http.Handler for mounting on an
// http.Server.
func (g *Gateway) Handler() http.Handler { return g.router }

func (g *Gateway) resolveResource(w http.ResponseWriter, r *http.Request) (*resource.Resource, bool) {
	name := mux.Vars(r)["resource"]
	res, err := g.db.Resource(name)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return res, true
}

func (g *Gateway) handleList(w http.ResponseWriter, r *http.Request) {
	res, ok := g.resolveResource(w, r)
	if !ok {
		return
	}
	opts := resource.ListOptions{}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	records, err := res.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (g *Gateway) handleGet(w http.ResponseWriter, r *http.Request) {
	res, ok := g.resolveResource(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	rec, err := res.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (g *Gateway) handleInsert(w http.ResponseWriter, r *http.Request) {
	res, ok := g.resolveResource(w, r)
	if !ok {
		return
	}
	var attrs map[string]any
	if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	rec, err := res.Insert(r.Context(), attrs, resource.InsertOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (g *Gateway) handleUpdate(w http.ResponseWriter, r *http.Request) {
	res, ok := g.resolveResource(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	rec, err := res.Update(r.Context(), id, patch, resource.UpdateOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	res, ok := g.resolveResource(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := res.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the engine's error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	kind, ok := dberrors.KindOf(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	status := http.StatusInternalServerError
	switch kind {
	case dberrors.NotFound:
		status = http.StatusNotFound
	case dberrors.AlreadyExists:
		status = http.StatusConflict
	case dberrors.ValidationFailed, dberrors.UnknownPartition, dberrors.SchemaVersionMissing:
		status = http.StatusBadRequest
	case dberrors.StoreRejected, dberrors.PartitionPointerStale:
		status = http.StatusConflict
	case dberrors.StoreUnavailable:
		status = http.StatusServiceUnavailable
	case dberrors.Cancelled:
		status = 499
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
