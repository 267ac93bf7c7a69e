package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lakekeeper/lakekeeper-go/internal/apierr"
	"github.com/lakekeeper/lakekeeper-go/internal/authz"
	"github.com/lakekeeper/lakekeeper-go/internal/iceberg"
	"github.com/lakekeeper/lakekeeper-go/internal/services/tabular"
)

// ViewHandlers serves the view endpoints of the Iceberg REST API.
type ViewHandlers struct {
	engine *Engine
	tables *TableHandlers
}

// NewViewHandlers creates a new instance of ViewHandlers
func NewViewHandlers(engine *Engine) *ViewHandlers {
	return &ViewHandlers{engine: engine, tables: NewTableHandlers(engine)}
}

// ListViews handles GET /catalog/v1/{prefix}/namespaces/{namespace}/views
func (vh *ViewHandlers) ListViews(w http.ResponseWriter, r *http.Request) {
	vh.tables.list(w, r, tabular.TypeView)
}

// CreateView handles POST /catalog/v1/{prefix}/namespaces/{namespace}/views
func (vh *ViewHandlers) CreateView(w http.ResponseWriter, r *http.Request) {
	wh, err := vh.engine.resolveWarehouse(r.Context(), mux.Vars(r)["prefix"])
	if err != nil {
		writeError(w, vh.engine.logger, err)
		return
	}
	ns, err := vh.engine.Namespaces.GetByName(r.Context(), wh.ID, namespaceFromPath(r))
	if err != nil {
		writeError(w, vh.engine.logger, err)
		return
	}

	var req CreateViewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, vh.engine.logger, apierr.BadRequest("InvalidRequest", "invalid request body"))
		return
	}

	actor := actorFrom(r)
	if err := vh.engine.authorize(r.Context(), actor, authz.CheckItem{
		Operation: "namespace.create_view",
		Entity:    namespaceEntity(wh, ns),
	}); err != nil {
		writeError(w, vh.engine.logger, err)
		return
	}

	created, meta, err := vh.engine.Tabulars.CreateView(r.Context(), wh, tabular.CreateViewParams{
		Ident:      iceberg.TableIdent{Namespace: ns.Name, Name: req.Name},
		Schema:     req.Schema,
		Version:    req.ViewVersion,
		Properties: req.Properties,
		Location:   req.Location,
		Actor:      actor.String(),
	})
	if err != nil {
		writeError(w, vh.engine.logger, err)
		return
	}
	if err := vh.engine.authorizer.OnEntityCreated(r.Context(), tabularEntity(wh, ns, created), actor); err != nil {
		vh.engine.logger.Warnf("Failed to record view owner: %v", err)
	}

	writeJSONResponse(w, http.StatusOK, LoadViewResult{
		MetadataLocation: *created.MetadataLocation,
		Metadata:         meta,
	})
}

// LoadView handles GET .../views/{view} with If-None-Match support.
func (vh *ViewHandlers) LoadView(w http.ResponseWriter, r *http.Request) {
	wh, ns, t, err := vh.tables.resolve(r, tabular.TypeView, "view")
	if err != nil {
		writeError(w, vh.engine.logger, err)
		return
	}
	if err := vh.engine.authorize(r.Context(), actorFrom(r), authz.CheckItem{
		Operation: "view.describe",
		Entity:    tabularEntity(wh, ns, t),
	}); err != nil {
		writeError(w, vh.engine.logger, err)
		return
	}

	etag := iceberg.ETag(*t.MetadataLocation)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	meta, err := t.ViewMetadata()
	if err != nil {
		writeError(w, vh.engine.logger, err)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSONResponse(w, http.StatusOK, LoadViewResult{
		MetadataLocation: *t.MetadataLocation,
		Metadata:         meta,
	})
}

// ViewExists handles HEAD .../views/{view}
func (vh *ViewHandlers) ViewExists(w http.ResponseWriter, r *http.Request) {
	wh, ns, t, err := vh.tables.resolve(r, tabular.TypeView, "view")
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err := vh.engine.authorize(r.Context(), actorFrom(r), authz.CheckItem{
		Operation: "view.describe",
		Entity:    tabularEntity(wh, ns, t),
	}); err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CommitView handles POST .../views/{view}
func (vh *ViewHandlers) CommitView(w http.ResponseWriter, r *http.Request) {
	wh, ns, t, err := vh.tables.resolve(r, tabular.TypeView, "view")
	if err != nil {
		writeError(w, vh.engine.logger, err)
		return
	}

	var req CommitTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, vh.engine.logger, apierr.BadRequest("InvalidRequest", "invalid request body"))
		return
	}
	reqs, err := iceberg.UnmarshalRequirements(req.Requirements)
	if err != nil {
		writeError(w, vh.engine.logger, apierr.BadRequest("InvalidRequest", "%s", err.Error()))
		return
	}
	updates, err := iceberg.UnmarshalUpdates(req.Updates)
	if err != nil {
		writeError(w, vh.engine.logger, apierr.BadRequest("InvalidRequest", "%s", err.Error()))
		return
	}

	actor := actorFrom(r)
	if err := vh.engine.authorize(r.Context(), actor, authz.CheckItem{
		Operation: "view.commit",
		Entity:    tabularEntity(wh, ns, t),
	}); err != nil {
		writeError(w, vh.engine.logger, err)
		return
	}

	ident := identFromPath(r, "view")
	result, err := vh.engine.Tabulars.CommitView(r.Context(), wh, ident, reqs, updates, actor.String())
	if err != nil {
		writeError(w, vh.engine.logger, err)
		return
	}

	w.Header().Set("ETag", result.ETag)
	writeJSONResponse(w, http.StatusOK, LoadViewResult{
		MetadataLocation: result.MetadataLocation,
		Metadata:         result.Metadata,
	})
}

// DropView handles DELETE .../views/{view}
func (vh *ViewHandlers) DropView(w http.ResponseWriter, r *http.Request) {
	vh.tables.drop(w, r, tabular.TypeView, "view", "view.drop")
}

// RenameView handles POST /catalog/v1/{prefix}/views/rename
func (vh *ViewHandlers) RenameView(w http.ResponseWriter, r *http.Request) {
	vh.tables.rename(w, r, tabular.TypeView, "view.rename")
}
