package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/lakekeeper/lakekeeper-go/internal/apierr"
	"github.com/lakekeeper/lakekeeper-go/internal/authz"
	"github.com/lakekeeper/lakekeeper-go/internal/services/namespace"
	"github.com/lakekeeper/lakekeeper-go/internal/services/warehouse"
)

// CatalogHandlers serves /catalog/v1 config and namespace endpoints.
type CatalogHandlers struct {
	engine *Engine
}

// NewCatalogHandlers creates a new instance of CatalogHandlers
func NewCatalogHandlers(engine *Engine) *CatalogHandlers {
	return &CatalogHandlers{engine: engine}
}

// GetConfig handles GET /catalog/v1/config. The warehouse query parameter
// selects the prefix clients must use.
func (ch *CatalogHandlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	warehouseRef := r.URL.Query().Get("warehouse")
	if warehouseRef == "" {
		writeError(w, ch.engine.logger,
			apierr.BadRequest("InvalidRequest", "the warehouse query parameter is required"))
		return
	}

	wh, err := ch.engine.resolveWarehouse(r.Context(), warehouseRef)
	if err != nil {
		// Also accept "<project-name>/<warehouse-name>".
		if parts := strings.SplitN(warehouseRef, "/", 2); len(parts) == 2 {
			proj, perr := ch.engine.Projects.GetByName(r.Context(), parts[0])
			if perr == nil {
				wh, err = ch.engine.Warehouses.GetByName(r.Context(), proj.ID, parts[1])
			}
		}
		if err != nil {
			writeError(w, ch.engine.logger, err)
			return
		}
	}

	if err := ch.engine.authorize(r.Context(), actorFrom(r), authz.CheckItem{
		Operation: "warehouse.describe",
		Entity:    warehouseEntity(wh),
	}); err != nil {
		writeError(w, ch.engine.logger, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, CatalogConfig{
		Overrides: map[string]string{"prefix": wh.ID.String()},
		Defaults:  map[string]string{},
	})
}

// OAuthTokens handles POST /catalog/v1/oauth/tokens. The catalog is not an
// identity provider; clients must use the external IdP.
func (ch *CatalogHandlers) OAuthTokens(w http.ResponseWriter, r *http.Request) {
	writeError(w, ch.engine.logger, apierr.BadRequest("OAuthNotSupported",
		"the catalog does not issue tokens; authenticate against the configured identity provider"))
}

// namespaceFromPath decodes the %1F-separated namespace path element.
func namespaceFromPath(r *http.Request) []string {
	raw := mux.Vars(r)["namespace"]
	if raw == "" {
		return nil
	}
	return strings.Split(raw, namespace.Separator)
}

// ListNamespaces handles GET /catalog/v1/{prefix}/namespaces
func (ch *CatalogHandlers) ListNamespaces(w http.ResponseWriter, r *http.Request) {
	wh, err := ch.engine.resolveWarehouse(r.Context(), mux.Vars(r)["prefix"])
	if err != nil {
		writeError(w, ch.engine.logger, err)
		return
	}
	if err := ch.engine.authorize(r.Context(), actorFrom(r), authz.CheckItem{
		Operation: "warehouse.describe",
		Entity:    warehouseEntity(wh),
	}); err != nil {
		writeError(w, ch.engine.logger, err)
		return
	}

	var parent []string
	if p := r.URL.Query().Get("parent"); p != "" {
		parent = strings.Split(p, namespace.Separator)
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))

	namespaces, next, err := ch.engine.Namespaces.List(r.Context(), wh.ID, parent,
		r.URL.Query().Get("pageToken"), pageSize)
	if err != nil {
		writeError(w, ch.engine.logger, err)
		return
	}

	resp := ListNamespacesResponse{Namespaces: [][]string{}, NextPageToken: next}
	for _, ns := range namespaces {
		resp.Namespaces = append(resp.Namespaces, ns.Name)
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

// CreateNamespace handles POST /catalog/v1/{prefix}/namespaces
func (ch *CatalogHandlers) CreateNamespace(w http.ResponseWriter, r *http.Request) {
	wh, err := ch.engine.resolveWarehouse(r.Context(), mux.Vars(r)["prefix"])
	if err != nil {
		writeError(w, ch.engine.logger, err)
		return
	}
	if !wh.IsActive() {
		writeError(w, ch.engine.logger,
			apierr.BadRequest("WarehouseInactive", "warehouse %s is inactive", wh.Name))
		return
	}

	var req CreateNamespaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ch.engine.logger, apierr.BadRequest("InvalidRequest", "invalid request body"))
		return
	}

	actor := actorFrom(r)
	op := "warehouse.create_namespace"
	entity := warehouseEntity(wh)
	if len(req.Namespace) > 1 {
		parent, err := ch.engine.Namespaces.GetByNameCached(r.Context(), wh.ID, req.Namespace[:len(req.Namespace)-1])
		if err == nil {
			op = "namespace.create_child"
			entity = namespaceEntity(wh, parent)
		}
	}
	if err := ch.engine.authorize(r.Context(), actor, authz.CheckItem{Operation: op, Entity: entity}); err != nil {
		writeError(w, ch.engine.logger, err)
		return
	}

	ns, err := ch.engine.Namespaces.Create(r.Context(), wh.ID, req.Namespace, req.Properties, nil)
	if err != nil {
		writeError(w, ch.engine.logger, err)
		return
	}
	if err := ch.engine.authorizer.OnEntityCreated(r.Context(), namespaceEntity(wh, ns), actor); err != nil {
		ch.engine.logger.Warnf("Failed to record namespace owner: %v", err)
	}

	writeJSONResponse(w, http.StatusOK, CreateNamespaceResponse{
		Namespace:  ns.Name,
		Properties: ns.Properties,
	})
}

// LoadNamespace handles GET /catalog/v1/{prefix}/namespaces/{namespace}
func (ch *CatalogHandlers) LoadNamespace(w http.ResponseWriter, r *http.Request) {
	wh, ns, err := ch.resolveNamespace(r)
	if err != nil {
		writeError(w, ch.engine.logger, err)
		return
	}
	if err := ch.engine.authorize(r.Context(), actorFrom(r), authz.CheckItem{
		Operation: "namespace.describe",
		Entity:    namespaceEntity(wh, ns),
	}); err != nil {
		writeError(w, ch.engine.logger, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, GetNamespaceResponse{
		Namespace:  ns.Name,
		Properties: ns.Properties,
	})
}

// NamespaceExists handles HEAD /catalog/v1/{prefix}/namespaces/{namespace}
func (ch *CatalogHandlers) NamespaceExists(w http.ResponseWriter, r *http.Request) {
	wh, ns, err := ch.resolveNamespace(r)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err := ch.engine.authorize(r.Context(), actorFrom(r), authz.CheckItem{
		Operation: "namespace.describe",
		Entity:    namespaceEntity(wh, ns),
	}); err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DropNamespace handles DELETE /catalog/v1/{prefix}/namespaces/{namespace}
func (ch *CatalogHandlers) DropNamespace(w http.ResponseWriter, r *http.Request) {
	wh, ns, err := ch.resolveNamespace(r)
	if err != nil {
		writeError(w, ch.engine.logger, err)
		return
	}
	if err := ch.engine.authorize(r.Context(), actorFrom(r), authz.CheckItem{
		Operation: "namespace.delete",
		Entity:    namespaceEntity(wh, ns),
	}); err != nil {
		writeError(w, ch.engine.logger, err)
		return
	}

	if err := ch.engine.dropEmptyNamespace(r.Context(), wh.ID, ns.ID); err != nil {
		writeError(w, ch.engine.logger, err)
		return
	}
	if err := ch.engine.authorizer.OnEntityDeleted(r.Context(), namespaceEntity(wh, ns)); err != nil {
		ch.engine.logger.Warnf("Failed to drop namespace tuples: %v", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateNamespaceProperties handles POST .../namespaces/{namespace}/properties
func (ch *CatalogHandlers) UpdateNamespaceProperties(w http.ResponseWriter, r *http.Request) {
	wh, ns, err := ch.resolveNamespace(r)
	if err != nil {
		writeError(w, ch.engine.logger, err)
		return
	}

	var req UpdateNamespacePropertiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ch.engine.logger, apierr.BadRequest("InvalidRequest", "invalid request body"))
		return
	}

	// The authorizer sees the property delta: policy backends gate on it.
	if err := ch.engine.authorize(r.Context(), actorFrom(r), authz.CheckItem{
		Operation: "namespace.modify",
		Entity:    namespaceEntity(wh, ns),
		Context: map[string]interface{}{
			"updated_properties": req.Updates,
			"removed_properties": req.Removals,
		},
	}); err != nil {
		writeError(w, ch.engine.logger, err)
		return
	}

	var missing []string
	for _, k := range req.Removals {
		if _, ok := ns.Properties[k]; !ok {
			missing = append(missing, k)
		}
	}

	_, diff, err := ch.engine.Namespaces.UpdateProperties(r.Context(), wh.ID, ns.Name, req.Updates, req.Removals)
	if err != nil {
		writeError(w, ch.engine.logger, err)
		return
	}

	resp := UpdateNamespacePropertiesResponse{Updated: []string{}, Removed: []string{}, Missing: missing}
	for k := range diff.Updated {
		resp.Updated = append(resp.Updated, k)
	}
	resp.Removed = append(resp.Removed, diff.Removed...)
	writeJSONResponse(w, http.StatusOK, resp)
}

func (ch *CatalogHandlers) resolveNamespace(r *http.Request) (wh *warehouse.Warehouse, ns *namespace.Namespace, err error) {
	wh, err = ch.engine.resolveWarehouse(r.Context(), mux.Vars(r)["prefix"])
	if err != nil {
		return nil, nil, err
	}
	ns, err = ch.engine.Namespaces.GetByName(r.Context(), wh.ID, namespaceFromPath(r))
	if err != nil {
		return nil, nil, err
	}
	return wh, ns, nil
}
