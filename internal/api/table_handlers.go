package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/lakekeeper/lakekeeper-go/internal/apierr"
	"github.com/lakekeeper/lakekeeper-go/internal/authz"
	"github.com/lakekeeper/lakekeeper-go/internal/iceberg"
	"github.com/lakekeeper/lakekeeper-go/internal/services/namespace"
	"github.com/lakekeeper/lakekeeper-go/internal/services/tabular"
	"github.com/lakekeeper/lakekeeper-go/internal/services/warehouse"
	"github.com/lakekeeper/lakekeeper-go/internal/storage"
)

// TableHandlers serves the table endpoints of the Iceberg REST API.
type TableHandlers struct {
	engine *Engine
}

// NewTableHandlers creates a new instance of TableHandlers
func NewTableHandlers(engine *Engine) *TableHandlers {
	return &TableHandlers{engine: engine}
}

func identFromPath(r *http.Request, nameVar string) iceberg.TableIdent {
	return iceberg.TableIdent{
		Namespace: namespaceFromPath(r),
		Name:      mux.Vars(r)[nameVar],
	}
}

// ListTables handles GET /catalog/v1/{prefix}/namespaces/{namespace}/tables
func (th *TableHandlers) ListTables(w http.ResponseWriter, r *http.Request) {
	th.list(w, r, tabular.TypeTable)
}

func (th *TableHandlers) list(w http.ResponseWriter, r *http.Request, typ string) {
	wh, err := th.engine.resolveWarehouse(r.Context(), mux.Vars(r)["prefix"])
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}
	ns, err := th.engine.Namespaces.GetByNameCached(r.Context(), wh.ID, namespaceFromPath(r))
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}
	if err := th.engine.authorize(r.Context(), actorFrom(r), authz.CheckItem{
		Operation: "namespace.describe",
		Entity:    namespaceEntity(wh, ns),
	}); err != nil {
		writeError(w, th.engine.logger, err)
		return
	}

	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	tabulars, next, err := th.engine.Tabulars.List(r.Context(), wh.ID, ns.Name, typ,
		r.URL.Query().Get("pageToken"), pageSize)
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}

	resp := ListTablesResponse{Identifiers: []iceberg.TableIdent{}, NextPageToken: next}
	for _, t := range tabulars {
		resp.Identifiers = append(resp.Identifiers, iceberg.TableIdent{Namespace: ns.Name, Name: t.Name})
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

// CreateTable handles POST /catalog/v1/{prefix}/namespaces/{namespace}/tables
func (th *TableHandlers) CreateTable(w http.ResponseWriter, r *http.Request) {
	wh, err := th.engine.resolveWarehouse(r.Context(), mux.Vars(r)["prefix"])
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}
	ns, err := th.engine.Namespaces.GetByName(r.Context(), wh.ID, namespaceFromPath(r))
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}

	var req CreateTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, th.engine.logger, apierr.BadRequest("InvalidRequest", "invalid request body"))
		return
	}
	if req.Name == "" || req.Schema == nil {
		writeError(w, th.engine.logger, apierr.BadRequest("InvalidRequest", "name and schema are required"))
		return
	}

	actor := actorFrom(r)
	if err := th.engine.authorize(r.Context(), actor, authz.CheckItem{
		Operation: "namespace.create_table",
		Entity:    namespaceEntity(wh, ns),
	}); err != nil {
		writeError(w, th.engine.logger, err)
		return
	}

	created, meta, err := th.engine.Tabulars.CreateTable(r.Context(), wh, tabular.CreateTableParams{
		Ident:       iceberg.TableIdent{Namespace: ns.Name, Name: req.Name},
		Schema:      req.Schema,
		Spec:        req.PartitionSpec,
		SortOrder:   req.WriteOrder,
		Properties:  req.Properties,
		Location:    req.Location,
		StageCreate: req.StageCreate,
		Actor:       actor.String(),
	})
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}
	if err := th.engine.authorizer.OnEntityCreated(r.Context(), tabularEntity(wh, ns, created), actor); err != nil {
		th.engine.logger.Warnf("Failed to record table owner: %v", err)
	}

	result := LoadTableResult{Metadata: meta}
	if created.MetadataLocation != nil {
		result.MetadataLocation = *created.MetadataLocation
	}
	th.attachDelegatedAccess(r, wh, created, actor.String(), &result)
	writeJSONResponse(w, http.StatusOK, result)
}

// RegisterTable handles POST /catalog/v1/{prefix}/namespaces/{namespace}/register
func (th *TableHandlers) RegisterTable(w http.ResponseWriter, r *http.Request) {
	wh, err := th.engine.resolveWarehouse(r.Context(), mux.Vars(r)["prefix"])
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}
	ns, err := th.engine.Namespaces.GetByName(r.Context(), wh.ID, namespaceFromPath(r))
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}

	var req RegisterTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.MetadataLocation == "" {
		writeError(w, th.engine.logger, apierr.BadRequest("InvalidRequest", "name and metadata-location are required"))
		return
	}

	actor := actorFrom(r)
	if err := th.engine.authorize(r.Context(), actor, authz.CheckItem{
		Operation: "namespace.create_table",
		Entity:    namespaceEntity(wh, ns),
	}); err != nil {
		writeError(w, th.engine.logger, err)
		return
	}

	created, meta, err := th.engine.Tabulars.RegisterTable(r.Context(), wh,
		iceberg.TableIdent{Namespace: ns.Name, Name: req.Name}, req.MetadataLocation, actor.String())
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}
	if err := th.engine.authorizer.OnEntityCreated(r.Context(), tabularEntity(wh, ns, created), actor); err != nil {
		th.engine.logger.Warnf("Failed to record table owner: %v", err)
	}

	writeJSONResponse(w, http.StatusOK, LoadTableResult{
		MetadataLocation: req.MetadataLocation,
		Metadata:         meta,
	})
}

// LoadTable handles GET /catalog/v1/{prefix}/namespaces/{namespace}/tables/{table}.
// Supports If-None-Match short-circuiting and credential vending via
// X-Iceberg-Access-Delegation.
func (th *TableHandlers) LoadTable(w http.ResponseWriter, r *http.Request) {
	wh, ns, t, err := th.resolve(r, tabular.TypeTable, "table")
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}
	actor := actorFrom(r)
	if err := th.engine.authorize(r.Context(), actor, authz.CheckItem{
		Operation: "table.select",
		Entity:    tabularEntity(wh, ns, t),
	}); err != nil {
		writeError(w, th.engine.logger, err)
		return
	}

	etag := iceberg.ETag(*t.MetadataLocation)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	meta, err := t.TableMetadata()
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}

	result := LoadTableResult{
		MetadataLocation: *t.MetadataLocation,
		Metadata:         meta,
	}
	th.attachDelegatedAccess(r, wh, t, actor.String(), &result)

	w.Header().Set("ETag", etag)
	writeJSONResponse(w, http.StatusOK, result)
}

// attachDelegatedAccess resolves the requested access mode and attaches
// vended credentials to the load result. Remote signing needs no config
// beyond the signer endpoint.
func (th *TableHandlers) attachDelegatedAccess(r *http.Request, wh *warehouse.Warehouse, t *tabular.Tabular, subject string, result *LoadTableResult) {
	requested := r.Header.Get("X-Iceberg-Access-Delegation")
	kind, err := wh.StorageProfile.ResolveAccess(requested)
	if err != nil {
		if requested != "" {
			th.engine.logger.Debugf("No delegated access for table %s: %v", t.ID, err)
		}
		return
	}

	switch kind {
	case storage.AccessRemoteSigning:
		if result.Config == nil {
			result.Config = map[string]string{}
		}
		result.Config["s3.remote-signing-enabled"] = "true"
		result.Config["s3.signer.uri"] = "/" + wh.ID.String() + "/v1/aws/s3"

	case storage.AccessVendedCredentials:
		cred, err := th.credentialFor(r, wh)
		if err != nil {
			th.engine.logger.Warnf("Cannot load credential for warehouse %s: %v", wh.ID, err)
			return
		}
		vended, err := th.engine.Broker.VendCredentials(r.Context(), &storage.VendRequest{
			Profile:     wh.StorageProfile,
			Cred:        cred,
			Location:    t.Location(),
			Kind:        storage.AccessVendedCredentials,
			Subject:     subject,
			WarehouseID: wh.ID,
			ProjectID:   wh.ProjectID,
		}, wh.Version)
		if err != nil {
			th.engine.logger.Warnf("Credential vending failed for table %s: %v", t.ID, err)
			return
		}
		if result.Config == nil {
			result.Config = map[string]string{}
		}
		for k, v := range vended.Config {
			result.Config[k] = v
		}
	}
}

func (th *TableHandlers) credentialFor(r *http.Request, wh *warehouse.Warehouse) (*storage.Credential, error) {
	if wh.StorageCredential == nil {
		return nil, nil
	}
	return th.engine.Secrets.Get(r.Context(), *wh.StorageCredential)
}

// TableExists handles HEAD .../tables/{table}
func (th *TableHandlers) TableExists(w http.ResponseWriter, r *http.Request) {
	wh, ns, t, err := th.resolve(r, tabular.TypeTable, "table")
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err := th.engine.authorize(r.Context(), actorFrom(r), authz.CheckItem{
		Operation: "table.describe",
		Entity:    tabularEntity(wh, ns, t),
	}); err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CommitTable handles POST .../tables/{table}
func (th *TableHandlers) CommitTable(w http.ResponseWriter, r *http.Request) {
	wh, err := th.engine.resolveWarehouse(r.Context(), mux.Vars(r)["prefix"])
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}
	ident := identFromPath(r, "table")

	var req CommitTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, th.engine.logger, apierr.BadRequest("InvalidRequest", "invalid request body"))
		return
	}

	params, err := th.commitParams(r, wh, ident, req)
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}

	result, err := th.engine.Tabulars.CommitTable(r.Context(), wh, *params)
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}

	w.Header().Set("ETag", result.ETag)
	writeJSONResponse(w, http.StatusOK, CommitTableResponse{
		MetadataLocation: result.MetadataLocation,
		Metadata:         result.Metadata,
	})
}

// commitParams authorizes and decodes one table change. The authorizer sees
// the property delta carried by set-properties/remove-properties updates.
func (th *TableHandlers) commitParams(r *http.Request, wh *warehouse.Warehouse, ident iceberg.TableIdent, req CommitTableRequest) (*tabular.CommitParams, error) {
	reqs, err := iceberg.UnmarshalRequirements(req.Requirements)
	if err != nil {
		return nil, apierr.BadRequest("InvalidRequest", "%s", err.Error())
	}
	updates, err := iceberg.UnmarshalUpdates(req.Updates)
	if err != nil {
		return nil, apierr.BadRequest("InvalidRequest", "%s", err.Error())
	}

	ns, err := th.engine.Namespaces.GetByNameCached(r.Context(), wh.ID, ident.Namespace)
	if err != nil {
		return nil, err
	}

	checkCtx := map[string]interface{}{}
	for _, u := range updates {
		switch u.Type {
		case iceberg.UpdSetProperties:
			checkCtx["updated_properties"] = u.Updates
		case iceberg.UpdRemoveProperties:
			checkCtx["removed_properties"] = u.Removals
		}
	}

	actor := actorFrom(r)
	t, err := th.engine.Tabulars.Get(r.Context(), wh.ID, ident, tabular.TypeTable, true)
	if err != nil {
		return nil, err
	}
	if err := th.engine.authorize(r.Context(), actor, authz.CheckItem{
		Operation: "table.commit",
		Entity:    tabularEntity(wh, ns, t),
		Context:   checkCtx,
	}); err != nil {
		return nil, err
	}

	return &tabular.CommitParams{
		Ident:        ident,
		Requirements: reqs,
		Updates:      updates,
		Actor:        actor.String(),
	}, nil
}

// CommitTransaction handles POST /catalog/v1/{prefix}/transactions/commit
func (th *TableHandlers) CommitTransaction(w http.ResponseWriter, r *http.Request) {
	wh, err := th.engine.resolveWarehouse(r.Context(), mux.Vars(r)["prefix"])
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}

	var req CommitTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, th.engine.logger, apierr.BadRequest("InvalidRequest", "invalid request body"))
		return
	}
	if len(req.TableChanges) == 0 {
		writeError(w, th.engine.logger, apierr.BadRequest("InvalidRequest", "table-changes must not be empty"))
		return
	}

	changes := make([]tabular.CommitParams, 0, len(req.TableChanges))
	for _, change := range req.TableChanges {
		if change.Identifier == nil {
			writeError(w, th.engine.logger,
				apierr.BadRequest("InvalidRequest", "every table change needs an identifier"))
			return
		}
		params, err := th.commitParams(r, wh, *change.Identifier, change)
		if err != nil {
			writeError(w, th.engine.logger, err)
			return
		}
		changes = append(changes, *params)
	}

	if _, err := th.engine.Tabulars.CommitTransaction(r.Context(), wh, changes); err != nil {
		writeError(w, th.engine.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DropTable handles DELETE .../tables/{table}?purgeRequested=true
func (th *TableHandlers) DropTable(w http.ResponseWriter, r *http.Request) {
	th.drop(w, r, tabular.TypeTable, "table", "table.drop")
}

func (th *TableHandlers) drop(w http.ResponseWriter, r *http.Request, typ, nameVar, operation string) {
	wh, ns, t, err := th.resolve(r, typ, nameVar)
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}
	actor := actorFrom(r)
	if err := th.engine.authorize(r.Context(), actor, authz.CheckItem{
		Operation: operation,
		Entity:    tabularEntity(wh, ns, t),
	}); err != nil {
		writeError(w, th.engine.logger, err)
		return
	}

	purge := r.URL.Query().Get("purgeRequested") == "true"
	ident := identFromPath(r, nameVar)
	if err := th.engine.Tabulars.Drop(r.Context(), wh, typ, ident, purge, false, actor.String()); err != nil {
		writeError(w, th.engine.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LoadCredentials handles GET .../tables/{table}/credentials
func (th *TableHandlers) LoadCredentials(w http.ResponseWriter, r *http.Request) {
	wh, ns, t, err := th.resolve(r, tabular.TypeTable, "table")
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}
	actor := actorFrom(r)
	if err := th.engine.authorize(r.Context(), actor, authz.CheckItem{
		Operation: "table.get_credentials",
		Entity:    tabularEntity(wh, ns, t),
	}); err != nil {
		writeError(w, th.engine.logger, err)
		return
	}

	if !wh.StorageProfile.SupportsAccess(storage.AccessVendedCredentials) {
		writeError(w, th.engine.logger, apierr.BadRequest("CredentialVendingUnavailable",
			"this warehouse does not vend credentials"))
		return
	}

	cred, err := th.credentialFor(r, wh)
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}
	vended, err := th.engine.Broker.VendCredentials(r.Context(), &storage.VendRequest{
		Profile:     wh.StorageProfile,
		Cred:        cred,
		Location:    t.Location(),
		Kind:        storage.AccessVendedCredentials,
		Subject:     actor.String(),
		WarehouseID: wh.ID,
		ProjectID:   wh.ProjectID,
	}, wh.Version)
	if err != nil {
		writeError(w, th.engine.logger, apierr.Unprocessable("CredentialVendingFailed",
			"credential vending failed").WithCause(err))
		return
	}

	writeJSONResponse(w, http.StatusOK, LoadCredentialsResponse{
		StorageCredentials: []StorageCredential{{
			Prefix: t.Location().String(),
			Config: vended.Config,
		}},
	})
}

// ReportMetrics handles POST .../tables/{table}/metrics. Reports are
// accepted and dropped; engines require a 2xx.
func (th *TableHandlers) ReportMetrics(w http.ResponseWriter, r *http.Request) {
	_, _, _, err := th.resolve(r, tabular.TypeTable, "table")
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RenameTable handles POST /catalog/v1/{prefix}/tables/rename
func (th *TableHandlers) RenameTable(w http.ResponseWriter, r *http.Request) {
	th.rename(w, r, tabular.TypeTable, "table.rename")
}

func (th *TableHandlers) rename(w http.ResponseWriter, r *http.Request, typ, operation string) {
	wh, err := th.engine.resolveWarehouse(r.Context(), mux.Vars(r)["prefix"])
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}

	var req RenameTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, th.engine.logger, apierr.BadRequest("InvalidRequest", "invalid request body"))
		return
	}

	ns, err := th.engine.Namespaces.GetByNameCached(r.Context(), wh.ID, req.Source.Namespace)
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}
	t, err := th.engine.Tabulars.Get(r.Context(), wh.ID, req.Source, typ, false)
	if err != nil {
		writeError(w, th.engine.logger, err)
		return
	}
	actor := actorFrom(r)
	if err := th.engine.authorize(r.Context(), actor, authz.CheckItem{
		Operation: operation,
		Entity:    tabularEntity(wh, ns, t),
	}); err != nil {
		writeError(w, th.engine.logger, err)
		return
	}

	if err := th.engine.Tabulars.Rename(r.Context(), wh, typ, req.Source, req.Destination, actor.String()); err != nil {
		writeError(w, th.engine.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (th *TableHandlers) resolve(r *http.Request, typ, nameVar string) (*warehouse.Warehouse, *namespace.Namespace, *tabular.Tabular, error) {
	wh, err := th.engine.resolveWarehouse(r.Context(), mux.Vars(r)["prefix"])
	if err != nil {
		return nil, nil, nil, err
	}
	ident := identFromPath(r, nameVar)
	ns, err := th.engine.Namespaces.GetByNameCached(r.Context(), wh.ID, ident.Namespace)
	if err != nil {
		return nil, nil, nil, err
	}
	t, err := th.engine.Tabulars.Get(r.Context(), wh.ID, ident, typ, false)
	if err != nil {
		return nil, nil, nil, err
	}
	return wh, ns, t, nil
}
