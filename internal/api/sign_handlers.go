package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lakekeeper/lakekeeper-go/internal/apierr"
	"github.com/lakekeeper/lakekeeper-go/internal/authz"
	"github.com/lakekeeper/lakekeeper-go/internal/storage"
)

// SignHandlers serves the S3 remote-signing sub-API.
type SignHandlers struct {
	engine *Engine
}

// NewSignHandlers creates a new instance of SignHandlers
func NewSignHandlers(engine *Engine) *SignHandlers {
	return &SignHandlers{engine: engine}
}

// Sign handles POST /{warehouse-id}/v1/aws/s3/sign. The broker verifies the
// resource lies inside the warehouse base before signing.
func (sh *SignHandlers) Sign(w http.ResponseWriter, r *http.Request) {
	wh, err := sh.engine.resolveWarehouse(r.Context(), mux.Vars(r)["warehouse"])
	if err != nil {
		writeError(w, sh.engine.logger, err)
		return
	}
	if !wh.IsActive() {
		writeError(w, sh.engine.logger,
			apierr.BadRequest("WarehouseInactive", "warehouse %s is inactive", wh.Name))
		return
	}

	if err := sh.engine.authorize(r.Context(), actorFrom(r), authz.CheckItem{
		Operation: "table.sign_requests",
		Entity:    warehouseEntity(wh),
	}); err != nil {
		writeError(w, sh.engine.logger, err)
		return
	}

	var req storage.SignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, sh.engine.logger, apierr.BadRequest("InvalidRequest", "invalid request body"))
		return
	}

	var cred *storage.Credential
	if wh.StorageCredential != nil {
		cred, err = sh.engine.Secrets.Get(r.Context(), *wh.StorageCredential)
		if err != nil {
			writeError(w, sh.engine.logger, err)
			return
		}
	}
	if cred == nil {
		writeError(w, sh.engine.logger, apierr.BadRequest("SigningUnavailable",
			"warehouse has no signing credential"))
		return
	}

	resp, err := sh.engine.Broker.SignS3Request(r.Context(), wh.StorageProfile, cred, &req)
	if err != nil {
		writeError(w, sh.engine.logger,
			apierr.Forbidden("request cannot be signed: %v", err))
		return
	}
	writeJSONResponse(w, http.StatusOK, resp)
}
