// Package api is the HTTP boundary: the Iceberg REST catalog API, the
// management API and the S3 remote-signing API, all sharing one engine.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"

	"github.com/lakekeeper/lakekeeper-go/internal/apierr"
	"github.com/lakekeeper/lakekeeper-go/internal/auth"
	"github.com/lakekeeper/lakekeeper-go/internal/authz"
	"github.com/lakekeeper/lakekeeper-go/internal/events"
	"github.com/lakekeeper/lakekeeper-go/internal/secrets"
	"github.com/lakekeeper/lakekeeper-go/internal/services/namespace"
	"github.com/lakekeeper/lakekeeper-go/internal/services/project"
	"github.com/lakekeeper/lakekeeper-go/internal/services/role"
	"github.com/lakekeeper/lakekeeper-go/internal/services/server"
	"github.com/lakekeeper/lakekeeper-go/internal/services/stats"
	"github.com/lakekeeper/lakekeeper-go/internal/services/tabular"
	"github.com/lakekeeper/lakekeeper-go/internal/services/task"
	"github.com/lakekeeper/lakekeeper-go/internal/services/user"
	"github.com/lakekeeper/lakekeeper-go/internal/services/warehouse"
	"github.com/lakekeeper/lakekeeper-go/internal/storage"
	"github.com/lakekeeper/lakekeeper-go/pkg/config"
	"github.com/lakekeeper/lakekeeper-go/pkg/database"
	"github.com/lakekeeper/lakekeeper-go/pkg/health"
	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// Engine wires every service behind the HTTP handlers. Constructed once on
// startup; handlers hold it by reference and keep no state of their own.
type Engine struct {
	cfg    *config.Config
	logger *logger.Logger
	db     *database.PostgreSQL
	health *health.Checker

	authn      *auth.Chain
	authorizer authz.Authorizer

	Server     *server.Service
	Projects   *project.Service
	Warehouses *warehouse.Service
	Namespaces *namespace.Service
	Tabulars   *tabular.Service
	Roles      *role.Service
	Users      *user.Service
	Tasks      *task.Service
	Stats      *stats.Service

	Broker  *storage.Broker
	Secrets secrets.Store
	Events  events.Sink
}

// NewEngine creates the engine from pre-constructed components.
func NewEngine(
	cfg *config.Config,
	log *logger.Logger,
	db *database.PostgreSQL,
	authn *auth.Chain,
	authorizer authz.Authorizer,
	secretStore secrets.Store,
	broker *storage.Broker,
	sink events.Sink,
) *Engine {
	e := &Engine{
		cfg:        cfg,
		logger:     log,
		db:         db,
		health:     health.NewChecker(),
		authn:      authn,
		authorizer: authorizer,
		Broker:     broker,
		Secrets:    secretStore,
		Events:     sink,
	}

	e.Server = server.NewService(db, log.Named("server"))
	e.Projects = project.NewService(db, log.Named("project"))
	e.Warehouses = warehouse.NewService(db, log.Named("warehouse"))
	e.Namespaces = namespace.NewService(db, log.Named("namespace"), cfg.ReservedNamespaces)
	e.Roles = role.NewService(db, log.Named("role"))
	e.Users = user.NewService(db, log.Named("user"))
	e.Tasks = task.NewService(db, log.Named("task"), cfg.TaskHeartbeatMaxAge, cfg.TaskMaxRetries)
	e.Stats = stats.NewService(db, log.Named("stats"))
	e.Tabulars = tabular.NewService(db, log.Named("tabular"),
		e.Warehouses, e.Namespaces, e.Tasks, broker, secretStore, sink,
		durationSeconds(cfg.DefaultExpirationSec))
	return e
}

// Router builds the full route table.
func (e *Engine) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(e.statsMiddleware)
	r.Use(e.timeoutMiddleware)

	r.HandleFunc("/healthz", e.handleHealthz).Methods(http.MethodGet)

	mw := NewMiddleware(e)

	// Iceberg REST catalog API.
	catalog := r.PathPrefix("/catalog/v1").Subrouter()
	catalog.Use(mw.Authentication)
	ch := NewCatalogHandlers(e)
	catalog.HandleFunc("/config", ch.GetConfig).Methods(http.MethodGet)
	catalog.HandleFunc("/oauth/tokens", ch.OAuthTokens).Methods(http.MethodPost)

	catalog.HandleFunc("/{prefix}/namespaces", ch.ListNamespaces).Methods(http.MethodGet)
	catalog.HandleFunc("/{prefix}/namespaces", ch.CreateNamespace).Methods(http.MethodPost)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}", ch.LoadNamespace).Methods(http.MethodGet)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}", ch.NamespaceExists).Methods(http.MethodHead)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}", ch.DropNamespace).Methods(http.MethodDelete)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}/properties", ch.UpdateNamespaceProperties).Methods(http.MethodPost)

	th := NewTableHandlers(e)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}/tables", th.ListTables).Methods(http.MethodGet)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}/tables", th.CreateTable).Methods(http.MethodPost)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}/register", th.RegisterTable).Methods(http.MethodPost)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}/tables/{table}", th.LoadTable).Methods(http.MethodGet)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}/tables/{table}", th.TableExists).Methods(http.MethodHead)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}/tables/{table}", th.CommitTable).Methods(http.MethodPost)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}/tables/{table}", th.DropTable).Methods(http.MethodDelete)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}/tables/{table}/credentials", th.LoadCredentials).Methods(http.MethodGet)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}/tables/{table}/metrics", th.ReportMetrics).Methods(http.MethodPost)
	catalog.HandleFunc("/{prefix}/tables/rename", th.RenameTable).Methods(http.MethodPost)
	catalog.HandleFunc("/{prefix}/transactions/commit", th.CommitTransaction).Methods(http.MethodPost)

	vh := NewViewHandlers(e)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}/views", vh.ListViews).Methods(http.MethodGet)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}/views", vh.CreateView).Methods(http.MethodPost)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}/views/{view}", vh.LoadView).Methods(http.MethodGet)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}/views/{view}", vh.ViewExists).Methods(http.MethodHead)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}/views/{view}", vh.CommitView).Methods(http.MethodPost)
	catalog.HandleFunc("/{prefix}/namespaces/{namespace}/views/{view}", vh.DropView).Methods(http.MethodDelete)
	catalog.HandleFunc("/{prefix}/views/rename", vh.RenameView).Methods(http.MethodPost)

	// S3 remote signing.
	sh := NewSignHandlers(e)
	sign := r.PathPrefix("/{warehouse}/v1/aws/s3").Subrouter()
	sign.Use(mw.Authentication)
	sign.HandleFunc("/sign", sh.Sign).Methods(http.MethodPost)

	// Management API.
	mh := NewMgmtHandlers(e)
	mgmt := r.PathPrefix("/management/v1").Subrouter()
	mgmt.Use(mw.Authentication)
	mgmt.HandleFunc("/bootstrap", mh.Bootstrap).Methods(http.MethodPost)
	mgmt.HandleFunc("/info", mh.ServerInfo).Methods(http.MethodGet)

	mgmt.HandleFunc("/project", mh.CreateProject).Methods(http.MethodPost)
	mgmt.HandleFunc("/project", mh.ListProjects).Methods(http.MethodGet)
	mgmt.HandleFunc("/project/{project}", mh.GetProject).Methods(http.MethodGet)
	mgmt.HandleFunc("/project/{project}", mh.RenameProject).Methods(http.MethodPost)
	mgmt.HandleFunc("/project/{project}", mh.DeleteProject).Methods(http.MethodDelete)

	mgmt.HandleFunc("/warehouse", mh.CreateWarehouse).Methods(http.MethodPost)
	mgmt.HandleFunc("/warehouse", mh.ListWarehouses).Methods(http.MethodGet)
	mgmt.HandleFunc("/warehouse/{warehouse}", mh.GetWarehouse).Methods(http.MethodGet)
	mgmt.HandleFunc("/warehouse/{warehouse}", mh.DeleteWarehouse).Methods(http.MethodDelete)
	mgmt.HandleFunc("/warehouse/{warehouse}/rename", mh.RenameWarehouse).Methods(http.MethodPost)
	mgmt.HandleFunc("/warehouse/{warehouse}/activate", mh.ActivateWarehouse).Methods(http.MethodPost)
	mgmt.HandleFunc("/warehouse/{warehouse}/deactivate", mh.DeactivateWarehouse).Methods(http.MethodPost)
	mgmt.HandleFunc("/warehouse/{warehouse}/protection", mh.SetWarehouseProtection).Methods(http.MethodPost)
	mgmt.HandleFunc("/warehouse/{warehouse}/delete-profile", mh.SetWarehouseDeleteProfile).Methods(http.MethodPost)
	mgmt.HandleFunc("/warehouse/{warehouse}/storage-credential", mh.UpdateWarehouseCredential).Methods(http.MethodPost)
	mgmt.HandleFunc("/warehouse/{warehouse}/deleted-tabulars", mh.ListDeletedTabulars).Methods(http.MethodGet)
	mgmt.HandleFunc("/warehouse/{warehouse}/deleted-tabulars/undrop", mh.UndropTabulars).Methods(http.MethodPost)
	mgmt.HandleFunc("/warehouse/{warehouse}/namespace/{namespace}", mh.DropNamespaceManaged).Methods(http.MethodDelete)
	mgmt.HandleFunc("/warehouse/{warehouse}/namespace/{namespace}/protection", mh.SetNamespaceProtection).Methods(http.MethodPost)
	mgmt.HandleFunc("/warehouse/{warehouse}/table/{table}/protection", mh.SetTabularProtection).Methods(http.MethodPost)
	mgmt.HandleFunc("/warehouse/{warehouse}/statistics", mh.WarehouseStatistics).Methods(http.MethodGet)
	mgmt.HandleFunc("/warehouse/{warehouse}/search", mh.SearchTabulars).Methods(http.MethodGet)

	mgmt.HandleFunc("/project/{project}/role", mh.CreateRole).Methods(http.MethodPost)
	mgmt.HandleFunc("/project/{project}/role", mh.ListRoles).Methods(http.MethodGet)
	mgmt.HandleFunc("/project/{project}/role/search", mh.SearchRoles).Methods(http.MethodGet)
	mgmt.HandleFunc("/role/{role}", mh.GetRole).Methods(http.MethodGet)
	mgmt.HandleFunc("/role/{role}", mh.UpdateRole).Methods(http.MethodPost)
	mgmt.HandleFunc("/role/{role}", mh.DeleteRole).Methods(http.MethodDelete)

	mgmt.HandleFunc("/user", mh.ListUsers).Methods(http.MethodGet)
	mgmt.HandleFunc("/user/{user}", mh.GetUser).Methods(http.MethodGet)
	mgmt.HandleFunc("/user/{user}", mh.DeleteUser).Methods(http.MethodDelete)

	mgmt.HandleFunc("/permissions/{entity-type}/{entity-id}/assignments", mh.ListAssignments).Methods(http.MethodGet)
	mgmt.HandleFunc("/permissions/{entity-type}/{entity-id}/assignments", mh.UpdateAssignments).Methods(http.MethodPost)
	mgmt.HandleFunc("/permissions/{entity-type}/{entity-id}/managed-access", mh.SetManagedAccess).Methods(http.MethodPost)

	return r
}

func (e *Engine) handleHealthz(w http.ResponseWriter, r *http.Request) {
	e.health.RunCheck("database", func() error {
		return e.db.Pool().Ping(r.Context())
	})
	if !e.health.IsHealthy() {
		writeJSONResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// authorize runs one capability check and maps the decision to the HTTP
// error model (denials on invisible resources obfuscate to 404).
func (e *Engine) authorize(ctx context.Context, actor authz.Actor, item authz.CheckItem) error {
	decision, err := authz.Check(ctx, e.authorizer, actor, item)
	if err != nil {
		return apierr.Internal("authorization backend failure").WithCause(err)
	}

	e.logger.Audit(logger.AuditEvent{
		Actor:    actor.String(),
		Action:   item.Operation,
		Entity:   item.Entity.String(),
		Decision: decision.String(),
	})

	switch decision {
	case authz.DecisionAllow:
		return nil
	case authz.DecisionDeny:
		return apierr.Forbidden("not allowed to %s on %s", item.Operation, item.Entity)
	case authz.DecisionNotFound, authz.DecisionCannotSee:
		return apierr.NotFound("NotFoundException", "%s not found", item.Entity)
	case authz.DecisionInvalid:
		return apierr.BadRequest("InvalidAuthzRequest", "invalid authorization request")
	default:
		return apierr.Internal("authorization backend failure")
	}
}

// authorizeAll batch-checks several items; the first non-allow fails.
func (e *Engine) authorizeAll(ctx context.Context, actor authz.Actor, items []authz.CheckItem) error {
	decisions, err := e.authorizer.BatchCheck(ctx, actor, items)
	if err != nil {
		return apierr.Internal("authorization backend failure").WithCause(err)
	}
	for i, decision := range decisions {
		e.logger.Audit(logger.AuditEvent{
			Actor:    actor.String(),
			Action:   items[i].Operation,
			Entity:   items[i].Entity.String(),
			Decision: decision.String(),
		})
		switch decision {
		case authz.DecisionAllow:
		case authz.DecisionDeny:
			return apierr.Forbidden("not allowed to %s on %s", items[i].Operation, items[i].Entity)
		case authz.DecisionNotFound, authz.DecisionCannotSee:
			return apierr.NotFound("NotFoundException", "%s not found", items[i].Entity)
		default:
			return apierr.Internal("authorization backend failure")
		}
	}
	return nil
}

// resolveWarehouse resolves the {prefix}/{warehouse} path element, which is
// the warehouse id.
func (e *Engine) resolveWarehouse(ctx context.Context, ref string) (*warehouse.Warehouse, error) {
	id, err := uuid.Parse(ref)
	if err != nil {
		return nil, apierr.NotFound("WarehouseNotFound", "warehouse %q not found", ref)
	}
	return e.Warehouses.GetCached(ctx, id)
}

// warehouseEntity builds the authz entity with its ancestor chain.
func warehouseEntity(wh *warehouse.Warehouse) authz.Entity {
	return authz.Entity{
		Kind: authz.EntityWarehouse,
		ID:   wh.ID.String(),
		Ancestors: []authz.Entity{
			{Kind: authz.EntityProject, ID: wh.ProjectID.String()},
			{Kind: authz.EntityServer, ID: "server"},
		},
	}
}

func namespaceEntity(wh *warehouse.Warehouse, ns *namespace.Namespace) authz.Entity {
	return authz.Entity{
		Kind:       authz.EntityNamespace,
		ID:         ns.ID.String(),
		Properties: ns.Properties,
		Ancestors:  append([]authz.Entity{warehouseEntity(wh)}, warehouseEntity(wh).Ancestors...),
	}
}

func tabularEntity(wh *warehouse.Warehouse, ns *namespace.Namespace, t *tabular.Tabular) authz.Entity {
	kind := authz.EntityTable
	if t.Typ == tabular.TypeView {
		kind = authz.EntityView
	}
	nsEnt := namespaceEntity(wh, ns)
	return authz.Entity{
		Kind:      kind,
		ID:        t.ID.String(),
		Ancestors: append([]authz.Entity{nsEnt}, nsEnt.Ancestors...),
	}
}

func durationSeconds(secs int64) time.Duration {
	return time.Duration(secs) * time.Second
}

// dropEmptyNamespace deletes a childless namespace in one transaction.
func (e *Engine) dropEmptyNamespace(ctx context.Context, warehouseID, namespaceID uuid.UUID) error {
	return e.db.WithTx(ctx, func(tx pgx.Tx) error {
		return e.Namespaces.Delete(ctx, tx, warehouseID, namespaceID, false)
	})
}
