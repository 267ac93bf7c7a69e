// Package tabular is the table/view engine: CRUD, staged tables, the commit
// pipeline, multi-table transactions, soft-delete and undrop.
package tabular

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lakekeeper/lakekeeper-go/internal/apierr"
	"github.com/lakekeeper/lakekeeper-go/internal/events"
	"github.com/lakekeeper/lakekeeper-go/internal/iceberg"
	"github.com/lakekeeper/lakekeeper-go/internal/secrets"
	"github.com/lakekeeper/lakekeeper-go/internal/services/namespace"
	"github.com/lakekeeper/lakekeeper-go/internal/services/pagetoken"
	"github.com/lakekeeper/lakekeeper-go/internal/services/task"
	"github.com/lakekeeper/lakekeeper-go/internal/services/warehouse"
	"github.com/lakekeeper/lakekeeper-go/internal/storage"
	"github.com/lakekeeper/lakekeeper-go/pkg/database"
	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// Tabular types.
const (
	TypeTable = "table"
	TypeView  = "view"
)

// Service handles tabular-related operations
type Service struct {
	db         *database.PostgreSQL
	logger     *logger.Logger
	warehouses *warehouse.Service
	namespaces *namespace.Service
	tasks      *task.Service
	broker     *storage.Broker
	secrets    secrets.Store
	events     events.Sink
	verifiers  []ContractVerifier

	// defaultExpiration applies when a soft-delete warehouse has no
	// retention configured.
	defaultExpiration time.Duration
}

// NewService creates a new tabular service
func NewService(
	db *database.PostgreSQL,
	logger *logger.Logger,
	warehouses *warehouse.Service,
	namespaces *namespace.Service,
	tasks *task.Service,
	broker *storage.Broker,
	secretStore secrets.Store,
	sink events.Sink,
	defaultExpiration time.Duration,
) *Service {
	return &Service{
		db:                db,
		logger:            logger,
		warehouses:        warehouses,
		namespaces:        namespaces,
		tasks:             tasks,
		broker:            broker,
		secrets:           secretStore,
		events:            sink,
		defaultExpiration: defaultExpiration,
	}
}

// RegisterVerifier adds a contract verifier consulted on every commit.
func (s *Service) RegisterVerifier(v ContractVerifier) {
	s.verifiers = append(s.verifiers, v)
}

// Tabular is one table or view row. Metadata carries the full Iceberg
// document; the scalar columns mirror it for querying.
type Tabular struct {
	ID               uuid.UUID
	WarehouseID      uuid.UUID
	NamespaceID      uuid.UUID
	Name             string
	Typ              string
	MetadataLocation *string
	FsProtocol       string
	FsLocation       string
	DeletedAt        *time.Time
	Protected        bool
	Version          int64
	Created          time.Time
	Metadata         json.RawMessage
}

// IsStaged reports whether the first metadata file has not been written yet.
func (t *Tabular) IsStaged() bool {
	return t.MetadataLocation == nil
}

// Location returns the parsed canonical location.
func (t *Tabular) Location() *storage.Location {
	loc, _ := storage.ParseLocation(t.FsProtocol + "://" + t.FsLocation)
	return loc
}

// TableMetadata decodes the stored document for a table.
func (t *Tabular) TableMetadata() (*iceberg.TableMetadata, error) {
	var m iceberg.TableMetadata
	if err := json.Unmarshal(t.Metadata, &m); err != nil {
		return nil, fmt.Errorf("corrupt metadata for tabular %s: %w", t.ID, err)
	}
	return &m, nil
}

// ViewMetadata decodes the stored document for a view.
func (t *Tabular) ViewMetadata() (*iceberg.ViewMetadata, error) {
	var m iceberg.ViewMetadata
	if err := json.Unmarshal(t.Metadata, &m); err != nil {
		return nil, fmt.Errorf("corrupt metadata for tabular %s: %w", t.ID, err)
	}
	return &m, nil
}

const tabularColumns = `tabular_id, warehouse_id, namespace_id, tabular_name, typ,
	metadata_location, fs_protocol, fs_location, deleted_at, protected, version,
	created_at, metadata`

func scanTabular(row pgx.Row) (*Tabular, error) {
	var t Tabular
	err := row.Scan(&t.ID, &t.WarehouseID, &t.NamespaceID, &t.Name, &t.Typ,
		&t.MetadataLocation, &t.FsProtocol, &t.FsLocation, &t.DeletedAt,
		&t.Protected, &t.Version, &t.Created, &t.Metadata)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func notFoundType(typ string) string {
	if typ == TypeView {
		return "NoSuchViewException"
	}
	return "NoSuchTableException"
}

// Get resolves a live tabular by identifier. Staged tabulars are invisible
// unless includeStaged is set.
func (s *Service) Get(ctx context.Context, warehouseID uuid.UUID, ident iceberg.TableIdent, typ string, includeStaged bool) (*Tabular, error) {
	ns, err := s.namespaces.GetByNameCached(ctx, warehouseID, ident.Namespace)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + tabularColumns + ` FROM tabulars
	 WHERE warehouse_id = $1 AND namespace_id = $2 AND lower(tabular_name) = lower($3)
	   AND typ = $4 AND deleted_at IS NULL`
	if !includeStaged {
		query += ` AND metadata_location IS NOT NULL`
	}
	row := s.db.ReadPool().QueryRow(ctx, query, warehouseID, ns.ID, ident.Name, typ)
	t, err := scanTabular(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound(notFoundType(typ), "%s %s.%s not found",
				typ, strings.Join(ident.Namespace, "."), ident.Name)
		}
		return nil, err
	}
	return t, nil
}

// List returns live, non-staged tabulars in a namespace, cursor-paginated on
// the (created_at, tabular_id) index.
func (s *Service) List(ctx context.Context, warehouseID uuid.UUID, nsName []string, typ string, pageToken string, pageSize int) ([]*Tabular, string, error) {
	ns, err := s.namespaces.GetByNameCached(ctx, warehouseID, nsName)
	if err != nil {
		return nil, "", err
	}
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 100
	}
	cursor, err := pagetoken.Decode(pageToken)
	if err != nil {
		return nil, "", apierr.BadRequest("InvalidPageToken", "invalid page token")
	}

	query := `SELECT ` + tabularColumns + ` FROM tabulars
	 WHERE warehouse_id = $1 AND namespace_id = $2 AND typ = $3
	   AND deleted_at IS NULL AND metadata_location IS NOT NULL`
	args := []interface{}{warehouseID, ns.ID, typ}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(` AND (created_at, tabular_id) > ($%d, $%d::uuid)`, len(args)-1, len(args))
	}
	query += fmt.Sprintf(` ORDER BY created_at, tabular_id LIMIT $%d`, len(args)+1)
	args = append(args, pageSize+1)

	rows, err := s.db.ReadPool().Query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var tabulars []*Tabular
	for rows.Next() {
		t, err := scanTabular(rows)
		if err != nil {
			return nil, "", err
		}
		tabulars = append(tabulars, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(tabulars) > pageSize {
		tabulars = tabulars[:pageSize]
		last := tabulars[len(tabulars)-1]
		next = pagetoken.Encode(pagetoken.Cursor{CreatedAt: last.Created, ID: last.ID.String()})
	}
	return tabulars, next, nil
}

// Search finds tabulars by trigram similarity on "ns.path.name".
func (s *Service) Search(ctx context.Context, warehouseID uuid.UUID, term string, limit int) ([]*Tabular, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.ReadPool().Query(ctx,
		`SELECT `+tabularColumns+` FROM tabulars
		 WHERE warehouse_id = $1 AND deleted_at IS NULL AND metadata_location IS NOT NULL
		 ORDER BY search_name <-> $2
		 LIMIT $3`,
		warehouseID, term, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tabulars []*Tabular
	for rows.Next() {
		t, err := scanTabular(rows)
		if err != nil {
			return nil, err
		}
		tabulars = append(tabulars, t)
	}
	return tabulars, rows.Err()
}

// Rename moves a tabular to a new identifier, possibly across namespaces.
func (s *Service) Rename(ctx context.Context, wh *warehouse.Warehouse, typ string, from, to iceberg.TableIdent, actor string) error {
	if !wh.IsActive() {
		return warehouseInactive(wh)
	}
	current, err := s.Get(ctx, wh.ID, from, typ, false)
	if err != nil {
		return err
	}
	destNs, err := s.namespaces.GetByName(ctx, wh.ID, to.Namespace)
	if err != nil {
		return err
	}

	searchName := strings.Join(to.Namespace, ".") + "." + to.Name
	_, err = s.db.Pool().Exec(ctx,
		`UPDATE tabulars SET namespace_id = $2, tabular_name = $3, search_name = $4
		 WHERE tabular_id = $1`,
		current.ID, destNs.ID, to.Name, searchName,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key value") {
			return apierr.Conflict("AlreadyExistsException",
				"%s %s.%s already exists", typ, strings.Join(to.Namespace, "."), to.Name)
		}
		return err
	}

	s.events.Emit(events.TabularEventV1{
		Action:    events.ActionRename,
		Warehouse: wh.Name,
		Namespace: from.Namespace,
		Name:      from.Name,
		Actor:     actor,
		At:        time.Now(),
		After:     map[string]interface{}{"namespace": to.Namespace, "name": to.Name},
	})
	return nil
}

// credential loads the warehouse's storage credential, if any.
func (s *Service) credential(ctx context.Context, wh *warehouse.Warehouse) (*storage.Credential, error) {
	if wh.StorageCredential == nil {
		return nil, nil
	}
	return s.secrets.Get(ctx, *wh.StorageCredential)
}

func warehouseInactive(wh *warehouse.Warehouse) error {
	return apierr.BadRequest("WarehouseInactive", "warehouse %s is inactive", wh.Name)
}

// assertNoOverlap verifies no live sibling tabular owns an ancestor or
// descendant location.
func (s *Service) assertNoOverlap(ctx context.Context, tx pgx.Tx, warehouseID uuid.UUID, loc *storage.Location, excludeID uuid.UUID) error {
	rows, err := tx.Query(ctx,
		`SELECT tabular_id, fs_location FROM tabulars
		 WHERE warehouse_id = $1 AND deleted_at IS NULL AND tabular_id != $2`,
		warehouseID, excludeID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	target := loc.Bucket + "/" + loc.Key()
	for rows.Next() {
		var id uuid.UUID
		var fsLocation string
		if err := rows.Scan(&id, &fsLocation); err != nil {
			return err
		}
		if pathOverlaps(target, fsLocation) {
			return apierr.Unprocessable("LocationConflict",
				"location %s overlaps tabular %s at %s", loc.String(), id, fsLocation)
		}
	}
	return rows.Err()
}

// pathOverlaps reports segment-wise prefix overlap between two
// bucket-qualified paths.
func pathOverlaps(a, b string) bool {
	as, bs := strings.Split(a, "/"), strings.Split(b, "/")
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
