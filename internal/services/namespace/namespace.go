package namespace

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
	"github.com/lakekeeper/lakekeeper-go/internal/services/pagetoken"
	"github.com/lakekeeper/lakekeeper-go/pkg/cache"
	"github.com/lakekeeper/lakekeeper-go/pkg/database"
	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// Separator joins namespace path segments on the wire (\x1f per the Iceberg
// REST spec).
const Separator = "\x1f"

// Service handles namespace-related operations
type Service struct {
	db       *database.PostgreSQL
	logger   *logger.Logger
	reserved map[string]bool

	byName *cache.Cache[string, *Namespace]
}

// NewService creates a new namespace service
func NewService(db *database.PostgreSQL, logger *logger.Logger, reservedNames []string) *Service {
	reserved := make(map[string]bool, len(reservedNames))
	for _, n := range reservedNames {
		reserved[strings.ToLower(n)] = true
	}
	return &Service{
		db:       db,
		logger:   logger,
		reserved: reserved,
		byName:   cache.New[string, *Namespace]("namespaces", 4096, 60*time.Second),
	}
}

// Namespace is a path-structured container of tabulars.
type Namespace struct {
	ID         uuid.UUID
	WarehouseID uuid.UUID
	Name       []string
	ParentID   *uuid.UUID
	Properties map[string]string
	Protected  bool
	Depth      int
	Version    int64
	Created    time.Time
	Updated    time.Time
}

const namespaceColumns = `namespace_id, warehouse_id, namespace_name, parent_namespace_id,
	properties, protected, depth, version, created_at, updated_at`

func scanNamespace(row pgx.Row) (*Namespace, error) {
	var n Namespace
	var propsRaw []byte
	err := row.Scan(&n.ID, &n.WarehouseID, &n.Name, &n.ParentID, &propsRaw,
		&n.Protected, &n.Depth, &n.Version, &n.Created, &n.Updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(propsRaw, &n.Properties); err != nil {
		return nil, err
	}
	return &n, nil
}

// PropertyDiff is the structured delta of a property update, passed to the
// authorizer as check context.
type PropertyDiff struct {
	Updated map[string]string
	Removed []string
}

// Create validates the parent chain and reserved-name policy and inserts the
// namespace. inheritedKeys lists parent property keys copied down.
func (s *Service) Create(ctx context.Context, warehouseID uuid.UUID, name []string, properties map[string]string, inheritedKeys []string) (*Namespace, error) {
	if len(name) == 0 {
		return nil, apierr.BadRequest("InvalidNamespace", "namespace must have at least one segment")
	}
	for _, seg := range name {
		if seg == "" {
			return nil, apierr.BadRequest("InvalidNamespace", "namespace segments must not be empty")
		}
		if strings.Contains(seg, Separator) {
			return nil, apierr.BadRequest("InvalidNamespace", "namespace segments must not contain the unit separator")
		}
	}
	if s.reserved[strings.ToLower(name[0])] {
		return nil, apierr.BadRequest("ReservedNamespace", "namespace %q is reserved", name[0])
	}
	if properties == nil {
		properties = map[string]string{}
	}

	var parentID *uuid.UUID
	if len(name) > 1 {
		parent, err := s.GetByName(ctx, warehouseID, name[:len(name)-1])
		if err != nil {
			if apierr.IsKind(err, apierr.KindNotFound) {
				return nil, apierr.NotFound("NoSuchNamespaceException",
					"parent namespace %s does not exist", strings.Join(name[:len(name)-1], "."))
			}
			return nil, err
		}
		parentID = &parent.ID
		for _, key := range inheritedKeys {
			if v, ok := parent.Properties[key]; ok {
				if _, set := properties[key]; !set {
					properties[key] = v
				}
			}
		}
	}

	propsRaw, err := json.Marshal(properties)
	if err != nil {
		return nil, err
	}

	row := s.db.Pool().QueryRow(ctx,
		`INSERT INTO namespaces (namespace_id, warehouse_id, namespace_name, parent_namespace_id, properties, depth)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+namespaceColumns,
		uuid.New(), warehouseID, name, parentID, propsRaw, len(name),
	)
	n, err := scanNamespace(row)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key value") {
			return nil, apierr.Conflict("AlreadyExistsException",
				"namespace %s already exists", strings.Join(name, "."))
		}
		s.logger.Errorf("Failed to create namespace: %v", err)
		return nil, err
	}
	return n, nil
}

// Get retrieves a namespace by ID (strong read).
func (s *Service) Get(ctx context.Context, warehouseID, namespaceID uuid.UUID) (*Namespace, error) {
	row := s.db.ReadPool().QueryRow(ctx,
		`SELECT `+namespaceColumns+` FROM namespaces WHERE warehouse_id = $1 AND namespace_id = $2`,
		warehouseID, namespaceID)
	n, err := scanNamespace(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("NoSuchNamespaceException", "namespace %s not found", namespaceID)
		}
		return nil, err
	}
	return n, nil
}

// GetByName resolves a namespace by its path (strong read, populates cache).
func (s *Service) GetByName(ctx context.Context, warehouseID uuid.UUID, name []string) (*Namespace, error) {
	row := s.db.ReadPool().QueryRow(ctx,
		`SELECT `+namespaceColumns+` FROM namespaces
		 WHERE warehouse_id = $1 AND namespace_name = $2`,
		warehouseID, name)
	n, err := scanNamespace(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("NoSuchNamespaceException",
				"namespace %s not found", strings.Join(name, "."))
		}
		return nil, err
	}
	s.byName.Put(cacheKey(warehouseID, name), n, n.Version)
	return n, nil
}

// GetByNameCached serves TTL-tolerant resolution.
func (s *Service) GetByNameCached(ctx context.Context, warehouseID uuid.UUID, name []string) (*Namespace, error) {
	if n, _, ok := s.byName.GetAny(cacheKey(warehouseID, name)); ok {
		return n, nil
	}
	return s.GetByName(ctx, warehouseID, name)
}

// List returns namespaces, optionally children of parent, cursor-paginated.
func (s *Service) List(ctx context.Context, warehouseID uuid.UUID, parent []string, pageToken string, pageSize int) ([]*Namespace, string, error) {
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 100
	}
	cursor, err := pagetoken.Decode(pageToken)
	if err != nil {
		return nil, "", apierr.BadRequest("InvalidPageToken", "invalid page token")
	}

	depth := len(parent) + 1
	query := `SELECT ` + namespaceColumns + ` FROM namespaces WHERE warehouse_id = $1 AND depth = $2`
	args := []interface{}{warehouseID, depth}
	if len(parent) > 0 {
		args = append(args, parent)
		query += fmt.Sprintf(` AND namespace_name[1:%d] = $%d`, len(parent), len(args))
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(` AND (created_at, namespace_id) > ($%d, $%d::uuid)`, len(args)-1, len(args))
	}
	query += fmt.Sprintf(` ORDER BY created_at, namespace_id LIMIT $%d`, len(args)+1)
	args = append(args, pageSize+1)

	rows, err := s.db.ReadPool().Query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var namespaces []*Namespace
	for rows.Next() {
		n, err := scanNamespace(rows)
		if err != nil {
			return nil, "", err
		}
		namespaces = append(namespaces, n)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(namespaces) > pageSize {
		namespaces = namespaces[:pageSize]
		last := namespaces[len(namespaces)-1]
		next = pagetoken.Encode(pagetoken.Cursor{CreatedAt: last.Created, ID: last.ID.String()})
	}
	return namespaces, next, nil
}

// UpdateProperties applies a set/remove delta and returns the namespace and
// the structured diff for authorization context.
func (s *Service) UpdateProperties(ctx context.Context, warehouseID uuid.UUID, name []string, updates map[string]string, removals []string) (*Namespace, *PropertyDiff, error) {
	current, err := s.GetByName(ctx, warehouseID, name)
	if err != nil {
		return nil, nil, err
	}

	diff := &PropertyDiff{Updated: map[string]string{}}
	props := make(map[string]string, len(current.Properties))
	for k, v := range current.Properties {
		props[k] = v
	}
	for k, v := range updates {
		if props[k] != v {
			diff.Updated[k] = v
		}
		props[k] = v
	}
	for _, k := range removals {
		if _, ok := props[k]; ok {
			diff.Removed = append(diff.Removed, k)
			delete(props, k)
		}
	}

	propsRaw, err := json.Marshal(props)
	if err != nil {
		return nil, nil, err
	}

	row := s.db.Pool().QueryRow(ctx,
		`UPDATE namespaces SET properties = $3
		 WHERE warehouse_id = $1 AND namespace_id = $2
		 RETURNING `+namespaceColumns,
		warehouseID, current.ID, propsRaw,
	)
	n, err := scanNamespace(row)
	if err != nil {
		return nil, nil, err
	}
	s.byName.Remove(cacheKey(warehouseID, name))
	return n, diff, nil
}

// SetProtected toggles deletion protection.
func (s *Service) SetProtected(ctx context.Context, warehouseID, namespaceID uuid.UUID, protected bool) (*Namespace, error) {
	row := s.db.Pool().QueryRow(ctx,
		`UPDATE namespaces SET protected = $3
		 WHERE warehouse_id = $1 AND namespace_id = $2
		 RETURNING `+namespaceColumns,
		warehouseID, namespaceID, protected,
	)
	n, err := scanNamespace(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("NoSuchNamespaceException", "namespace %s not found", namespaceID)
		}
		return nil, err
	}
	s.byName.Remove(cacheKey(warehouseID, n.Name))
	return n, nil
}

// Descendants returns every namespace at or below the given path, deepest
// first, for recursive drops.
func (s *Service) Descendants(ctx context.Context, warehouseID uuid.UUID, name []string) ([]*Namespace, error) {
	rows, err := s.db.ReadPool().Query(ctx,
		fmt.Sprintf(`SELECT `+namespaceColumns+` FROM namespaces
		 WHERE warehouse_id = $1 AND namespace_name[1:%d] = $2
		 ORDER BY depth DESC`, len(name)),
		warehouseID, name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var namespaces []*Namespace
	for rows.Next() {
		n, err := scanNamespace(rows)
		if err != nil {
			return nil, err
		}
		namespaces = append(namespaces, n)
	}
	return namespaces, rows.Err()
}

// Delete removes a single namespace inside tx. The namespace must be empty;
// recursive drops go through the tabular engine.
func (s *Service) Delete(ctx context.Context, tx pgx.Tx, warehouseID, namespaceID uuid.UUID, force bool) error {
	var protected bool
	var name []string
	err := tx.QueryRow(ctx,
		`SELECT protected, namespace_name FROM namespaces
		 WHERE warehouse_id = $1 AND namespace_id = $2 FOR UPDATE`,
		warehouseID, namespaceID,
	).Scan(&protected, &name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apierr.NotFound("NoSuchNamespaceException", "namespace %s not found", namespaceID)
		}
		return err
	}
	if protected && !force {
		return apierr.Conflict("NamespaceProtected", "namespace %s is protected", strings.Join(name, "."))
	}

	var childCount int
	err = tx.QueryRow(ctx,
		`SELECT (SELECT count(*) FROM namespaces WHERE parent_namespace_id = $1)
		      + (SELECT count(*) FROM tabulars WHERE namespace_id = $1 AND deleted_at IS NULL)`,
		namespaceID,
	).Scan(&childCount)
	if err != nil {
		return err
	}
	if childCount > 0 {
		return apierr.Conflict("NamespaceNotEmpty",
			"namespace %s is not empty", strings.Join(name, "."))
	}

	_, err = tx.Exec(ctx, `DELETE FROM namespaces WHERE namespace_id = $1`, namespaceID)
	if err == nil {
		s.byName.Remove(cacheKey(warehouseID, name))
	}
	return err
}

func cacheKey(warehouseID uuid.UUID, name []string) string {
	return warehouseID.String() + "/" + strings.Join(name, Separator)
}
