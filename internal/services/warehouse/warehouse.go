package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lakekeeper/lakekeeper-go/internal/apierr"
	"github.com/lakekeeper/lakekeeper-go/internal/storage"
	"github.com/lakekeeper/lakekeeper-go/pkg/cache"
	"github.com/lakekeeper/lakekeeper-go/pkg/database"
	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// Delete modes.
const (
	DeleteModeHard = "hard"
	DeleteModeSoft = "soft"
)

// Service handles warehouse-related operations
type Service struct {
	db     *database.PostgreSQL
	logger *logger.Logger

	byID   *cache.Cache[uuid.UUID, *Warehouse]
	byName *cache.Cache[string, *Warehouse]
}

// NewService creates a new warehouse service
func NewService(db *database.PostgreSQL, logger *logger.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger,
		byID:   cache.New[uuid.UUID, *Warehouse]("warehouses_by_id", 1024, 60*time.Second),
		byName: cache.New[string, *Warehouse]("warehouses_by_name", 1024, 60*time.Second),
	}
}

// Warehouse is a named tenant of storage within a project.
type Warehouse struct {
	ID                uuid.UUID
	ProjectID         uuid.UUID
	Name              string
	StorageProfile    *storage.Profile
	StorageCredential *uuid.UUID
	Status            string // active | inactive
	DeleteMode        string // hard | soft
	ExpirationSeconds *int64
	Protected         bool
	Version           int64
	Created           time.Time
	Updated           time.Time
}

// IsActive reports whether catalog operations are permitted.
func (w *Warehouse) IsActive() bool {
	return w.Status == "active"
}

// BaseLocation resolves the warehouse's storage base.
func (w *Warehouse) BaseLocation() (*storage.Location, error) {
	return w.StorageProfile.BaseLocation()
}

const warehouseColumns = `warehouse_id, project_id, warehouse_name, storage_profile,
	storage_credential_id, status, tabular_delete_mode, tabular_expiration_seconds,
	protected, version, created_at, updated_at`

func scanWarehouse(row pgx.Row) (*Warehouse, error) {
	var w Warehouse
	var profileRaw []byte
	err := row.Scan(&w.ID, &w.ProjectID, &w.Name, &profileRaw, &w.StorageCredential,
		&w.Status, &w.DeleteMode, &w.ExpirationSeconds, &w.Protected, &w.Version,
		&w.Created, &w.Updated)
	if err != nil {
		return nil, err
	}
	w.StorageProfile = &storage.Profile{}
	if err := json.Unmarshal(profileRaw, w.StorageProfile); err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateParams for a new warehouse. The profile must be validated by the
// storage broker before calling Create.
type CreateParams struct {
	ProjectID         uuid.UUID
	Name              string
	Profile           *storage.Profile
	CredentialID      *uuid.UUID
	DeleteMode        string
	ExpirationSeconds *int64
}

// Create inserts the warehouse row. Name uniqueness is case-insensitive
// within the project.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Warehouse, error) {
	s.logger.Infof("Creating warehouse %s in project %s", p.Name, p.ProjectID)

	if p.DeleteMode == "" {
		p.DeleteMode = DeleteModeHard
	}
	if p.DeleteMode != DeleteModeHard && p.DeleteMode != DeleteModeSoft {
		return nil, apierr.BadRequest("InvalidDeleteMode", "unknown tabular delete mode %q", p.DeleteMode)
	}

	profileRaw, err := json.Marshal(p.Profile)
	if err != nil {
		return nil, err
	}

	row := s.db.Pool().QueryRow(ctx,
		`INSERT INTO warehouses (warehouse_id, project_id, warehouse_name, storage_profile,
		     storage_credential_id, tabular_delete_mode, tabular_expiration_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+warehouseColumns,
		uuid.New(), p.ProjectID, p.Name, profileRaw, p.CredentialID, p.DeleteMode, p.ExpirationSeconds,
	)
	w, err := scanWarehouse(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apierr.Conflict("WarehouseAlreadyExists",
				"warehouse %q already exists in project", p.Name)
		}
		s.logger.Errorf("Failed to create warehouse: %v", err)
		return nil, err
	}
	return w, nil
}

// Get retrieves a warehouse by ID, bypassing caches (strong read).
func (s *Service) Get(ctx context.Context, warehouseID uuid.UUID) (*Warehouse, error) {
	row := s.db.ReadPool().QueryRow(ctx,
		`SELECT `+warehouseColumns+` FROM warehouses WHERE warehouse_id = $1`, warehouseID)
	w, err := scanWarehouse(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("WarehouseNotFound", "warehouse %s not found", warehouseID)
		}
		return nil, err
	}
	s.byID.Put(warehouseID, w, w.Version)
	s.byName.Put(nameKey(w.ProjectID, w.Name), w, w.Version)
	return w, nil
}

// GetCached serves TTL-tolerant reads (resolution on the hot request path).
func (s *Service) GetCached(ctx context.Context, warehouseID uuid.UUID) (*Warehouse, error) {
	if w, _, ok := s.byID.GetAny(warehouseID); ok {
		return w, nil
	}
	return s.Get(ctx, warehouseID)
}

// GetByName resolves a warehouse within a project, case-insensitively.
func (s *Service) GetByName(ctx context.Context, projectID uuid.UUID, name string) (*Warehouse, error) {
	if w, _, ok := s.byName.GetAny(nameKey(projectID, name)); ok {
		return w, nil
	}
	row := s.db.ReadPool().QueryRow(ctx,
		`SELECT `+warehouseColumns+` FROM warehouses
		 WHERE project_id = $1 AND lower(warehouse_name) = lower($2)`,
		projectID, name)
	w, err := scanWarehouse(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("WarehouseNotFound", "warehouse %q not found", name)
		}
		return nil, err
	}
	s.byID.Put(w.ID, w, w.Version)
	s.byName.Put(nameKey(projectID, name), w, w.Version)
	return w, nil
}

// List returns a project's warehouses.
func (s *Service) List(ctx context.Context, projectID uuid.UUID) ([]*Warehouse, error) {
	rows, err := s.db.ReadPool().Query(ctx,
		`SELECT `+warehouseColumns+` FROM warehouses WHERE project_id = $1 ORDER BY warehouse_name`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var warehouses []*Warehouse
	for rows.Next() {
		w, err := scanWarehouse(rows)
		if err != nil {
			return nil, err
		}
		warehouses = append(warehouses, w)
	}
	return warehouses, rows.Err()
}

// Rename changes the warehouse name; renaming to the same name
// (case-insensitively) is idempotent.
func (s *Service) Rename(ctx context.Context, warehouseID uuid.UUID, newName string) (*Warehouse, error) {
	current, err := s.Get(ctx, warehouseID)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(current.Name, newName) {
		return current, nil
	}

	row := s.db.Pool().QueryRow(ctx,
		`UPDATE warehouses SET warehouse_name = $2 WHERE warehouse_id = $1 RETURNING `+warehouseColumns,
		warehouseID, newName,
	)
	w, err := scanWarehouse(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apierr.Conflict("WarehouseAlreadyExists", "warehouse %q already exists", newName)
		}
		return nil, err
	}
	s.invalidate(current)
	return w, nil
}

// SetStatus activates or deactivates the warehouse.
func (s *Service) SetStatus(ctx context.Context, warehouseID uuid.UUID, status string) (*Warehouse, error) {
	if status != "active" && status != "inactive" {
		return nil, apierr.BadRequest("InvalidStatus", "unknown warehouse status %q", status)
	}
	return s.update(ctx, warehouseID, `status = $2`, status)
}

// SetProtected toggles deletion protection.
func (s *Service) SetProtected(ctx context.Context, warehouseID uuid.UUID, protected bool) (*Warehouse, error) {
	return s.update(ctx, warehouseID, `protected = $2`, protected)
}

// SetDeleteProfile changes the tabular delete mode and retention.
func (s *Service) SetDeleteProfile(ctx context.Context, warehouseID uuid.UUID, mode string, expirationSeconds *int64) (*Warehouse, error) {
	if mode != DeleteModeHard && mode != DeleteModeSoft {
		return nil, apierr.BadRequest("InvalidDeleteMode", "unknown tabular delete mode %q", mode)
	}
	return s.update(ctx, warehouseID, `tabular_delete_mode = $2, tabular_expiration_seconds = $3`, mode, expirationSeconds)
}

// SetCredential repoints the warehouse at a new secret; callers schedule GC
// of the old one.
func (s *Service) SetCredential(ctx context.Context, warehouseID uuid.UUID, credentialID *uuid.UUID) (*Warehouse, error) {
	return s.update(ctx, warehouseID, `storage_credential_id = $2`, credentialID)
}

// UpdateProfile replaces the storage profile after broker validation.
func (s *Service) UpdateProfile(ctx context.Context, warehouseID uuid.UUID, profile *storage.Profile) (*Warehouse, error) {
	raw, err := json.Marshal(profile)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, warehouseID, `storage_profile = $2`, raw)
}

func (s *Service) update(ctx context.Context, warehouseID uuid.UUID, setClause string, args ...interface{}) (*Warehouse, error) {
	query := `UPDATE warehouses SET ` + setClause + ` WHERE warehouse_id = $1 RETURNING ` + warehouseColumns
	row := s.db.Pool().QueryRow(ctx, query, append([]interface{}{warehouseID}, args...)...)
	w, err := scanWarehouse(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("WarehouseNotFound", "warehouse %s not found", warehouseID)
		}
		return nil, err
	}
	s.invalidate(w)
	return w, nil
}

// Delete removes the warehouse; cascades drop namespaces and tabulars. The
// caller must have checked protection and emptiness rules and schedules
// secret GC for the returned credential id.
func (s *Service) Delete(ctx context.Context, warehouseID uuid.UUID, force bool) (*uuid.UUID, error) {
	w, err := s.Get(ctx, warehouseID)
	if err != nil {
		return nil, err
	}
	if w.Protected && !force {
		return nil, apierr.Conflict("WarehouseProtected",
			"warehouse %s is protected; use force to override", warehouseID)
	}

	commandTag, err := s.db.Pool().Exec(ctx,
		`DELETE FROM warehouses WHERE warehouse_id = $1`, warehouseID)
	if err != nil {
		return nil, err
	}
	if commandTag.RowsAffected() == 0 {
		return nil, apierr.NotFound("WarehouseNotFound", "warehouse %s not found", warehouseID)
	}
	s.invalidate(w)
	return w.StorageCredential, nil
}

func (s *Service) invalidate(w *Warehouse) {
	s.byID.Remove(w.ID)
	s.byName.Remove(nameKey(w.ProjectID, w.Name))
}

func nameKey(projectID uuid.UUID, name string) string {
	return projectID.String() + "/" + strings.ToLower(name)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key value")
}
