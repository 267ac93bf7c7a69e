package role

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lakekeeper/lakekeeper-go/internal/apierr"
	"github.com/lakekeeper/lakekeeper-go/internal/services/pagetoken"
	"github.com/lakekeeper/lakekeeper-go/pkg/cache"
	"github.com/lakekeeper/lakekeeper-go/pkg/database"
	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// Service handles role-related operations
type Service struct {
	db     *database.PostgreSQL
	logger *logger.Logger
	cache  *cache.Cache[uuid.UUID, *Role]
}

// NewService creates a new role service
func NewService(db *database.PostgreSQL, logger *logger.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger,
		cache:  cache.New[uuid.UUID, *Role]("roles", 2048, 120*time.Second),
	}
}

// Role is an assignable principal within a project. Roles may nest.
type Role struct {
	ID          uuid.UUID
	ProjectID   uuid.UUID
	Name        string
	Description string
	ProviderID  string
	SourceID    string
	Version     int64
	Created     time.Time
	Updated     time.Time
}

const roleColumns = `role_id, project_id, role_name, description, provider_id, source_id, version, created_at, updated_at`

func scanRole(row pgx.Row) (*Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.ProjectID, &r.Name, &r.Description, &r.ProviderID, &r.SourceID, &r.Version, &r.Created, &r.Updated)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Create creates a new role
func (s *Service) Create(ctx context.Context, projectID uuid.UUID, name, description, providerID, sourceID string) (*Role, error) {
	s.logger.Infof("Creating role %s in project %s", name, projectID)
	if providerID == "" {
		providerID = "lakekeeper"
	}
	if sourceID == "" {
		sourceID = name
	}

	var exists bool
	err := s.db.Pool().QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM roles WHERE project_id = $1 AND provider_id = $2 AND source_id = $3)`,
		projectID, providerID, sourceID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apierr.Conflict("RoleAlreadyExists", "role %q already exists in project", name)
	}

	row := s.db.Pool().QueryRow(ctx,
		`INSERT INTO roles (role_id, project_id, role_name, description, provider_id, source_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+roleColumns,
		uuid.New(), projectID, name, description, providerID, sourceID,
	)
	r, err := scanRole(row)
	if err != nil {
		s.logger.Errorf("Failed to create role: %v", err)
		return nil, err
	}
	return r, nil
}

// Get retrieves a role by ID. Listing-grade reads go through the cache.
func (s *Service) Get(ctx context.Context, roleID uuid.UUID) (*Role, error) {
	if r, _, ok := s.cache.GetAny(roleID); ok {
		return r, nil
	}
	row := s.db.ReadPool().QueryRow(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE role_id = $1`, roleID)
	r, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("RoleNotFound", "role %s not found", roleID)
		}
		return nil, err
	}
	s.cache.Put(roleID, r, r.Version)
	return r, nil
}

// List returns roles of a project, cursor-paginated by (created_at, id).
func (s *Service) List(ctx context.Context, projectID uuid.UUID, pageToken string, pageSize int) ([]*Role, string, error) {
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 100
	}
	cursor, err := pagetoken.Decode(pageToken)
	if err != nil {
		return nil, "", apierr.BadRequest("InvalidPageToken", "invalid page token")
	}

	query := `SELECT ` + roleColumns + ` FROM roles WHERE project_id = $1`
	args := []interface{}{projectID}
	if cursor != nil {
		query += ` AND (created_at, role_id) > ($2, $3::uuid)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at, role_id LIMIT $%d`, len(args)+1)
	args = append(args, pageSize+1)

	rows, err := s.db.ReadPool().Query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, "", err
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(roles) > pageSize {
		roles = roles[:pageSize]
		last := roles[len(roles)-1]
		next = pagetoken.Encode(pagetoken.Cursor{CreatedAt: last.Created, ID: last.ID.String()})
	}
	return roles, next, nil
}

// Search finds roles by trigram similarity on the name.
func (s *Service) Search(ctx context.Context, projectID uuid.UUID, term string, limit int) ([]*Role, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.ReadPool().Query(ctx,
		`SELECT `+roleColumns+` FROM roles
		 WHERE project_id = $1
		 ORDER BY role_name <-> $2
		 LIMIT $3`,
		projectID, term, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// Update changes name and description.
func (s *Service) Update(ctx context.Context, roleID uuid.UUID, name, description string) (*Role, error) {
	row := s.db.Pool().QueryRow(ctx,
		`UPDATE roles SET role_name = $2, description = $3
		 WHERE role_id = $1
		 RETURNING `+roleColumns,
		roleID, name, description,
	)
	r, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("RoleNotFound", "role %s not found", roleID)
		}
		return nil, err
	}
	s.cache.Remove(roleID)
	return r, nil
}

// Delete removes a role.
func (s *Service) Delete(ctx context.Context, roleID uuid.UUID) error {
	commandTag, err := s.db.Pool().Exec(ctx, `DELETE FROM roles WHERE role_id = $1`, roleID)
	if err != nil {
		return err
	}
	if commandTag.RowsAffected() == 0 {
		return apierr.NotFound("RoleNotFound", "role %s not found", roleID)
	}
	s.cache.Remove(roleID)
	return nil
}

// WouldCycle reports whether assigning member (a role) to target creates a
// membership cycle: target must not be reachable from member.
func (s *Service) WouldCycle(ctx context.Context, member, target uuid.UUID) (bool, error) {
	if member == target {
		return true, nil
	}
	var reachable bool
	err := s.db.ReadPool().QueryRow(ctx, `
		WITH RECURSIVE members(role_id) AS (
		    SELECT actor_id::uuid FROM authz_relations
		    WHERE actor_type = 'role' AND relation = 'assignee'
		      AND entity_type = 'role' AND entity_id = $1::text
		    UNION
		    SELECT r.actor_id::uuid FROM authz_relations r
		    JOIN members m ON r.entity_type = 'role' AND r.entity_id = m.role_id::text
		    WHERE r.actor_type = 'role' AND r.relation = 'assignee'
		)
		SELECT EXISTS (SELECT 1 FROM members WHERE role_id = $2)`,
		member, target,
	).Scan(&reachable)
	if err != nil {
		return false, err
	}
	return reachable, nil
}
