package project

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lakekeeper/lakekeeper-go/internal/apierr"
	"github.com/lakekeeper/lakekeeper-go/pkg/database"
	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// Service handles project-related operations
type Service struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewService creates a new project service
func NewService(db *database.PostgreSQL, logger *logger.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Project is a tenant owning warehouses and roles.
type Project struct {
	ID      uuid.UUID
	Name    string
	Version int64
	Created time.Time
	Updated time.Time
}

const projectColumns = `project_id, project_name, version, created_at, updated_at`

func scanProject(row pgx.Row) (*Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Name, &p.Version, &p.Created, &p.Updated)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create creates a new project
func (s *Service) Create(ctx context.Context, name string) (*Project, error) {
	s.logger.Infof("Creating project with name: %s", name)

	var nameExists bool
	err := s.db.Pool().QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM projects WHERE project_name = $1)", name).Scan(&nameExists)
	if err != nil {
		return nil, err
	}
	if nameExists {
		return nil, apierr.Conflict("ProjectAlreadyExists", "project %q already exists", name)
	}

	row := s.db.Pool().QueryRow(ctx,
		`INSERT INTO projects (project_id, project_name) VALUES ($1, $2)
		 RETURNING `+projectColumns,
		uuid.New(), name,
	)
	p, err := scanProject(row)
	if err != nil {
		s.logger.Errorf("Failed to create project: %v", err)
		return nil, err
	}
	return p, nil
}

// Get retrieves a project by ID
func (s *Service) Get(ctx context.Context, projectID uuid.UUID) (*Project, error) {
	row := s.db.ReadPool().QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE project_id = $1`, projectID)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("ProjectNotFound", "project %s not found", projectID)
		}
		return nil, err
	}
	return p, nil
}

// GetByName retrieves a project by its server-wide unique name.
func (s *Service) GetByName(ctx context.Context, name string) (*Project, error) {
	row := s.db.ReadPool().QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE project_name = $1`, name)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("ProjectNotFound", "project %q not found", name)
		}
		return nil, err
	}
	return p, nil
}

// List retrieves all projects
func (s *Service) List(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.ReadPool().Query(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY project_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// Rename updates the project name.
func (s *Service) Rename(ctx context.Context, projectID uuid.UUID, name string) (*Project, error) {
	s.logger.Infof("Renaming project %s to %s", projectID, name)
	row := s.db.Pool().QueryRow(ctx,
		`UPDATE projects SET project_name = $2 WHERE project_id = $1 RETURNING `+projectColumns,
		projectID, name,
	)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("ProjectNotFound", "project %s not found", projectID)
		}
		return nil, err
	}
	return p, nil
}

// Delete deletes a project. Projects with warehouses cannot be deleted.
func (s *Service) Delete(ctx context.Context, projectID uuid.UUID) error {
	s.logger.Infof("Deleting project: %s", projectID)

	var warehouseCount int
	err := s.db.Pool().QueryRow(ctx,
		`SELECT count(*) FROM warehouses WHERE project_id = $1`, projectID).Scan(&warehouseCount)
	if err != nil {
		return err
	}
	if warehouseCount > 0 {
		return apierr.Conflict("ProjectNotEmpty",
			"project has %d warehouses; delete them first", warehouseCount)
	}

	commandTag, err := s.db.Pool().Exec(ctx,
		`DELETE FROM projects WHERE project_id = $1`, projectID)
	if err != nil {
		return err
	}
	if commandTag.RowsAffected() == 0 {
		return apierr.NotFound("ProjectNotFound", "project %s not found", projectID)
	}
	return nil
}
