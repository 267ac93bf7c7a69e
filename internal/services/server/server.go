package server

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lakekeeper/lakekeeper-go/internal/apierr"
	"github.com/lakekeeper/lakekeeper-go/pkg/database"
	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// Service owns the server singleton row.
type Service struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewService creates a new server service
func NewService(db *database.PostgreSQL, logger *logger.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Info is the server singleton.
type Info struct {
	ServerID         uuid.UUID
	OpenForBootstrap bool
	AuthzBackend     string
}

// Get returns the singleton, or nil before first bootstrap.
func (s *Service) Get(ctx context.Context) (*Info, error) {
	var info Info
	var backend *string
	err := s.db.ReadPool().QueryRow(ctx,
		`SELECT server_id, open_for_bootstrap, authz_backend_tag FROM server`,
	).Scan(&info.ServerID, &info.OpenForBootstrap, &backend)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if backend != nil {
		info.AuthzBackend = *backend
	}
	return &info, nil
}

// Bootstrap creates the singleton on first call and closes the bootstrap
// window. The server id is stable for the lifetime of the deployment.
func (s *Service) Bootstrap(ctx context.Context, authzBackend string) (*Info, error) {
	existing, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.OpenForBootstrap {
		return nil, apierr.Conflict("AlreadyBootstrapped", "server is already bootstrapped")
	}

	if existing == nil {
		info := &Info{ServerID: uuid.New(), OpenForBootstrap: false, AuthzBackend: authzBackend}
		_, err := s.db.Pool().Exec(ctx,
			`INSERT INTO server (server_id, open_for_bootstrap, authz_backend_tag)
			 VALUES ($1, false, $2)
			 ON CONFLICT (single_row) DO NOTHING`,
			info.ServerID, authzBackend,
		)
		if err != nil {
			return nil, err
		}
		s.logger.Infof("Bootstrapped server %s with authz backend %s", info.ServerID, authzBackend)
		return info, nil
	}

	_, err = s.db.Pool().Exec(ctx,
		`UPDATE server SET open_for_bootstrap = false, authz_backend_tag = $1`, authzBackend)
	if err != nil {
		return nil, err
	}
	existing.OpenForBootstrap = false
	existing.AuthzBackend = authzBackend
	return existing, nil
}
