package user

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lakekeeper/lakekeeper-go/internal/apierr"
	"github.com/lakekeeper/lakekeeper-go/pkg/database"
	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// Service handles user provisioning and lookup
type Service struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewService creates a new user service
func NewService(db *database.PostgreSQL, logger *logger.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// User is a provisioned principal. The id is derived from the token subject.
type User struct {
	ID              string
	Name            string
	Email           string
	Type            string // human | application
	LastUpdatedWith string // create | login | refresh
	Created         time.Time
	Updated         time.Time
}

const userColumns = `user_id, user_name, COALESCE(email, ''), user_type, last_updated_with, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Type, &u.LastUpdatedWith, &u.Created, &u.Updated)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Provision creates the user on first sight or refreshes name/email on
// login. Idempotent; called on every authenticated request.
func (s *Service) Provision(ctx context.Context, id, name, email, userType, updatedWith string) (*User, error) {
	if userType != "human" && userType != "application" {
		userType = "application"
	}
	row := s.db.Pool().QueryRow(ctx,
		`INSERT INTO users (user_id, user_name, email, user_type, last_updated_with)
		 VALUES ($1, $2, NULLIF($3, ''), $4, 'create')
		 ON CONFLICT (user_id) DO UPDATE
		 SET user_name = EXCLUDED.user_name,
		     email = COALESCE(EXCLUDED.email, users.email),
		     last_updated_with = $5,
		     updated_at = now()
		 RETURNING `+userColumns,
		id, name, email, userType, updatedWith,
	)
	u, err := scanUser(row)
	if err != nil {
		s.logger.Errorf("Failed to provision user %s: %v", id, err)
		return nil, err
	}
	return u, nil
}

// Get retrieves a user by ID
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	row := s.db.ReadPool().QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound("UserNotFound", "user %s not found", id)
		}
		return nil, err
	}
	return u, nil
}

// List returns users, optionally filtered by a name substring.
func (s *Service) List(ctx context.Context, nameFilter string, limit int) ([]*User, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.ReadPool().Query(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE ($1 = '' OR user_name ILIKE '%' || $1 || '%')
		 ORDER BY user_id
		 LIMIT $2`,
		nameFilter, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Delete removes a user row. Authorization tuples referencing the user are
// not removed.
func (s *Service) Delete(ctx context.Context, id string) error {
	commandTag, err := s.db.Pool().Exec(ctx, `DELETE FROM users WHERE user_id = $1`, id)
	if err != nil {
		return err
	}
	if commandTag.RowsAffected() == 0 {
		return apierr.NotFound("UserNotFound", "user %s not found", id)
	}
	return nil
}
