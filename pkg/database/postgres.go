package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQL holds the catalog's connection pools. Writes always go through
// the primary pool; reads may be served from a replica pool.
type PostgreSQL struct {
	write *pgxpool.Pool
	read  *pgxpool.Pool
}

type PostgreSQLConfig struct {
	WriteURL       string
	ReadURL        string
	MaxConnections int32
	AcquireTimeout time.Duration
}

// New creates the pools and verifies connectivity.
func New(ctx context.Context, cfg PostgreSQLConfig) (*PostgreSQL, error) {
	if cfg.WriteURL == "" {
		return nil, fmt.Errorf("database write URL is required")
	}
	if cfg.ReadURL == "" {
		cfg.ReadURL = cfg.WriteURL
	}

	write, err := newPool(ctx, cfg.WriteURL, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	read := write
	if cfg.ReadURL != cfg.WriteURL {
		read, err = newPool(ctx, cfg.ReadURL, cfg)
		if err != nil {
			write.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	}

	return &PostgreSQL{write: write, read: read}, nil
}

func newPool(ctx context.Context, url string, cfg PostgreSQLConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = cfg.MaxConnections
	}
	if cfg.AcquireTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// Pool returns the primary (write) pool.
func (db *PostgreSQL) Pool() *pgxpool.Pool {
	return db.write
}

// ReadPool returns the pool used for non-transactional reads.
func (db *PostgreSQL) ReadPool() *pgxpool.Pool {
	return db.read
}

// Begin opens a write transaction.
func (db *PostgreSQL) Begin(ctx context.Context) (pgx.Tx, error) {
	return db.write.Begin(ctx)
}

// WithTx runs fn inside a write transaction, committing on success and
// rolling back on error or panic.
func (db *PostgreSQL) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := db.write.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Close closes the database connections.
func (db *PostgreSQL) Close() {
	if db.read != nil && db.read != db.write {
		db.read.Close()
	}
	if db.write != nil {
		db.write.Close()
	}
}
