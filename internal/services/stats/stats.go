// Package stats accumulates per-endpoint request counters in process and
// flushes them to the store on an interval.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lakekeeper/lakekeeper-go/pkg/database"
	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// Key buckets one counter.
type Key struct {
	ProjectID   uuid.UUID // Nil when unknown
	WarehouseID uuid.UUID // Nil when unknown
	Endpoint    string
	StatusCode  int
}

// Service holds the in-process counters.
type Service struct {
	db     *database.PostgreSQL
	logger *logger.Logger

	mu       sync.Mutex
	counters map[Key]int64
}

// NewService creates a new endpoint-statistics service
func NewService(db *database.PostgreSQL, logger *logger.Logger) *Service {
	return &Service{
		db:       db,
		logger:   logger,
		counters: map[Key]int64{},
	}
}

// Record increments a counter. Never blocks on the store.
func (s *Service) Record(k Key) {
	s.mu.Lock()
	s.counters[k]++
	s.mu.Unlock()
}

// Flush UPSERT-adds the accumulated counters into the store, bucketed by
// hour. Counters taken from the map are re-added on failure so no delta is
// lost.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	snapshot := s.counters
	s.counters = map[Key]int64{}
	s.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	bucket := time.Now().UTC().Truncate(time.Hour)
	for k, count := range snapshot {
		var projectID, warehouseID interface{}
		if k.ProjectID != uuid.Nil {
			projectID = k.ProjectID
		}
		if k.WarehouseID != uuid.Nil {
			warehouseID = k.WarehouseID
		}
		_, err := s.db.Pool().Exec(ctx, `
			INSERT INTO endpoint_statistics (project_id, warehouse_id, endpoint, status_code, bucket, count)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (project_id, warehouse_id, endpoint, status_code, bucket)
			DO UPDATE SET count = endpoint_statistics.count + EXCLUDED.count`,
			projectID, warehouseID, k.Endpoint, k.StatusCode, bucket, count,
		)
		if err != nil {
			s.logger.Errorf("Failed to flush endpoint statistics: %v", err)
			s.mu.Lock()
			for rk, rc := range snapshot {
				s.counters[rk] += rc
			}
			s.mu.Unlock()
			return err
		}
		delete(snapshot, k)
	}
	return nil
}

// Row is one stored statistics bucket.
type Row struct {
	ProjectID   *uuid.UUID
	WarehouseID *uuid.UUID
	Endpoint    string
	StatusCode  int
	Bucket      time.Time
	Count       int64
}

// Query returns stored buckets for a warehouse within a time range.
func (s *Service) Query(ctx context.Context, warehouseID uuid.UUID, from, to time.Time) ([]Row, error) {
	rows, err := s.db.ReadPool().Query(ctx, `
		SELECT project_id, warehouse_id, endpoint, status_code, bucket, count
		FROM endpoint_statistics
		WHERE warehouse_id = $1 AND bucket >= $2 AND bucket < $3
		ORDER BY bucket, endpoint, status_code`,
		warehouseID, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ProjectID, &r.WarehouseID, &r.Endpoint, &r.StatusCode, &r.Bucket, &r.Count); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
