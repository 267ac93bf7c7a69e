// Package task is the durable, at-least-once, leased-work queue backing
// background maintenance: tabular expiration, file purging, statistics
// flushing and log cleanup.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lakekeeper/lakekeeper-go/pkg/database"
	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// Queue names.
const (
	QueueTabularExpiration = "tabular_expiration"
	QueueTabularPurge      = "tabular_purge"
	QueueStats             = "stats"
	QueueLogCleanup        = "log_cleanup"
)

// Task statuses.
const (
	StatusScheduled  = "scheduled"
	StatusRunning    = "running"
	StatusShouldStop = "should-stop"
)

// Terminal statuses recorded in task_log.
const (
	LogSuccess   = "success"
	LogFailed    = "failed"
	LogCancelled = "cancelled"
)

// Task is one queued unit of work.
type Task struct {
	ID            uuid.UUID
	QueueName     string
	ProjectID     *uuid.UUID
	WarehouseID   *uuid.UUID
	EntityType    *string
	EntityID      *uuid.UUID
	Status        string
	ScheduledFor  time.Time
	Attempt       int
	MaxRetries    int
	LastHeartbeat *time.Time
	PickedUpAt    *time.Time
	ParentTaskID  *uuid.UUID
	Data          json.RawMessage
}

// Service owns the task rows.
type Service struct {
	db     *database.PostgreSQL
	logger *logger.Logger

	// HeartbeatMaxAge is how stale a running task's heartbeat may be before
	// it is considered abandoned and handed to another worker.
	HeartbeatMaxAge time.Duration
	DefaultRetries  int
}

// NewService creates a new task service
func NewService(db *database.PostgreSQL, logger *logger.Logger, heartbeatMaxAge time.Duration, defaultRetries int) *Service {
	if heartbeatMaxAge <= 0 {
		heartbeatMaxAge = 5 * time.Minute
	}
	if defaultRetries <= 0 {
		defaultRetries = 5
	}
	return &Service{
		db:              db,
		logger:          logger,
		HeartbeatMaxAge: heartbeatMaxAge,
		DefaultRetries:  defaultRetries,
	}
}

// EnqueueParams describes a new task.
type EnqueueParams struct {
	QueueName    string
	ProjectID    *uuid.UUID
	WarehouseID  *uuid.UUID
	EntityType   *string
	EntityID     *uuid.UUID
	ScheduledFor time.Time
	ParentTaskID *uuid.UUID
	Data         interface{}
	MaxRetries   int
}

const taskColumns = `task_id, queue_name, project_id, warehouse_id, entity_type, entity_id,
	status, scheduled_for, attempt, max_retries, last_heartbeat_at, picked_up_at,
	parent_task_id, task_data`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.QueueName, &t.ProjectID, &t.WarehouseID, &t.EntityType,
		&t.EntityID, &t.Status, &t.ScheduledFor, &t.Attempt, &t.MaxRetries,
		&t.LastHeartbeat, &t.PickedUpAt, &t.ParentTaskID, &t.Data)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Enqueue inserts a task; enqueuing an already-present (scope, queue) task is
// idempotent. Runs inside the caller's transaction when tx is non-nil so the
// task lands atomically with the triggering mutation.
func (s *Service) Enqueue(ctx context.Context, tx pgx.Tx, p EnqueueParams) (*Task, error) {
	dataRaw, err := json.Marshal(p.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize task data: %w", err)
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = s.DefaultRetries
	}
	if p.ScheduledFor.IsZero() {
		p.ScheduledFor = time.Now()
	}

	query := `INSERT INTO tasks (task_id, queue_name, project_id, warehouse_id, entity_type,
	              entity_id, scheduled_for, max_retries, parent_task_id, task_data)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	          ON CONFLICT (project_id, warehouse_id, entity_type, entity_id, queue_name) DO NOTHING
	          RETURNING ` + taskColumns
	args := []interface{}{
		uuid.New(), p.QueueName, p.ProjectID, p.WarehouseID, p.EntityType,
		p.EntityID, p.ScheduledFor, p.MaxRetries, p.ParentTaskID, dataRaw,
	}

	var row pgx.Row
	if tx != nil {
		row = tx.QueryRow(ctx, query, args...)
	} else {
		row = s.db.Pool().QueryRow(ctx, query, args...)
	}
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Deduplicated: an identical task already exists.
		return nil, nil
	}
	return t, err
}

// PickNext atomically leases the next runnable task of a queue: scheduled
// and due, or running with a stale heartbeat. Skip-locked keeps concurrent
// workers from contending.
func (s *Service) PickNext(ctx context.Context, queueName string) (*Task, error) {
	row := s.db.Pool().QueryRow(ctx, `
		UPDATE tasks SET
		    status = 'running',
		    attempt = attempt + 1,
		    last_heartbeat_at = now(),
		    picked_up_at = COALESCE(picked_up_at, now())
		WHERE task_id = (
		    SELECT task_id FROM tasks
		    WHERE queue_name = $1
		      AND (
		           (status = 'scheduled' AND scheduled_for <= now())
		        OR (status = 'running' AND now() - last_heartbeat_at > $2::interval)
		      )
		    ORDER BY scheduled_for
		    FOR UPDATE SKIP LOCKED
		    LIMIT 1
		)
		RETURNING `+taskColumns,
		queueName, s.HeartbeatMaxAge,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// Heartbeat extends the lease. Returns false if the task asked to stop or
// vanished.
func (s *Service) Heartbeat(ctx context.Context, taskID uuid.UUID) (bool, error) {
	var status string
	err := s.db.Pool().QueryRow(ctx,
		`UPDATE tasks SET last_heartbeat_at = now() WHERE task_id = $1 RETURNING status`,
		taskID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == StatusRunning, nil
}

// Complete moves the task row to task_log with a terminal status, inside a
// single transaction (history insert + row delete).
func (s *Service) Complete(ctx context.Context, taskID uuid.UUID, status, message string) error {
	if status != LogSuccess && status != LogFailed && status != LogCancelled {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO task_log (task_id, queue_name, project_id, warehouse_id, entity_type,
			    entity_id, status, message, attempt, parent_task_id, task_data, started_at, duration_ms)
			SELECT task_id, queue_name, project_id, warehouse_id, entity_type,
			    entity_id, $2, NULLIF($3, ''), attempt, parent_task_id, task_data, picked_up_at,
			    (EXTRACT(EPOCH FROM (now() - picked_up_at)) * 1000)::bigint
			FROM tasks WHERE task_id = $1`,
			taskID, status, message,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("task %s not found", taskID)
		}
		_, err = tx.Exec(ctx, `DELETE FROM tasks WHERE task_id = $1`, taskID)
		return err
	})
}

// Fail retries the task with backoff, or moves it to the log when retries
// are exhausted.
func (s *Service) Fail(ctx context.Context, t *Task, taskErr error) error {
	if t.Attempt >= t.MaxRetries {
		s.logger.Warnf("Task %s (%s) failed permanently after %d attempts: %v",
			t.ID, t.QueueName, t.Attempt, taskErr)
		return s.Complete(ctx, t.ID, LogFailed, taskErr.Error())
	}
	delay := time.Duration(t.Attempt) * time.Minute
	_, err := s.db.Pool().Exec(ctx,
		`UPDATE tasks SET status = 'scheduled', scheduled_for = now() + $2::interval
		 WHERE task_id = $1`,
		t.ID, delay,
	)
	return err
}

// GetForEntity returns the queued task for an entity in a queue, if any.
func (s *Service) GetForEntity(ctx context.Context, warehouseID, entityID uuid.UUID, queueName string) (*Task, error) {
	row := s.db.ReadPool().QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE warehouse_id = $1 AND entity_id = $2 AND queue_name = $3`,
		warehouseID, entityID, queueName,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// CancelScheduled deletes a task iff it is still scheduled (not picked up),
// recording the cancellation in the log. Returns false when the task was
// already running or gone — undrop uses this as its gate.
func (s *Service) CancelScheduled(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO task_log (task_id, queue_name, project_id, warehouse_id, entity_type,
		    entity_id, status, attempt, parent_task_id, task_data)
		SELECT task_id, queue_name, project_id, warehouse_id, entity_type,
		    entity_id, 'cancelled', attempt, parent_task_id, task_data
		FROM tasks WHERE task_id = $1 AND status = 'scheduled'`,
		taskID,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	_, err = tx.Exec(ctx, `DELETE FROM tasks WHERE task_id = $1 AND status = 'scheduled'`, taskID)
	return err == nil, err
}

// CleanupLog prunes task_log rows older than the retention window. Used by
// the log_cleanup queue.
func (s *Service) CleanupLog(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.db.Pool().Exec(ctx,
		`DELETE FROM task_log WHERE completed_at < now() - $1::interval`, retention)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
