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
	"github.com/lakekeeper/lakekeeper-go/internal/services/task"
	"github.com/lakekeeper/lakekeeper-go/internal/services/warehouse"
	"github.com/lakekeeper/lakekeeper-go/internal/storage"
)

// expirationTaskData is the payload of a tabular_expiration task. It carries
// only the purge flag: the expiration delay is fixed at drop time from the
// warehouse retention scalar (or the service default when that is unset), and
// there is no per-delete override.
type expirationTaskData struct {
	Purge bool `json:"purge"`
}

type purgeTaskData struct {
	FsProtocol string `json:"fs-protocol"`
	FsLocation string `json:"fs-location"`
}

const entityTypeTabular = "tabular"

// Drop removes a tabular. Soft-delete warehouses mark the row and schedule
// expiration; hard-delete warehouses (or staged tables, which have no files)
// remove the row at once.
func (s *Service) Drop(ctx context.Context, wh *warehouse.Warehouse, typ string, ident iceberg.TableIdent, purge bool, force bool, actor string) error {
	if !wh.IsActive() {
		return warehouseInactive(wh)
	}
	current, err := s.Get(ctx, wh.ID, ident, typ, true)
	if err != nil {
		return err
	}
	if current.Protected && !force {
		return apierr.Conflict("TabularProtected",
			"%s %s.%s is protected", typ, strings.Join(ident.Namespace, "."), ident.Name)
	}

	soft := wh.DeleteMode == warehouse.DeleteModeSoft && !current.IsStaged() && !force
	if soft {
		return s.softDelete(ctx, wh, current, ident, purge, actor)
	}
	return s.hardDelete(ctx, wh, current, ident, purge && !current.IsStaged(), actor)
}

func (s *Service) softDelete(ctx context.Context, wh *warehouse.Warehouse, current *Tabular, ident iceberg.TableIdent, purge bool, actor string) error {
	expiration := s.defaultExpiration
	if wh.ExpirationSeconds != nil {
		expiration = time.Duration(*wh.ExpirationSeconds) * time.Second
	}

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE tabulars SET deleted_at = now()
			 WHERE tabular_id = $1 AND deleted_at IS NULL`,
			current.ID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apierr.NotFound(notFoundType(current.Typ), "%s not found", current.Name)
		}

		entityType := entityTypeTabular
		_, err = s.tasks.Enqueue(ctx, tx, task.EnqueueParams{
			QueueName:    task.QueueTabularExpiration,
			ProjectID:    &wh.ProjectID,
			WarehouseID:  &wh.ID,
			EntityType:   &entityType,
			EntityID:     &current.ID,
			ScheduledFor: time.Now().Add(expiration),
			Data:         expirationTaskData{Purge: purge},
		})
		return err
	})
	if err != nil {
		return err
	}

	s.events.Emit(events.TabularEventV1{
		Action:    events.ActionDrop,
		Warehouse: wh.Name,
		Namespace: ident.Namespace,
		Name:      ident.Name,
		Actor:     actor,
		At:        time.Now(),
	})
	return nil
}

func (s *Service) hardDelete(ctx context.Context, wh *warehouse.Warehouse, current *Tabular, ident iceberg.TableIdent, purge bool, actor string) error {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM tabulars WHERE tabular_id = $1`, current.ID); err != nil {
			return err
		}
		if purge {
			return s.enqueuePurge(ctx, tx, wh, current)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.events.Emit(events.TabularEventV1{
		Action:    events.ActionDrop,
		Warehouse: wh.Name,
		Namespace: ident.Namespace,
		Name:      ident.Name,
		Actor:     actor,
		At:        time.Now(),
	})
	return nil
}

// enqueuePurge schedules file deletion under the tabular's location. The
// purge task carries the location because the row will be gone.
func (s *Service) enqueuePurge(ctx context.Context, tx pgx.Tx, wh *warehouse.Warehouse, t *Tabular) error {
	entityType := entityTypeTabular
	_, err := s.tasks.Enqueue(ctx, tx, task.EnqueueParams{
		QueueName:   task.QueueTabularPurge,
		ProjectID:   &wh.ProjectID,
		WarehouseID: &wh.ID,
		EntityType:  &entityType,
		EntityID:    &t.ID,
		Data:        purgeTaskData{FsProtocol: t.FsProtocol, FsLocation: t.FsLocation},
	})
	return err
}

// DeletedTabular is a soft-deleted row awaiting expiration.
type DeletedTabular struct {
	*Tabular
	NamespaceName []string
	ExpiresAt     *time.Time
}

// ListDeleted returns the warehouse's soft-deleted tabulars with their
// expiration times.
func (s *Service) ListDeleted(ctx context.Context, warehouseID uuid.UUID) ([]*DeletedTabular, error) {
	rows, err := s.db.ReadPool().Query(ctx,
		`SELECT `+prefixedTabularColumns("t")+`, n.namespace_name, tk.scheduled_for
		 FROM tabulars t
		 JOIN namespaces n ON n.namespace_id = t.namespace_id
		 LEFT JOIN tasks tk ON tk.warehouse_id = t.warehouse_id
		     AND tk.entity_id = t.tabular_id AND tk.queue_name = $2
		 WHERE t.warehouse_id = $1 AND t.deleted_at IS NOT NULL
		 ORDER BY t.deleted_at`,
		warehouseID, task.QueueTabularExpiration,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeletedTabular
	for rows.Next() {
		var t Tabular
		var d DeletedTabular
		err := rows.Scan(&t.ID, &t.WarehouseID, &t.NamespaceID, &t.Name, &t.Typ,
			&t.MetadataLocation, &t.FsProtocol, &t.FsLocation, &t.DeletedAt,
			&t.Protected, &t.Version, &t.Created, &t.Metadata,
			&d.NamespaceName, &d.ExpiresAt)
		if err != nil {
			return nil, err
		}
		d.Tabular = &t
		out = append(out, &d)
	}
	return out, rows.Err()
}

// Undrop restores soft-deleted tabulars. It succeeds only while the
// expiration task is still scheduled; a running expiration has passed the
// point of no return.
func (s *Service) Undrop(ctx context.Context, wh *warehouse.Warehouse, ids []uuid.UUID, actor string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, id := range ids {
			var name string
			var nsName []string
			err := tx.QueryRow(ctx,
				`SELECT tabular_name, n.namespace_name FROM tabulars t
				 JOIN namespaces n ON n.namespace_id = t.namespace_id
				 WHERE t.tabular_id = $1 AND t.warehouse_id = $2 AND t.deleted_at IS NOT NULL
				 FOR UPDATE OF t`,
				id, wh.ID,
			).Scan(&name, &nsName)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return apierr.NotFound("NoSuchTabularException", "deleted tabular %s not found", id)
				}
				return err
			}

			expTask, err := s.taskForEntityTx(ctx, tx, wh.ID, id, task.QueueTabularExpiration)
			if err != nil {
				return err
			}
			if expTask == nil {
				return apierr.Gone("tabular %s can no longer be restored", id)
			}
			cancelled, err := s.tasks.CancelScheduled(ctx, tx, expTask.ID)
			if err != nil {
				return err
			}
			if !cancelled {
				return apierr.Gone("expiration of tabular %s is already running", id)
			}

			if _, err := tx.Exec(ctx,
				`UPDATE tabulars SET deleted_at = NULL WHERE tabular_id = $1`, id); err != nil {
				return err
			}

			s.events.Emit(events.TabularEventV1{
				Action:    events.ActionUndrop,
				Warehouse: wh.Name,
				Namespace: nsName,
				Name:      name,
				Actor:     actor,
				At:        time.Now(),
			})
		}
		return nil
	})
}

func (s *Service) taskForEntityTx(ctx context.Context, tx pgx.Tx, warehouseID, entityID uuid.UUID, queueName string) (*task.Task, error) {
	row := tx.QueryRow(ctx,
		`SELECT task_id, status FROM tasks
		 WHERE warehouse_id = $1 AND entity_id = $2 AND queue_name = $3`,
		warehouseID, entityID, queueName,
	)
	var t task.Task
	err := row.Scan(&t.ID, &t.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetProtected toggles drop protection on a tabular.
func (s *Service) SetProtected(ctx context.Context, warehouseID uuid.UUID, tabularID uuid.UUID, protected bool) error {
	tag, err := s.db.Pool().Exec(ctx,
		`UPDATE tabulars SET protected = $3 WHERE warehouse_id = $1 AND tabular_id = $2`,
		warehouseID, tabularID, protected,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("NoSuchTabularException", "tabular %s not found", tabularID)
	}
	return nil
}

// DropNamespaceRecursive drops a namespace and all descendants. force
// overrides protection flags. Every tabular row is hard-deleted whether or
// not force is set; soft-delete does not apply to recursive drops. purge
// schedules file deletion. A running expiration on any descendant aborts the
// drop.
func (s *Service) DropNamespaceRecursive(ctx context.Context, wh *warehouse.Warehouse, nsName []string, force, purge bool, actor string) error {
	if _, err := s.namespaces.GetByName(ctx, wh.ID, nsName); err != nil {
		return err
	}
	descendants, err := s.namespaces.Descendants(ctx, wh.ID, nsName)
	if err != nil {
		return err
	}

	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, ns := range descendants {
			if ns.Protected && !force {
				return apierr.Conflict("NamespaceProtected",
					"namespace %s is protected", strings.Join(ns.Name, "."))
			}

			rows, err := tx.Query(ctx,
				`SELECT `+tabularColumns+` FROM tabulars WHERE namespace_id = $1 FOR UPDATE`,
				ns.ID)
			if err != nil {
				return err
			}
			var tabulars []*Tabular
			for rows.Next() {
				t, err := scanTabular(rows)
				if err != nil {
					rows.Close()
					return err
				}
				tabulars = append(tabulars, t)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}

			for _, t := range tabulars {
				if t.Protected && !force {
					return apierr.Conflict("TabularProtected", "tabular %s is protected", t.Name)
				}
				running, err := s.hasRunningExpiration(ctx, tx, wh.ID, t.ID)
				if err != nil {
					return err
				}
				if running {
					return apierr.Conflict("ExpirationInProgress",
						"tabular %s has a running expiration task", t.Name)
				}
				if expTask, err := s.taskForEntityTx(ctx, tx, wh.ID, t.ID, task.QueueTabularExpiration); err != nil {
					return err
				} else if expTask != nil {
					if _, err := s.tasks.CancelScheduled(ctx, tx, expTask.ID); err != nil {
						return err
					}
				}

				if _, err := tx.Exec(ctx, `DELETE FROM tabulars WHERE tabular_id = $1`, t.ID); err != nil {
					return err
				}
				if purge && !t.IsStaged() {
					if err := s.enqueuePurge(ctx, tx, wh, t); err != nil {
						return err
					}
				}
			}

			if _, err := tx.Exec(ctx, `DELETE FROM namespaces WHERE namespace_id = $1`, ns.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) hasRunningExpiration(ctx context.Context, tx pgx.Tx, warehouseID, tabularID uuid.UUID) (bool, error) {
	var running bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks
		 WHERE warehouse_id = $1 AND entity_id = $2 AND queue_name = $3 AND status = 'running')`,
		warehouseID, tabularID, task.QueueTabularExpiration,
	).Scan(&running)
	return running, err
}

// HandleExpiration is the tabular_expiration task handler: hard-drop the row
// and chain a purge when the original drop asked for one.
func (s *Service) HandleExpiration(ctx context.Context, t *task.Task) error {
	if t.EntityID == nil || t.WarehouseID == nil {
		return fmt.Errorf("expiration task %s has no entity", t.ID)
	}
	var data expirationTaskData
	if len(t.Data) > 0 {
		if err := json.Unmarshal(t.Data, &data); err != nil {
			return fmt.Errorf("invalid task data: %w", err)
		}
	}

	wh, err := s.warehouses.Get(ctx, *t.WarehouseID)
	if err != nil {
		if apierr.IsKind(err, apierr.KindNotFound) {
			// Warehouse gone; cascade already removed the row.
			return nil
		}
		return err
	}

	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+tabularColumns+` FROM tabulars
			 WHERE tabular_id = $1 AND deleted_at IS NOT NULL FOR UPDATE`,
			*t.EntityID)
		tab, err := scanTabular(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Undropped or already gone.
				return nil
			}
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM tabulars WHERE tabular_id = $1`, tab.ID); err != nil {
			return err
		}
		if data.Purge {
			parent := t.ID
			entityType := entityTypeTabular
			_, err = s.tasks.Enqueue(ctx, tx, task.EnqueueParams{
				QueueName:    task.QueueTabularPurge,
				ProjectID:    t.ProjectID,
				WarehouseID:  &wh.ID,
				EntityType:   &entityType,
				EntityID:     &tab.ID,
				ParentTaskID: &parent,
				Data:         purgeTaskData{FsProtocol: tab.FsProtocol, FsLocation: tab.FsLocation},
			})
			return err
		}
		return nil
	})
}

// HandlePurge is the tabular_purge task handler: list and delete every file
// under the tabular's location through the storage broker.
func (s *Service) HandlePurge(ctx context.Context, t *task.Task) error {
	if t.WarehouseID == nil {
		return fmt.Errorf("purge task %s has no warehouse", t.ID)
	}
	var data purgeTaskData
	if err := json.Unmarshal(t.Data, &data); err != nil {
		return fmt.Errorf("invalid task data: %w", err)
	}

	wh, err := s.warehouses.Get(ctx, *t.WarehouseID)
	if err != nil {
		if apierr.IsKind(err, apierr.KindNotFound) {
			return nil
		}
		return err
	}
	cred, err := s.credential(ctx, wh)
	if err != nil {
		return err
	}

	prefix, err := storage.ParseLocation(data.FsProtocol + "://" + data.FsLocation)
	if err != nil {
		return fmt.Errorf("invalid purge location: %w", err)
	}
	deleted, err := s.broker.PurgePrefix(ctx, wh.StorageProfile, cred, prefix)
	if err != nil {
		return err
	}
	s.logger.Infof("Purged %d objects under %s", deleted, prefix.String())
	return nil
}

func prefixedTabularColumns(alias string) string {
	cols := strings.Split(tabularColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
