package tabular

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lakekeeper/lakekeeper-go/internal/apierr"
	"github.com/lakekeeper/lakekeeper-go/internal/events"
	"github.com/lakekeeper/lakekeeper-go/internal/iceberg"
	"github.com/lakekeeper/lakekeeper-go/internal/services/warehouse"
	"github.com/lakekeeper/lakekeeper-go/internal/storage"
)

// CreateViewParams mirrors the Iceberg REST create-view request.
type CreateViewParams struct {
	Ident      iceberg.TableIdent
	Schema     *iceberg.Schema
	Version    *iceberg.ViewVersion
	Properties map[string]string
	Location   string
	Actor      string
}

// CreateView writes the first view metadata file and inserts the row.
func (s *Service) CreateView(ctx context.Context, wh *warehouse.Warehouse, p CreateViewParams) (*Tabular, *iceberg.ViewMetadata, error) {
	if !wh.IsActive() {
		return nil, nil, warehouseInactive(wh)
	}
	if p.Schema == nil || p.Version == nil {
		return nil, nil, apierr.BadRequest("InvalidView", "view requires a schema and a version")
	}
	ns, err := s.namespaces.GetByName(ctx, wh.ID, p.Ident.Namespace)
	if err != nil {
		return nil, nil, err
	}

	tabularID := uuid.New()
	loc, err := s.resolveLocation(wh, tabularID, p.Location)
	if err != nil {
		return nil, nil, err
	}

	meta := iceberg.NewViewMetadata(loc.String(), p.Schema, p.Version, p.Properties)

	mlLoc := loc.Child("metadata", iceberg.MetadataFileName(0))
	body, err := json.Marshal(meta)
	if err != nil {
		return nil, nil, err
	}
	cred, err := s.credential(ctx, wh)
	if err != nil {
		return nil, nil, err
	}
	if err := s.broker.WriteMetadata(ctx, wh.StorageProfile, cred, mlLoc, body); err != nil {
		return nil, nil, apierr.Unprocessable("StorageValidationFailed",
			"failed to write metadata file").WithCause(err)
	}
	metadataLocation := mlLoc.String()

	var created *Tabular
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.assertNoOverlap(ctx, tx, wh.ID, loc, tabularID); err != nil {
			return err
		}
		row := tx.QueryRow(ctx,
			`INSERT INTO tabulars (tabular_id, warehouse_id, namespace_id, tabular_name, typ,
			     metadata_location, fs_protocol, fs_location, metadata, search_name)
			 VALUES ($1, $2, $3, $4, 'view', $5, $6, $7, $8, $9)
			 RETURNING `+tabularColumns,
			tabularID, wh.ID, ns.ID, p.Ident.Name, metadataLocation,
			loc.Protocol, loc.Bucket+"/"+loc.Key(), body,
			strings.Join(p.Ident.Namespace, ".")+"."+p.Ident.Name,
		)
		created, err = scanTabular(row)
		if err != nil && isUniqueViolation(err) {
			return apierr.Conflict("AlreadyExistsException",
				"view %s.%s already exists", strings.Join(p.Ident.Namespace, "."), p.Ident.Name)
		}
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	s.events.Emit(events.TabularEventV1{
		Action:    events.ActionCreate,
		Warehouse: wh.Name,
		Namespace: p.Ident.Namespace,
		Name:      p.Ident.Name,
		Actor:     p.Actor,
		At:        time.Now(),
		After:     meta,
	})
	return created, meta, nil
}

// CommitViewResult carries the updated view metadata.
type CommitViewResult struct {
	Metadata         *iceberg.ViewMetadata
	MetadataLocation string
	ETag             string
}

// CommitView applies view updates under the row lock.
func (s *Service) CommitView(ctx context.Context, wh *warehouse.Warehouse, ident iceberg.TableIdent, reqs []iceberg.Requirement, updates []iceberg.Update, actor string) (*CommitViewResult, error) {
	if !wh.IsActive() {
		return nil, warehouseInactive(wh)
	}
	cred, err := s.credential(ctx, wh)
	if err != nil {
		return nil, err
	}

	var result *CommitViewResult
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := s.lockForCommit(ctx, tx, wh.ID, ident, TypeView)
		if err != nil {
			return err
		}
		meta, err := current.ViewMetadata()
		if err != nil {
			return err
		}

		if err := iceberg.CheckView(reqs, meta); err != nil {
			return apierr.Conflict("CommitFailedException", "%s", err.Error())
		}

		next, err := meta.Clone()
		if err != nil {
			return err
		}
		if err := iceberg.NewViewApplier(next).ApplyAll(updates); err != nil {
			return apierr.BadRequest("InvalidUpdate", "%s", err.Error())
		}

		base, err := wh.BaseLocation()
		if err != nil {
			return err
		}
		loc, err := storage.ParseLocation(next.Location)
		if err != nil || !loc.IsSubPathOf(base) {
			return apierr.Unprocessable("LocationOutsideWarehouse",
				"location %s is outside the warehouse base", next.Location)
		}

		mlLoc := loc.Child("metadata", iceberg.MetadataFileName(current.Version+1))
		body, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if err := s.broker.WriteMetadata(ctx, wh.StorageProfile, cred, mlLoc, body); err != nil {
			return apierr.Unprocessable("StorageValidationFailed",
				"failed to write metadata file").WithCause(err)
		}
		metadataLocation := mlLoc.String()

		_, err = tx.Exec(ctx,
			`UPDATE tabulars SET metadata = $2, metadata_location = $3 WHERE tabular_id = $1`,
			current.ID, body, metadataLocation,
		)
		if err != nil {
			return err
		}
		result = &CommitViewResult{
			Metadata:         next,
			MetadataLocation: metadataLocation,
			ETag:             iceberg.ETag(metadataLocation),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(events.TabularEventV1{
		Action:    events.ActionCommit,
		Warehouse: wh.Name,
		Namespace: ident.Namespace,
		Name:      ident.Name,
		Actor:     actor,
		At:        time.Now(),
		After:     result.Metadata,
	})
	return result, nil
}
