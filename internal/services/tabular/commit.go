package tabular

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lakekeeper/lakekeeper-go/internal/apierr"
	"github.com/lakekeeper/lakekeeper-go/internal/events"
	"github.com/lakekeeper/lakekeeper-go/internal/iceberg"
	"github.com/lakekeeper/lakekeeper-go/internal/services/warehouse"
	"github.com/lakekeeper/lakekeeper-go/internal/storage"
)

// CreateTableParams mirrors the Iceberg REST create-table request.
type CreateTableParams struct {
	Ident       iceberg.TableIdent
	Schema      *iceberg.Schema
	Spec        *iceberg.PartitionSpec
	SortOrder   *iceberg.SortOrder
	Properties  map[string]string
	Location    string // optional client override, must fall under the base
	StageCreate bool
	Actor       string
}

// CreateTable initializes metadata, optionally writes the first metadata
// file (staged creates defer it) and inserts the row.
func (s *Service) CreateTable(ctx context.Context, wh *warehouse.Warehouse, p CreateTableParams) (*Tabular, *iceberg.TableMetadata, error) {
	if !wh.IsActive() {
		return nil, nil, warehouseInactive(wh)
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

	meta := iceberg.NewTableMetadata(loc.String(), p.Schema, p.Spec, p.SortOrder, p.Properties)

	var metadataLocation *string
	if !p.StageCreate {
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
		ml := mlLoc.String()
		metadataLocation = &ml
	}

	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return nil, nil, err
	}

	var created *Tabular
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.assertNoOverlap(ctx, tx, wh.ID, loc, tabularID); err != nil {
			return err
		}
		row := tx.QueryRow(ctx,
			`INSERT INTO tabulars (tabular_id, warehouse_id, namespace_id, tabular_name, typ,
			     metadata_location, fs_protocol, fs_location, format_version, last_column_id,
			     last_sequence_number, last_updated_ms, last_partition_id, metadata, search_name)
			 VALUES ($1, $2, $3, $4, 'table', $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 RETURNING `+tabularColumns,
			tabularID, wh.ID, ns.ID, p.Ident.Name, metadataLocation,
			loc.Protocol, loc.Bucket+"/"+loc.Key(),
			meta.FormatVersion, meta.LastColumnID, meta.LastSequenceNumber,
			meta.LastUpdatedMs, meta.LastPartitionID, metaRaw,
			strings.Join(p.Ident.Namespace, ".")+"."+p.Ident.Name,
		)
		created, err = scanTabular(row)
		if err != nil {
			if isUniqueViolation(err) {
				return apierr.Conflict("AlreadyExistsException",
					"table %s.%s already exists", strings.Join(p.Ident.Namespace, "."), p.Ident.Name)
			}
			return err
		}
		return nil
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

// resolveLocation picks the tabular location: the profile default unless the
// client supplied one, which must fall strictly under the warehouse base.
func (s *Service) resolveLocation(wh *warehouse.Warehouse, tabularID uuid.UUID, override string) (*storage.Location, error) {
	base, err := wh.BaseLocation()
	if err != nil {
		return nil, err
	}
	if override == "" {
		return base.Child(tabularID.String()), nil
	}
	loc, err := storage.ParseLocation(override)
	if err != nil {
		return nil, apierr.BadRequest("InvalidLocation", "invalid location %q", override)
	}
	if !loc.IsSubPathOf(base) {
		return nil, apierr.Unprocessable("LocationOutsideWarehouse",
			"location %s is outside the warehouse base %s", loc.String(), base.String())
	}
	return loc, nil
}

// CommitParams is one table's requirements and updates.
type CommitParams struct {
	Ident        iceberg.TableIdent
	Requirements []iceberg.Requirement
	Updates      []iceberg.Update
	Actor        string
}

// CommitResult carries the updated metadata and its location.
type CommitResult struct {
	Metadata         *iceberg.TableMetadata
	MetadataLocation string
	ETag             string
}

// CommitTable runs the optimistic commit pipeline for one table. Requirement
// checks run under the row lock that gates the UPDATE; losers get 409. A
// version-fence race with no requirement mismatch is retried once.
func (s *Service) CommitTable(ctx context.Context, wh *warehouse.Warehouse, p CommitParams) (*CommitResult, error) {
	if !wh.IsActive() {
		return nil, warehouseInactive(wh)
	}

	var result *CommitResult
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		result, err = s.commitTableOnce(ctx, wh, p)
		if err == nil || !isRetriableCommitError(err) {
			break
		}
		s.logger.Warnf("Retrying commit of %s.%s after transient conflict",
			strings.Join(p.Ident.Namespace, "."), p.Ident.Name)
	}
	if err != nil {
		return nil, err
	}

	s.events.Emit(events.TabularEventV1{
		Action:    events.ActionCommit,
		Warehouse: wh.Name,
		Namespace: p.Ident.Namespace,
		Name:      p.Ident.Name,
		Actor:     p.Actor,
		At:        time.Now(),
		After:     result.Metadata,
	})
	return result, nil
}

func (s *Service) commitTableOnce(ctx context.Context, wh *warehouse.Warehouse, p CommitParams) (*CommitResult, error) {
	cred, err := s.credential(ctx, wh)
	if err != nil {
		return nil, err
	}

	var result *CommitResult
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := s.lockForCommit(ctx, tx, wh.ID, p.Ident, TypeTable)
		if err != nil {
			return err
		}
		result, err = s.applyCommit(ctx, tx, wh, cred, current, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// lockForCommit selects the live tabular FOR UPDATE; staged tables are
// commit targets too (their first commit materializes them).
func (s *Service) lockForCommit(ctx context.Context, tx pgx.Tx, warehouseID uuid.UUID, ident iceberg.TableIdent, typ string) (*Tabular, error) {
	ns, err := s.namespaces.GetByNameCached(ctx, warehouseID, ident.Namespace)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx,
		`SELECT `+tabularColumns+` FROM tabulars
		 WHERE warehouse_id = $1 AND namespace_id = $2 AND lower(tabular_name) = lower($3)
		   AND typ = $4 AND deleted_at IS NULL
		 FOR UPDATE`,
		warehouseID, ns.ID, ident.Name, typ)
	t, err := scanTabular(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.NotFound(notFoundType(typ), "%s %s.%s not found",
				typ, strings.Join(ident.Namespace, "."), ident.Name)
		}
		return nil, err
	}
	return t, nil
}

// applyCommit is steps 4–9 of the pipeline, already under the row lock.
func (s *Service) applyCommit(ctx context.Context, tx pgx.Tx, wh *warehouse.Warehouse, cred *storage.Credential, current *Tabular, p CommitParams) (*CommitResult, error) {
	meta, err := current.TableMetadata()
	if err != nil {
		return nil, err
	}

	// Requirements evaluate against the locked row's metadata.
	if err := iceberg.CheckAll(p.Requirements, meta); err != nil {
		return nil, apierr.Conflict("CommitFailedException", "%s", err.Error())
	}

	next, err := meta.Clone()
	if err != nil {
		return nil, err
	}
	if err := iceberg.NewApplier(next).ApplyAll(p.Updates); err != nil {
		var updErr *iceberg.UpdateError
		if errors.As(err, &updErr) {
			return nil, apierr.BadRequest("InvalidUpdate", "%s", err.Error())
		}
		return nil, err
	}

	// Location invariants: a moved location must stay under the base and
	// must not collide with a sibling.
	base, err := wh.BaseLocation()
	if err != nil {
		return nil, err
	}
	newLoc, err := storage.ParseLocation(next.Location)
	if err != nil {
		return nil, apierr.Unprocessable("InvalidLocation", "invalid table location %q", next.Location)
	}
	if !newLoc.IsSubPathOf(base) {
		return nil, apierr.Unprocessable("LocationOutsideWarehouse",
			"location %s is outside the warehouse base %s", newLoc.String(), base.String())
	}
	if next.Location != meta.Location {
		if err := s.assertNoOverlap(ctx, tx, wh.ID, newLoc, current.ID); err != nil {
			return nil, err
		}
	}

	if err := s.checkVerifiers(ctx, ContractChange{
		Ident:   p.Ident,
		Current: meta,
		Updates: p.Updates,
	}); err != nil {
		return nil, apierr.Unprocessable("ContractViolation", "%s", err.Error()).WithCause(err)
	}

	// Step 8: the metadata file lands before the row flips; the unique
	// suffix keeps ambiguous retries from clobbering.
	mlLoc := newLoc.Child("metadata", iceberg.MetadataFileName(current.Version+1))
	body, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	if err := s.broker.WriteMetadata(ctx, wh.StorageProfile, cred, mlLoc, body); err != nil {
		return nil, apierr.Unprocessable("StorageValidationFailed",
			"failed to write metadata file").WithCause(err)
	}
	metadataLocation := mlLoc.String()

	// Keep the previous location in the metadata log.
	if current.MetadataLocation != nil {
		next.MetadataLog = append(next.MetadataLog, iceberg.MetadataLogEntry{
			MetadataFile: *current.MetadataLocation,
			TimestampMs:  meta.LastUpdatedMs,
		})
	}

	if err := s.updateCommittedRow(ctx, tx, current, next, newLoc, metadataLocation, meta); err != nil {
		return nil, err
	}

	return &CommitResult{
		Metadata:         next,
		MetadataLocation: metadataLocation,
		ETag:             iceberg.ETag(metadataLocation),
	}, nil
}

// updateCommittedRow writes the new document, scalar mirrors and snapshot
// rows in the caller's transaction.
func (s *Service) updateCommittedRow(ctx context.Context, tx pgx.Tx, current *Tabular, next *iceberg.TableMetadata, loc *storage.Location, metadataLocation string, prev *iceberg.TableMetadata) error {
	metaRaw, err := json.Marshal(next)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE tabulars SET metadata = $2, metadata_location = $3,
		     fs_protocol = $4, fs_location = $5,
		     format_version = $6, last_column_id = $7, last_sequence_number = $8,
		     last_updated_ms = $9, last_partition_id = $10, next_row_id = $11
		 WHERE tabular_id = $1`,
		current.ID, metaRaw, metadataLocation,
		loc.Protocol, loc.Bucket+"/"+loc.Key(),
		next.FormatVersion, next.LastColumnID, next.LastSequenceNumber,
		next.LastUpdatedMs, next.LastPartitionID, next.NextRowID,
	)
	if err != nil {
		return err
	}

	known := map[int64]bool{}
	for _, snap := range prev.Snapshots {
		known[snap.SnapshotID] = true
	}
	for _, snap := range next.Snapshots {
		if known[snap.SnapshotID] {
			continue
		}
		summaryRaw, err := json.Marshal(snap.Summary)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO table_snapshots (tabular_id, snapshot_id, parent_snapshot_id,
			     sequence_number, timestamp_ms, manifest_list, summary, schema_id,
			     first_row_id, assigned_rows)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT DO NOTHING`,
			current.ID, snap.SnapshotID, snap.ParentSnapshotID, snap.SequenceNumber,
			snap.TimestampMs, snap.ManifestList, summaryRaw, snap.SchemaID,
			snap.FirstRowID, snap.AssignedRows,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// CommitTransaction atomically commits changes across multiple tables:
// either every table advances or none does. Rows lock in identifier order
// to avoid deadlocks between concurrent transactions.
func (s *Service) CommitTransaction(ctx context.Context, wh *warehouse.Warehouse, changes []CommitParams) ([]*CommitResult, error) {
	if !wh.IsActive() {
		return nil, warehouseInactive(wh)
	}
	if len(changes) == 0 {
		return nil, apierr.BadRequest("InvalidTransaction", "transaction has no table changes")
	}

	cred, err := s.credential(ctx, wh)
	if err != nil {
		return nil, err
	}

	ordered := make([]*CommitParams, 0, len(changes))
	for i := range changes {
		ordered = append(ordered, &changes[i])
	}
	sortByIdent(ordered)

	results := make(map[*CommitParams]*CommitResult, len(ordered))
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		// Lock all rows first: requirements must see transaction-start
		// state for every table before any update applies.
		locked := make(map[*CommitParams]*Tabular, len(ordered))
		for _, change := range ordered {
			current, err := s.lockForCommit(ctx, tx, wh.ID, change.Ident, TypeTable)
			if err != nil {
				return err
			}
			locked[change] = current
		}
		for _, change := range ordered {
			result, err := s.applyCommit(ctx, tx, wh, cred, locked[change], *change)
			if err != nil {
				return err
			}
			results[change] = result
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*CommitResult, len(changes))
	for i := range changes {
		out[i] = results[&changes[i]]
	}
	return out, nil
}

// RegisterTable adopts an existing metadata file into the catalog.
func (s *Service) RegisterTable(ctx context.Context, wh *warehouse.Warehouse, ident iceberg.TableIdent, metadataLocation string, actor string) (*Tabular, *iceberg.TableMetadata, error) {
	if !wh.IsActive() {
		return nil, nil, warehouseInactive(wh)
	}
	ns, err := s.namespaces.GetByName(ctx, wh.ID, ident.Namespace)
	if err != nil {
		return nil, nil, err
	}

	mlLoc, err := storage.ParseLocation(metadataLocation)
	if err != nil {
		return nil, nil, apierr.BadRequest("InvalidLocation", "invalid metadata location %q", metadataLocation)
	}
	base, err := wh.BaseLocation()
	if err != nil {
		return nil, nil, err
	}
	if !mlLoc.IsSubPathOf(base) {
		return nil, nil, apierr.Unprocessable("LocationOutsideWarehouse",
			"metadata location %s is outside the warehouse base", metadataLocation)
	}

	cred, err := s.credential(ctx, wh)
	if err != nil {
		return nil, nil, err
	}
	body, err := s.broker.ReadMetadata(ctx, wh.StorageProfile, cred, mlLoc)
	if err != nil {
		return nil, nil, apierr.Unprocessable("StorageValidationFailed",
			"cannot read metadata file").WithCause(err)
	}
	var meta iceberg.TableMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, nil, apierr.BadRequest("InvalidMetadata", "metadata file is not valid table metadata")
	}

	loc, err := storage.ParseLocation(meta.Location)
	if err != nil || !loc.IsSubPathOf(base) {
		return nil, nil, apierr.Unprocessable("LocationOutsideWarehouse",
			"table location %s is outside the warehouse base", meta.Location)
	}

	metaRaw, err := json.Marshal(&meta)
	if err != nil {
		return nil, nil, err
	}

	tabularID := uuid.New()
	var created *Tabular
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.assertNoOverlap(ctx, tx, wh.ID, loc, tabularID); err != nil {
			return err
		}
		row := tx.QueryRow(ctx,
			`INSERT INTO tabulars (tabular_id, warehouse_id, namespace_id, tabular_name, typ,
			     metadata_location, fs_protocol, fs_location, format_version, last_column_id,
			     last_sequence_number, last_updated_ms, last_partition_id, metadata, search_name)
			 VALUES ($1, $2, $3, $4, 'table', $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 RETURNING `+tabularColumns,
			tabularID, wh.ID, ns.ID, ident.Name, metadataLocation,
			loc.Protocol, loc.Bucket+"/"+loc.Key(),
			meta.FormatVersion, meta.LastColumnID, meta.LastSequenceNumber,
			meta.LastUpdatedMs, meta.LastPartitionID, metaRaw,
			strings.Join(ident.Namespace, ".")+"."+ident.Name,
		)
		created, err = scanTabular(row)
		if err != nil && isUniqueViolation(err) {
			return apierr.Conflict("AlreadyExistsException",
				"table %s.%s already exists", strings.Join(ident.Namespace, "."), ident.Name)
		}
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	s.events.Emit(events.TabularEventV1{
		Action:    events.ActionCreate,
		Warehouse: wh.Name,
		Namespace: ident.Namespace,
		Name:      ident.Name,
		Actor:     actor,
		At:        time.Now(),
		After:     &meta,
	})
	return created, &meta, nil
}

func sortByIdent(changes []*CommitParams) {
	for i := 1; i < len(changes); i++ {
		for j := i; j > 0 && identKey(changes[j].Ident) < identKey(changes[j-1].Ident); j-- {
			changes[j], changes[j-1] = changes[j-1], changes[j]
		}
	}
}

func identKey(ident iceberg.TableIdent) string {
	return strings.Join(ident.Namespace, "\x1f") + "\x1f" + ident.Name
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "duplicate key value")
}

// isRetriableCommitError: serialization failures and deadlocks retry once;
// requirement conflicts do not.
func isRetriableCommitError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
