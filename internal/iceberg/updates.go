package iceberg

import (
	"encoding/json"
	"fmt"
	"time"
)

// Update type tags from the Iceberg REST spec.
const (
	UpdAssignUUID            = "assign-uuid"
	UpdUpgradeFormatVersion  = "upgrade-format-version"
	UpdAddSchema             = "add-schema"
	UpdSetCurrentSchema      = "set-current-schema"
	UpdAddPartitionSpec      = "add-spec"
	UpdSetDefaultSpec        = "set-default-spec"
	UpdAddSortOrder          = "add-sort-order"
	UpdSetDefaultSortOrder   = "set-default-sort-order"
	UpdAddSnapshot           = "add-snapshot"
	UpdSetSnapshotRef        = "set-snapshot-ref"
	UpdRemoveSnapshots       = "remove-snapshots"
	UpdRemoveSnapshotRef     = "remove-snapshot-ref"
	UpdSetLocation           = "set-location"
	UpdSetProperties         = "set-properties"
	UpdRemoveProperties      = "remove-properties"
	UpdSetStatistics         = "set-statistics"
	UpdRemoveStatistics      = "remove-statistics"
	UpdSetPartitionStats     = "set-partition-statistics"
	UpdRemovePartitionStats  = "remove-partition-statistics"
	UpdAddViewVersion        = "add-view-version"
	UpdSetCurrentViewVersion = "set-current-view-version"

	// lastAdded is the sentinel id meaning "the schema/spec/order added
	// earlier in this same commit".
	lastAdded = -1
)

// Update is one entry of a commit's updates list. Updates are discriminated
// by "action" on the wire; requirements use "type".
type Update struct {
	Type string `json:"action"`

	UUID               string                   `json:"uuid,omitempty"`
	FormatVersion      *int                     `json:"format-version,omitempty"`
	Schema             *Schema                  `json:"schema,omitempty"`
	LastColumnID       *int                     `json:"last-column-id,omitempty"`
	SchemaID           *int                     `json:"schema-id,omitempty"`
	Spec               *PartitionSpec           `json:"spec,omitempty"`
	SpecID             *int                     `json:"spec-id,omitempty"`
	SortOrder          *SortOrder               `json:"sort-order,omitempty"`
	SortOrderID        *int                     `json:"sort-order-id,omitempty"`
	Snapshot           *Snapshot                `json:"snapshot,omitempty"`
	RefName            string                   `json:"ref-name,omitempty"`
	SnapshotID         *int64                   `json:"snapshot-id,omitempty"`
	SnapshotIDs        []int64                  `json:"snapshot-ids,omitempty"`
	MinSnapshotsToKeep *int                     `json:"min-snapshots-to-keep,omitempty"`
	MaxSnapshotAgeMs   *int64                   `json:"max-snapshot-age-ms,omitempty"`
	MaxRefAgeMs        *int64                   `json:"max-ref-age-ms,omitempty"`
	Location           string                   `json:"location,omitempty"`
	Updates            map[string]string        `json:"updates,omitempty"`
	Removals           []string                 `json:"removals,omitempty"`
	Statistics         *StatisticsFile          `json:"statistics,omitempty"`
	PartitionStats     *PartitionStatisticsFile `json:"partition-statistics,omitempty"`
	ViewVersion        *ViewVersion             `json:"view-version,omitempty"`
	ViewVersionID      *int                     `json:"view-version-id,omitempty"`

	// RefType is the branch|tag discriminator of set-snapshot-ref; free to
	// use the "type" key because the update action tag is "action".
	RefType string `json:"type,omitempty"`
}

// UpdateError is a semantically invalid update; it maps to 400.
type UpdateError struct {
	Update string
	Reason string
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("update %s invalid: %s", e.Update, e.Reason)
}

func invalid(upd, format string, args ...interface{}) error {
	return &UpdateError{Update: upd, Reason: fmt.Sprintf(format, args...)}
}

// Applier applies a commit's update list to a table metadata document. It
// tracks ids added earlier in the same commit so that the -1 sentinel
// resolves correctly.
type Applier struct {
	meta *TableMetadata

	lastAddedSchemaID *int
	lastAddedSpecID   *int
	lastAddedOrderID  *int
}

// NewApplier wraps meta for update application. The caller passes a deep
// copy; appliers mutate in place.
func NewApplier(meta *TableMetadata) *Applier {
	return &Applier{meta: meta}
}

// Meta returns the (mutated) metadata.
func (a *Applier) Meta() *TableMetadata {
	return a.meta
}

// ApplyAll applies updates in order, stopping at the first error.
func (a *Applier) ApplyAll(updates []Update) error {
	for i := range updates {
		if err := a.Apply(&updates[i]); err != nil {
			return err
		}
	}
	a.meta.LastUpdatedMs = time.Now().UnixMilli()
	return nil
}

// Apply applies a single update.
func (a *Applier) Apply(u *Update) error {
	m := a.meta
	switch u.Type {
	case UpdAssignUUID:
		if u.UUID == "" {
			return invalid(u.Type, "uuid is required")
		}
		m.TableUUID = u.UUID

	case UpdUpgradeFormatVersion:
		if u.FormatVersion == nil {
			return invalid(u.Type, "format-version is required")
		}
		v := *u.FormatVersion
		if v < m.FormatVersion {
			return invalid(u.Type, "cannot downgrade format version from %d to %d", m.FormatVersion, v)
		}
		if v > MaxFormatVersion {
			return invalid(u.Type, "unsupported format version %d", v)
		}
		if v >= 3 && m.NextRowID == nil {
			var zero int64
			m.NextRowID = &zero
		}
		m.FormatVersion = v

	case UpdAddSchema:
		if u.Schema == nil {
			return invalid(u.Type, "schema is required")
		}
		if m.SchemaByID(u.Schema.SchemaID) != nil {
			return invalid(u.Type, "schema id %d already exists", u.Schema.SchemaID)
		}
		m.Schemas = append(m.Schemas, u.Schema)
		id := u.Schema.SchemaID
		a.lastAddedSchemaID = &id
		if u.LastColumnID != nil {
			if *u.LastColumnID < m.LastColumnID {
				return invalid(u.Type, "last-column-id %d is behind %d", *u.LastColumnID, m.LastColumnID)
			}
			m.LastColumnID = *u.LastColumnID
		}

	case UpdSetCurrentSchema:
		if u.SchemaID == nil {
			return invalid(u.Type, "schema-id is required")
		}
		id := *u.SchemaID
		if id == lastAdded {
			if a.lastAddedSchemaID == nil {
				return invalid(u.Type, "no schema was added in this commit")
			}
			id = *a.lastAddedSchemaID
		}
		if m.SchemaByID(id) == nil {
			return invalid(u.Type, "schema id %d does not exist", id)
		}
		m.CurrentSchemaID = id

	case UpdAddPartitionSpec:
		if u.Spec == nil {
			return invalid(u.Type, "spec is required")
		}
		if m.SpecByID(u.Spec.SpecID) != nil {
			return invalid(u.Type, "spec id %d already exists", u.Spec.SpecID)
		}
		m.PartitionSpecs = append(m.PartitionSpecs, u.Spec)
		id := u.Spec.SpecID
		a.lastAddedSpecID = &id

	case UpdSetDefaultSpec:
		if u.SpecID == nil {
			return invalid(u.Type, "spec-id is required")
		}
		id := *u.SpecID
		if id == lastAdded {
			if a.lastAddedSpecID == nil {
				return invalid(u.Type, "no spec was added in this commit")
			}
			id = *a.lastAddedSpecID
		}
		if m.SpecByID(id) == nil {
			return invalid(u.Type, "spec id %d does not exist", id)
		}
		m.DefaultSpecID = id
		if id > m.LastPartitionID {
			m.LastPartitionID = id
		}

	case UpdAddSortOrder:
		if u.SortOrder == nil {
			return invalid(u.Type, "sort-order is required")
		}
		if m.SortOrderByID(u.SortOrder.OrderID) != nil {
			return invalid(u.Type, "sort order id %d already exists", u.SortOrder.OrderID)
		}
		m.SortOrders = append(m.SortOrders, u.SortOrder)
		id := u.SortOrder.OrderID
		a.lastAddedOrderID = &id

	case UpdSetDefaultSortOrder:
		if u.SortOrderID == nil {
			return invalid(u.Type, "sort-order-id is required")
		}
		id := *u.SortOrderID
		if id == lastAdded {
			if a.lastAddedOrderID == nil {
				return invalid(u.Type, "no sort order was added in this commit")
			}
			id = *a.lastAddedOrderID
		}
		if m.SortOrderByID(id) == nil {
			return invalid(u.Type, "sort order id %d does not exist", id)
		}
		m.DefaultSortOrderID = id

	case UpdAddSnapshot:
		return a.addSnapshot(u)

	case UpdSetSnapshotRef:
		if u.RefName == "" || u.SnapshotID == nil {
			return invalid(u.Type, "ref-name and snapshot-id are required")
		}
		if m.SnapshotByID(*u.SnapshotID) == nil {
			return invalid(u.Type, "snapshot %d does not exist", *u.SnapshotID)
		}
		refType := u.RefType
		if refType == "" {
			refType = "branch"
		}
		if m.Refs == nil {
			m.Refs = map[string]SnapshotRef{}
		}
		m.Refs[u.RefName] = SnapshotRef{
			SnapshotID:         *u.SnapshotID,
			Type:               refType,
			MinSnapshotsToKeep: u.MinSnapshotsToKeep,
			MaxSnapshotAgeMs:   u.MaxSnapshotAgeMs,
			MaxRefAgeMs:        u.MaxRefAgeMs,
		}
		if u.RefName == MainBranch {
			id := *u.SnapshotID
			m.CurrentSnapshotID = &id
			m.SnapshotLog = append(m.SnapshotLog, SnapshotLogEntry{
				SnapshotID:  id,
				TimestampMs: time.Now().UnixMilli(),
			})
		}

	case UpdRemoveSnapshots:
		drop := make(map[int64]bool, len(u.SnapshotIDs))
		for _, id := range u.SnapshotIDs {
			drop[id] = true
		}
		for _, ref := range m.Refs {
			if drop[ref.SnapshotID] {
				return invalid(u.Type, "snapshot %d is still referenced", ref.SnapshotID)
			}
		}
		kept := m.Snapshots[:0]
		for _, s := range m.Snapshots {
			if !drop[s.SnapshotID] {
				kept = append(kept, s)
			}
		}
		m.Snapshots = kept
		keptLog := m.SnapshotLog[:0]
		for _, e := range m.SnapshotLog {
			if !drop[e.SnapshotID] {
				keptLog = append(keptLog, e)
			}
		}
		m.SnapshotLog = keptLog

	case UpdRemoveSnapshotRef:
		if u.RefName == MainBranch {
			m.CurrentSnapshotID = nil
		}
		delete(m.Refs, u.RefName)

	case UpdSetLocation:
		if u.Location == "" {
			return invalid(u.Type, "location is required")
		}
		m.Location = u.Location

	case UpdSetProperties:
		if m.Properties == nil {
			m.Properties = map[string]string{}
		}
		for k, v := range u.Updates {
			m.Properties[k] = v
		}

	case UpdRemoveProperties:
		for _, k := range u.Removals {
			delete(m.Properties, k)
		}

	case UpdSetStatistics:
		if u.Statistics == nil {
			return invalid(u.Type, "statistics file is required")
		}
		kept := m.Statistics[:0]
		for _, s := range m.Statistics {
			if s.SnapshotID != u.Statistics.SnapshotID {
				kept = append(kept, s)
			}
		}
		m.Statistics = append(kept, *u.Statistics)

	case UpdRemoveStatistics:
		if u.SnapshotID == nil {
			return invalid(u.Type, "snapshot-id is required")
		}
		kept := m.Statistics[:0]
		for _, s := range m.Statistics {
			if s.SnapshotID != *u.SnapshotID {
				kept = append(kept, s)
			}
		}
		m.Statistics = kept

	case UpdSetPartitionStats:
		if u.PartitionStats == nil {
			return invalid(u.Type, "partition-statistics file is required")
		}
		kept := m.PartitionStats[:0]
		for _, s := range m.PartitionStats {
			if s.SnapshotID != u.PartitionStats.SnapshotID {
				kept = append(kept, s)
			}
		}
		m.PartitionStats = append(kept, *u.PartitionStats)

	case UpdRemovePartitionStats:
		if u.SnapshotID == nil {
			return invalid(u.Type, "snapshot-id is required")
		}
		kept := m.PartitionStats[:0]
		for _, s := range m.PartitionStats {
			if s.SnapshotID != *u.SnapshotID {
				kept = append(kept, s)
			}
		}
		m.PartitionStats = kept

	default:
		return invalid(u.Type, "unknown update type")
	}
	return nil
}

// addSnapshot appends a snapshot, advancing the sequence number and, for V3
// tables, assigning the row-id range.
func (a *Applier) addSnapshot(u *Update) error {
	m := a.meta
	if u.Snapshot == nil {
		return invalid(u.Type, "snapshot is required")
	}
	snap := *u.Snapshot
	if m.SnapshotByID(snap.SnapshotID) != nil {
		return invalid(u.Type, "snapshot %d already exists", snap.SnapshotID)
	}
	if snap.SequenceNumber <= m.LastSequenceNumber && m.FormatVersion > 1 {
		return invalid(u.Type, "sequence number %d is not after %d", snap.SequenceNumber, m.LastSequenceNumber)
	}
	if snap.ParentSnapshotID != nil && m.SnapshotByID(*snap.ParentSnapshotID) == nil {
		return invalid(u.Type, "parent snapshot %d does not exist", *snap.ParentSnapshotID)
	}

	if m.FormatVersion >= 3 {
		if m.NextRowID == nil {
			var zero int64
			m.NextRowID = &zero
		}
		first := *m.NextRowID
		snap.FirstRowID = &first
		var assigned int64
		if snap.AssignedRows != nil {
			assigned = *snap.AssignedRows
		}
		next := first + assigned
		m.NextRowID = &next
	}

	m.Snapshots = append(m.Snapshots, &snap)
	m.LastSequenceNumber = snap.SequenceNumber
	return nil
}

// ViewApplier applies view updates.
type ViewApplier struct {
	meta *ViewMetadata

	lastAddedVersionID *int
	lastAddedSchemaID  *int
}

// NewViewApplier wraps meta for update application.
func NewViewApplier(meta *ViewMetadata) *ViewApplier {
	return &ViewApplier{meta: meta}
}

// Meta returns the (mutated) metadata.
func (a *ViewApplier) Meta() *ViewMetadata {
	return a.meta
}

// ApplyAll applies view updates in order.
func (a *ViewApplier) ApplyAll(updates []Update) error {
	for i := range updates {
		if err := a.Apply(&updates[i]); err != nil {
			return err
		}
	}
	return nil
}

// Apply applies a single view update. Views accept the shared property and
// location updates plus the view-version family.
func (a *ViewApplier) Apply(u *Update) error {
	m := a.meta
	switch u.Type {
	case UpdAssignUUID:
		if u.UUID == "" {
			return invalid(u.Type, "uuid is required")
		}
		m.ViewUUID = u.UUID

	case UpdSetLocation:
		if u.Location == "" {
			return invalid(u.Type, "location is required")
		}
		m.Location = u.Location

	case UpdSetProperties:
		if m.Properties == nil {
			m.Properties = map[string]string{}
		}
		for k, v := range u.Updates {
			m.Properties[k] = v
		}

	case UpdRemoveProperties:
		for _, k := range u.Removals {
			delete(m.Properties, k)
		}

	case UpdAddSchema:
		if u.Schema == nil {
			return invalid(u.Type, "schema is required")
		}
		m.Schemas = append(m.Schemas, u.Schema)
		id := u.Schema.SchemaID
		a.lastAddedSchemaID = &id

	case UpdAddViewVersion:
		if u.ViewVersion == nil {
			return invalid(u.Type, "view-version is required")
		}
		v := *u.ViewVersion
		for _, existing := range m.Versions {
			if existing.VersionID == v.VersionID {
				return invalid(u.Type, "version %d already exists", v.VersionID)
			}
		}
		if v.SchemaID == lastAdded {
			if a.lastAddedSchemaID == nil {
				return invalid(u.Type, "no schema was added in this commit")
			}
			v.SchemaID = *a.lastAddedSchemaID
		}
		if v.TimestampMs == 0 {
			v.TimestampMs = time.Now().UnixMilli()
		}
		m.Versions = append(m.Versions, &v)
		id := v.VersionID
		a.lastAddedVersionID = &id

	case UpdSetCurrentViewVersion:
		if u.ViewVersionID == nil {
			return invalid(u.Type, "view-version-id is required")
		}
		id := *u.ViewVersionID
		if id == lastAdded {
			if a.lastAddedVersionID == nil {
				return invalid(u.Type, "no view version was added in this commit")
			}
			id = *a.lastAddedVersionID
		}
		found := false
		for _, v := range m.Versions {
			if v.VersionID == id {
				found = true
				break
			}
		}
		if !found {
			return invalid(u.Type, "version %d does not exist", id)
		}
		m.CurrentVersionID = id
		m.VersionLog = append(m.VersionLog, ViewVersionLogEntry{
			VersionID:   id,
			TimestampMs: time.Now().UnixMilli(),
		})

	default:
		return invalid(u.Type, "unknown view update type")
	}
	return nil
}

// UnmarshalUpdates decodes a raw updates array.
func UnmarshalUpdates(raw []json.RawMessage) ([]Update, error) {
	out := make([]Update, 0, len(raw))
	for _, r := range raw {
		var upd Update
		if err := json.Unmarshal(r, &upd); err != nil {
			return nil, fmt.Errorf("invalid update: %w", err)
		}
		out = append(out, upd)
	}
	return out, nil
}

// Clone deep-copies table metadata via JSON round-trip. Commit application
// always works on a clone so a failed requirement leaves the original intact.
func (m *TableMetadata) Clone() (*TableMetadata, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out TableMetadata
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Clone deep-copies view metadata.
func (m *ViewMetadata) Clone() (*ViewMetadata, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out ViewMetadata
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
