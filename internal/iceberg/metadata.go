package iceberg

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TableMetadata is the metadata document for an Iceberg table.
type TableMetadata struct {
	FormatVersion      int                       `json:"format-version"`
	TableUUID          string                    `json:"table-uuid"`
	Location           string                    `json:"location"`
	LastSequenceNumber int64                     `json:"last-sequence-number"`
	LastUpdatedMs      int64                     `json:"last-updated-ms"`
	LastColumnID       int                       `json:"last-column-id"`
	Schemas            []*Schema                 `json:"schemas"`
	CurrentSchemaID    int                       `json:"current-schema-id"`
	PartitionSpecs     []*PartitionSpec          `json:"partition-specs"`
	DefaultSpecID      int                       `json:"default-spec-id"`
	LastPartitionID    int                       `json:"last-partition-id"`
	Properties         map[string]string         `json:"properties,omitempty"`
	CurrentSnapshotID  *int64                    `json:"current-snapshot-id,omitempty"`
	Snapshots          []*Snapshot               `json:"snapshots,omitempty"`
	SnapshotLog        []SnapshotLogEntry        `json:"snapshot-log,omitempty"`
	MetadataLog        []MetadataLogEntry        `json:"metadata-log,omitempty"`
	SortOrders         []*SortOrder              `json:"sort-orders"`
	DefaultSortOrderID int                       `json:"default-sort-order-id"`
	Refs               map[string]SnapshotRef    `json:"refs,omitempty"`
	Statistics         []StatisticsFile          `json:"statistics,omitempty"`
	PartitionStats     []PartitionStatisticsFile `json:"partition-statistics,omitempty"`
	// V3 row lineage: the first row id to assign to the next snapshot.
	NextRowID *int64 `json:"next-row-id,omitempty"`
}

// ViewMetadata is the metadata document for an Iceberg view.
type ViewMetadata struct {
	ViewUUID         string                `json:"view-uuid"`
	FormatVersion    int                   `json:"format-version"`
	Location         string                `json:"location"`
	CurrentVersionID int                   `json:"current-version-id"`
	Versions         []*ViewVersion        `json:"versions"`
	VersionLog       []ViewVersionLogEntry `json:"version-log"`
	Schemas          []*Schema             `json:"schemas"`
	Properties       map[string]string     `json:"properties,omitempty"`
}

// NewTableMetadata initializes metadata for a freshly created table.
func NewTableMetadata(location string, schema *Schema, spec *PartitionSpec, order *SortOrder, properties map[string]string) *TableMetadata {
	if schema == nil {
		schema = &Schema{Type: "struct", SchemaID: 0}
	}
	if spec == nil {
		spec = &PartitionSpec{SpecID: 0}
	}
	if order == nil {
		order = &SortOrder{OrderID: 0}
	}
	if properties == nil {
		properties = map[string]string{}
	}
	return &TableMetadata{
		FormatVersion:      DefaultFormatVersion,
		TableUUID:          uuid.New().String(),
		Location:           location,
		LastUpdatedMs:      time.Now().UnixMilli(),
		Schemas:            []*Schema{schema},
		CurrentSchemaID:    schema.SchemaID,
		PartitionSpecs:     []*PartitionSpec{spec},
		DefaultSpecID:      spec.SpecID,
		SortOrders:         []*SortOrder{order},
		DefaultSortOrderID: order.OrderID,
		Properties:         properties,
		Refs:               map[string]SnapshotRef{},
	}
}

// NewViewMetadata initializes metadata for a freshly created view.
func NewViewMetadata(location string, schema *Schema, version *ViewVersion, properties map[string]string) *ViewMetadata {
	if properties == nil {
		properties = map[string]string{}
	}
	version.VersionID = 1
	version.SchemaID = schema.SchemaID
	version.TimestampMs = time.Now().UnixMilli()
	return &ViewMetadata{
		ViewUUID:         uuid.New().String(),
		FormatVersion:    1,
		Location:         location,
		CurrentVersionID: version.VersionID,
		Versions:         []*ViewVersion{version},
		VersionLog: []ViewVersionLogEntry{{
			VersionID:   version.VersionID,
			TimestampMs: version.TimestampMs,
		}},
		Schemas:    []*Schema{schema},
		Properties: properties,
	}
}

// SchemaByID looks up a schema by id.
func (m *TableMetadata) SchemaByID(id int) *Schema {
	for _, s := range m.Schemas {
		if s.SchemaID == id {
			return s
		}
	}
	return nil
}

// SnapshotByID looks up a snapshot by id.
func (m *TableMetadata) SnapshotByID(id int64) *Snapshot {
	for _, s := range m.Snapshots {
		if s.SnapshotID == id {
			return s
		}
	}
	return nil
}

// SpecByID looks up a partition spec by id.
func (m *TableMetadata) SpecByID(id int) *PartitionSpec {
	for _, s := range m.PartitionSpecs {
		if s.SpecID == id {
			return s
		}
	}
	return nil
}

// SortOrderByID looks up a sort order by id.
func (m *TableMetadata) SortOrderByID(id int) *SortOrder {
	for _, s := range m.SortOrders {
		if s.OrderID == id {
			return s
		}
	}
	return nil
}

// CurrentSnapshot returns the current snapshot, or nil for an empty table.
func (m *TableMetadata) CurrentSnapshot() *Snapshot {
	if m.CurrentSnapshotID == nil {
		return nil
	}
	return m.SnapshotByID(*m.CurrentSnapshotID)
}

// Ref returns the named snapshot reference.
func (m *TableMetadata) Ref(name string) (SnapshotRef, bool) {
	ref, ok := m.Refs[name]
	return ref, ok
}

// HighestFieldID returns the last assigned column id (LastColumnID); it does
// not scan the schemas or snapshots.
func (m *TableMetadata) HighestFieldID() int {
	return m.LastColumnID
}

// CurrentVersion returns the view's current version.
func (m *ViewMetadata) CurrentVersion() *ViewVersion {
	for _, v := range m.Versions {
		if v.VersionID == m.CurrentVersionID {
			return v
		}
	}
	return nil
}

// ETag computes the opaque entity tag for a metadata location. Clients echo
// it via If-None-Match to short-circuit unchanged loads.
func ETag(metadataLocation string) string {
	sum := sha256.Sum256([]byte(metadataLocation))
	return fmt.Sprintf("%q", hex.EncodeToString(sum[:16]))
}

// MetadataFileName produces the object name for a new metadata document. The
// server-generated suffix guarantees retries never clobber a landed PUT.
func MetadataFileName(version int64) string {
	return fmt.Sprintf("%05d-%s.metadata.json", version, uuid.New().String())
}
