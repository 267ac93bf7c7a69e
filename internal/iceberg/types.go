// Package iceberg models the Iceberg table and view metadata documents the
// catalog owns. Schemas, partition specs and sort orders are carried as
// structured-but-opaque JSON: the catalog tracks their ids and the scalar
// counters, and round-trips the rest untouched.
package iceberg

import "encoding/json"

const (
	// MainBranch is the default snapshot reference.
	MainBranch = "main"

	// DefaultFormatVersion for newly created tables.
	DefaultFormatVersion = 2

	// MaxFormatVersion the catalog understands.
	MaxFormatVersion = 3
)

// TableIdent identifies a table or view within a warehouse.
type TableIdent struct {
	Namespace []string `json:"namespace"`
	Name      string   `json:"name"`
}

// Schema is an Iceberg schema. Fields are opaque to the catalog.
type Schema struct {
	Type               string            `json:"type"`
	SchemaID           int               `json:"schema-id"`
	IdentifierFieldIDs []int             `json:"identifier-field-ids,omitempty"`
	Fields             []json.RawMessage `json:"fields"`
}

// PartitionSpec is an Iceberg partition spec. Field definitions are opaque.
type PartitionSpec struct {
	SpecID int               `json:"spec-id"`
	Fields []json.RawMessage `json:"fields"`
}

// SortOrder is an Iceberg sort order. Field definitions are opaque.
type SortOrder struct {
	OrderID int               `json:"order-id"`
	Fields  []json.RawMessage `json:"fields"`
}

// Snapshot is one entry in a table's snapshot lineage. The lineage forms a
// DAG keyed by snapshot id; walks go through the id index on TableMetadata,
// never through pointers.
type Snapshot struct {
	SnapshotID       int64             `json:"snapshot-id"`
	ParentSnapshotID *int64            `json:"parent-snapshot-id,omitempty"`
	SequenceNumber   int64             `json:"sequence-number"`
	TimestampMs      int64             `json:"timestamp-ms"`
	ManifestList     string            `json:"manifest-list"`
	Summary          map[string]string `json:"summary,omitempty"`
	SchemaID         *int              `json:"schema-id,omitempty"`
	// V3 row lineage.
	FirstRowID   *int64 `json:"first-row-id,omitempty"`
	AssignedRows *int64 `json:"assigned-rows,omitempty"`
}

// SnapshotRef is a named branch or tag.
type SnapshotRef struct {
	SnapshotID         int64  `json:"snapshot-id"`
	Type               string `json:"type"` // branch | tag
	MinSnapshotsToKeep *int   `json:"min-snapshots-to-keep,omitempty"`
	MaxSnapshotAgeMs   *int64 `json:"max-snapshot-age-ms,omitempty"`
	MaxRefAgeMs        *int64 `json:"max-ref-age-ms,omitempty"`
}

// SnapshotLogEntry records when a snapshot became current.
type SnapshotLogEntry struct {
	SnapshotID  int64 `json:"snapshot-id"`
	TimestampMs int64 `json:"timestamp-ms"`
}

// MetadataLogEntry records a previous metadata file location.
type MetadataLogEntry struct {
	MetadataFile string `json:"metadata-file"`
	TimestampMs  int64  `json:"timestamp-ms"`
}

// StatisticsFile references a Puffin statistics file for a snapshot.
type StatisticsFile struct {
	SnapshotID            int64             `json:"snapshot-id"`
	StatisticsPath        string            `json:"statistics-path"`
	FileSizeInBytes       int64             `json:"file-size-in-bytes"`
	FileFooterSizeInBytes int64             `json:"file-footer-size-in-bytes,omitempty"`
	BlobMetadata          []json.RawMessage `json:"blob-metadata,omitempty"`
}

// PartitionStatisticsFile references a partition statistics file.
type PartitionStatisticsFile struct {
	SnapshotID      int64  `json:"snapshot-id"`
	StatisticsPath  string `json:"statistics-path"`
	FileSizeInBytes int64  `json:"file-size-in-bytes"`
}

// ViewVersion is one version of a view definition.
type ViewVersion struct {
	VersionID        int                  `json:"version-id"`
	SchemaID         int                  `json:"schema-id"`
	TimestampMs      int64                `json:"timestamp-ms"`
	Summary          map[string]string    `json:"summary"`
	Representations  []ViewRepresentation `json:"representations"`
	DefaultCatalog   *string              `json:"default-catalog,omitempty"`
	DefaultNamespace []string             `json:"default-namespace"`
}

// ViewRepresentation is a single dialect rendering of a view.
type ViewRepresentation struct {
	Type    string `json:"type"` // sql
	SQL     string `json:"sql"`
	Dialect string `json:"dialect"`
}

// ViewVersionLogEntry records when a view version became current.
type ViewVersionLogEntry struct {
	VersionID   int   `json:"version-id"`
	TimestampMs int64 `json:"timestamp-ms"`
}
