package iceberg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplySetAndRemoveProperties(t *testing.T) {
	meta := testMetadata()
	applier := NewApplier(meta)

	err := applier.ApplyAll([]Update{
		{Type: UpdSetProperties, Updates: map[string]string{"owner": "analytics", "ttl": "30d"}},
		{Type: UpdRemoveProperties, Removals: []string{"ttl", "never-set"}},
	})
	require.NoError(t, err)
	require.Equal(t, "analytics", meta.Properties["owner"])
	_, ok := meta.Properties["ttl"]
	require.False(t, ok)
}

func TestApplyAddSchemaAndSetCurrent(t *testing.T) {
	meta := testMetadata()
	applier := NewApplier(meta)

	newSchema := &Schema{Type: "struct", SchemaID: 1}
	last := 5
	sentinel := -1
	err := applier.ApplyAll([]Update{
		{Type: UpdAddSchema, Schema: newSchema, LastColumnID: &last},
		{Type: UpdSetCurrentSchema, SchemaID: &sentinel},
	})
	require.NoError(t, err)
	require.Equal(t, 1, meta.CurrentSchemaID)
	require.Equal(t, 5, meta.LastColumnID)
}

func TestSetCurrentSchemaWithoutAddFails(t *testing.T) {
	meta := testMetadata()
	sentinel := -1
	err := NewApplier(meta).Apply(&Update{Type: UpdSetCurrentSchema, SchemaID: &sentinel})
	require.Error(t, err)
}

func TestAddSnapshotAdvancesSequence(t *testing.T) {
	meta := testMetadata()
	parent := int64(100)
	snap := &Snapshot{
		SnapshotID:       101,
		ParentSnapshotID: &parent,
		SequenceNumber:   2,
		TimestampMs:      1700000001000,
		ManifestList:     "s3://bucket/prefix/t1/metadata/snap-101.avro",
	}
	applier := NewApplier(meta)
	sid := int64(101)
	err := applier.ApplyAll([]Update{
		{Type: UpdAddSnapshot, Snapshot: snap},
		{Type: UpdSetSnapshotRef, RefName: MainBranch, SnapshotID: &sid, RefType: "branch"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), meta.LastSequenceNumber)
	require.NotNil(t, meta.CurrentSnapshotID)
	require.Equal(t, int64(101), *meta.CurrentSnapshotID)
	require.Equal(t, int64(101), meta.Refs[MainBranch].SnapshotID)
}

func TestAddSnapshotRejectsStaleSequence(t *testing.T) {
	meta := testMetadata()
	snap := &Snapshot{SnapshotID: 101, SequenceNumber: 1, ManifestList: "x"}
	err := NewApplier(meta).Apply(&Update{Type: UpdAddSnapshot, Snapshot: snap})
	require.Error(t, err)
}

func TestRemoveSnapshotsKeepsReferenced(t *testing.T) {
	meta := testMetadata()
	err := NewApplier(meta).Apply(&Update{Type: UpdRemoveSnapshots, SnapshotIDs: []int64{100}})
	require.Error(t, err, "snapshot 100 is referenced by main")
}

func TestFormatVersionUpgradeEnablesRowLineage(t *testing.T) {
	meta := testMetadata()
	v3 := 3
	applier := NewApplier(meta)
	require.NoError(t, applier.Apply(&Update{Type: UpdUpgradeFormatVersion, FormatVersion: &v3}))
	require.NotNil(t, meta.NextRowID)

	rows := int64(500)
	parent := int64(100)
	snap := &Snapshot{
		SnapshotID:       102,
		ParentSnapshotID: &parent,
		SequenceNumber:   2,
		ManifestList:     "x",
		AssignedRows:     &rows,
	}
	require.NoError(t, applier.Apply(&Update{Type: UpdAddSnapshot, Snapshot: snap}))

	stored := meta.SnapshotByID(102)
	require.NotNil(t, stored.FirstRowID)
	require.Equal(t, int64(0), *stored.FirstRowID)
	require.Equal(t, int64(500), *meta.NextRowID)

	v2 := 2
	require.Error(t, applier.Apply(&Update{Type: UpdUpgradeFormatVersion, FormatVersion: &v2}),
		"format version cannot downgrade")
}

func TestCloneIsolation(t *testing.T) {
	meta := testMetadata()
	clone, err := meta.Clone()
	require.NoError(t, err)

	require.NoError(t, NewApplier(clone).Apply(&Update{
		Type: UpdSetProperties, Updates: map[string]string{"k": "v"},
	}))
	_, ok := meta.Properties["k"]
	require.False(t, ok, "mutating the clone must not touch the original")
}

func TestViewVersionLifecycle(t *testing.T) {
	schema := &Schema{Type: "struct", SchemaID: 0}
	version := &ViewVersion{
		Summary:          map[string]string{"engine-name": "trino"},
		DefaultNamespace: []string{"ns"},
		Representations: []ViewRepresentation{
			{Type: "sql", SQL: "SELECT 1", Dialect: "trino"},
		},
	}
	meta := NewViewMetadata("s3://bucket/prefix/v1", schema, version, nil)
	require.Equal(t, 1, meta.CurrentVersionID)

	applier := NewViewApplier(meta)
	sentinel := -1
	err := applier.ApplyAll([]Update{
		{Type: UpdAddViewVersion, ViewVersion: &ViewVersion{
			VersionID:        2,
			SchemaID:         0,
			DefaultNamespace: []string{"ns"},
			Summary:          map[string]string{},
			Representations: []ViewRepresentation{
				{Type: "sql", SQL: "SELECT 2", Dialect: "trino"},
			},
		}},
		{Type: UpdSetCurrentViewVersion, ViewVersionID: &sentinel},
	})
	require.NoError(t, err)
	require.Equal(t, 2, meta.CurrentVersionID)
	require.Len(t, meta.VersionLog, 2)
	require.Equal(t, "SELECT 2", meta.CurrentVersion().Representations[0].SQL)
}

func TestETagStability(t *testing.T) {
	a := ETag("s3://b/p/t/metadata/00001-x.metadata.json")
	b := ETag("s3://b/p/t/metadata/00001-x.metadata.json")
	c := ETag("s3://b/p/t/metadata/00002-y.metadata.json")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
