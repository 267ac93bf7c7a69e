package iceberg

import (
	"testing"
)

func ptrInt64(v int64) *int64 { return &v }
func ptrInt(v int) *int       { return &v }

func testMetadata() *TableMetadata {
	meta := NewTableMetadata("s3://bucket/prefix/t1", &Schema{Type: "struct", SchemaID: 0}, nil, nil, nil)
	meta.TableUUID = "11111111-2222-3333-4444-555555555555"
	meta.LastColumnID = 3
	snap := &Snapshot{
		SnapshotID:     100,
		SequenceNumber: 1,
		TimestampMs:    1700000000000,
		ManifestList:   "s3://bucket/prefix/t1/metadata/snap-100.avro",
	}
	meta.Snapshots = []*Snapshot{snap}
	meta.LastSequenceNumber = 1
	meta.Refs[MainBranch] = SnapshotRef{SnapshotID: 100, Type: "branch"}
	id := int64(100)
	meta.CurrentSnapshotID = &id
	return meta
}

func TestRequirementCheck(t *testing.T) {
	meta := testMetadata()

	tests := []struct {
		name        string
		req         Requirement
		meta        *TableMetadata
		expectError bool
	}{
		{
			name:        "assert-create on existing table fails",
			req:         Requirement{Type: ReqAssertCreate},
			meta:        meta,
			expectError: true,
		},
		{
			name:        "assert-create on missing table passes",
			req:         Requirement{Type: ReqAssertCreate},
			meta:        nil,
			expectError: false,
		},
		{
			name:        "any other requirement on missing table fails",
			req:         Requirement{Type: ReqAssertCurrentSchemaID, CurrentSchemaID: ptrInt(0)},
			meta:        nil,
			expectError: true,
		},
		{
			name:        "table uuid matches",
			req:         Requirement{Type: ReqAssertTableUUID, UUID: "11111111-2222-3333-4444-555555555555"},
			meta:        meta,
			expectError: false,
		},
		{
			name:        "table uuid mismatch",
			req:         Requirement{Type: ReqAssertTableUUID, UUID: "99999999-0000-0000-0000-000000000000"},
			meta:        meta,
			expectError: true,
		},
		{
			name:        "ref snapshot id matches",
			req:         Requirement{Type: ReqAssertRefSnapshotID, Ref: "main", SnapshotID: ptrInt64(100)},
			meta:        meta,
			expectError: false,
		},
		{
			name:        "ref snapshot id stale",
			req:         Requirement{Type: ReqAssertRefSnapshotID, Ref: "main", SnapshotID: ptrInt64(99)},
			meta:        meta,
			expectError: true,
		},
		{
			name:        "ref must not exist but does",
			req:         Requirement{Type: ReqAssertRefSnapshotID, Ref: "main"},
			meta:        meta,
			expectError: true,
		},
		{
			name:        "missing ref with nil snapshot id passes",
			req:         Requirement{Type: ReqAssertRefSnapshotID, Ref: "feature"},
			meta:        meta,
			expectError: false,
		},
		{
			name:        "current schema id matches",
			req:         Requirement{Type: ReqAssertCurrentSchemaID, CurrentSchemaID: ptrInt(0)},
			meta:        meta,
			expectError: false,
		},
		{
			name:        "last assigned field id mismatch",
			req:         Requirement{Type: ReqAssertLastAssignedFieldID, LastAssignedID: ptrInt(7)},
			meta:        meta,
			expectError: true,
		},
		{
			name:        "default spec id matches",
			req:         Requirement{Type: ReqAssertDefaultSpecID, DefaultSpecID: ptrInt(0)},
			meta:        meta,
			expectError: false,
		},
		{
			name:        "unknown requirement type",
			req:         Requirement{Type: "assert-bogus"},
			meta:        meta,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Check(tt.meta)
			if tt.expectError && err == nil {
				t.Errorf("expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestCheckAllStopsAtFirstFailure(t *testing.T) {
	meta := testMetadata()
	reqs := []Requirement{
		{Type: ReqAssertCurrentSchemaID, CurrentSchemaID: ptrInt(0)},
		{Type: ReqAssertRefSnapshotID, Ref: "main", SnapshotID: ptrInt64(1)},
	}
	err := CheckAll(reqs, meta)
	if err == nil {
		t.Fatal("expected requirement failure")
	}
	reqErr, ok := err.(*RequirementError)
	if !ok {
		t.Fatalf("expected *RequirementError, got %T", err)
	}
	if reqErr.Requirement != ReqAssertRefSnapshotID {
		t.Errorf("failed requirement = %s, want %s", reqErr.Requirement, ReqAssertRefSnapshotID)
	}
}
