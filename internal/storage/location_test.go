package storage

import (
	"testing"

	"github.com/google/uuid"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantString  string
		wantKey     string
		expectError bool
	}{
		{name: "s3 with prefix", raw: "s3://bucket/a/b", wantString: "s3://bucket/a/b", wantKey: "a/b"},
		{name: "trailing slash normalizes", raw: "s3://bucket/a/b/", wantString: "s3://bucket/a/b", wantKey: "a/b"},
		{name: "bucket only", raw: "gs://bucket", wantString: "gs://bucket", wantKey: ""},
		{name: "no scheme", raw: "bucket/a/b", expectError: true},
		{name: "empty", raw: "", expectError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := ParseLocation(tt.raw)
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error for %q", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if loc.String() != tt.wantString {
				t.Errorf("String() = %q, want %q", loc.String(), tt.wantString)
			}
			if loc.Key() != tt.wantKey {
				t.Errorf("Key() = %q, want %q", loc.Key(), tt.wantKey)
			}
		})
	}
}

func TestLocationContainment(t *testing.T) {
	mustParse := func(raw string) *Location {
		loc, err := ParseLocation(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		return loc
	}

	base := mustParse("s3://bucket/warehouse")
	child := mustParse("s3://bucket/warehouse/t1")
	sibling := mustParse("s3://bucket/warehouse2")
	lookalike := mustParse("s3://bucket/warehousex/t1")

	if !base.Contains(child) {
		t.Error("base must contain its child")
	}
	if !child.IsSubPathOf(base) {
		t.Error("child must be a strict sub-path of base")
	}
	if base.IsSubPathOf(base) {
		t.Error("a location is not a strict sub-path of itself")
	}
	if base.Contains(sibling) {
		t.Error("sibling must not be contained")
	}
	if base.Contains(lookalike) {
		t.Error("containment is segment-wise, not string-prefix")
	}
	if !child.Overlaps(base) || !base.Overlaps(child) {
		t.Error("ancestor and descendant overlap")
	}
	if child.Overlaps(mustParse("s3://bucket/warehouse/t2")) {
		t.Error("siblings do not overlap")
	}
}

func TestProfileBaseLocationAndTabularLayout(t *testing.T) {
	profile := &Profile{Type: TypeS3, S3: &S3Profile{
		Bucket:    "b",
		KeyPrefix: "p/",
		Region:    "eu-central-1",
	}}
	base, err := profile.BaseLocation()
	if err != nil {
		t.Fatal(err)
	}
	if base.String() != "s3://b/p" {
		t.Errorf("base = %s", base.String())
	}
	tabularID := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	tl, err := profile.TabularLocation(tabularID)
	if err != nil {
		t.Fatal(err)
	}
	if tl.String() != "s3://b/p/11111111-2222-3333-4444-555555555555" {
		t.Errorf("tabular location = %s", tl.String())
	}

	adls := &Profile{Type: TypeADLS, ADLS: &ADLSProfile{
		AccountName: "acct",
		Filesystem:  "fs",
		KeyPrefix:   "warehouse",
	}}
	base, err = adls.BaseLocation()
	if err != nil {
		t.Fatal(err)
	}
	if base.String() != "abfss://fs@acct.dfs.core.windows.net/warehouse" {
		t.Errorf("adls base = %s", base.String())
	}
}
