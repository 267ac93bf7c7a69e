package tabular

import (
	"testing"

	"github.com/lakekeeper/lakekeeper-go/internal/iceberg"
)

func TestPathOverlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{name: "equal", a: "b/p/t1", b: "b/p/t1", want: true},
		{name: "ancestor", a: "b/p", b: "b/p/t1", want: true},
		{name: "descendant", a: "b/p/t1/data", b: "b/p/t1", want: true},
		{name: "siblings", a: "b/p/t1", b: "b/p/t2", want: false},
		{name: "string prefix is not a path prefix", a: "b/p/t1", b: "b/p/t10", want: false},
		{name: "different buckets", a: "b1/p", b: "b2/p", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pathOverlaps(tt.a, tt.b); got != tt.want {
				t.Errorf("pathOverlaps(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSortByIdentIsDeterministic(t *testing.T) {
	changes := []*CommitParams{
		{Ident: iceberg.TableIdent{Namespace: []string{"ns"}, Name: "b"}},
		{Ident: iceberg.TableIdent{Namespace: []string{"ns"}, Name: "a"}},
		{Ident: iceberg.TableIdent{Namespace: []string{"aa", "bb"}, Name: "z"}},
	}
	sortByIdent(changes)

	got := []string{}
	for _, c := range changes {
		got = append(got, identKey(c.Ident))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] > got[i] {
			t.Errorf("changes not sorted at %d: %q > %q", i, got[i-1], got[i])
		}
	}
	if changes[0].Ident.Name != "z" {
		t.Errorf("namespace ordering must dominate: got %v first", changes[0].Ident)
	}
}
