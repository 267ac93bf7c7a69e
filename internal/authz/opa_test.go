package authz

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

const testPolicy = `package lakekeeper

import rego.v1

default decision := "cannot_see"

decision := "allow" if {
	input.actor.kind == "principal"
	input.actor["user-id"] == "alice"
}

decision := "deny" if {
	input.actor.kind == "principal"
	input.actor["user-id"] == "bob"
	input.entity.kind == "table"
}

decision := "allow" if {
	some role in input.entity.roles
	role == input.actor["role-id"]
}
`

func newTestPolicy(t *testing.T) *Policy {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.rego"), []byte(testPolicy), 0o644))

	p, err := NewPolicy(PolicyConfig{
		PolicyPath:           dir,
		PollInterval:         time.Hour,
		RolePropertyPrefixes: []string{"access.role."},
	}, logger.New("authz-test", "test"))
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestPolicyDecisions(t *testing.T) {
	p := newTestPolicy(t)
	table := Entity{Kind: EntityTable, ID: "t1"}

	decisions, err := p.BatchCheck(context.Background(), Principal("alice"), []CheckItem{
		{Operation: "table.select", Entity: table},
	})
	require.NoError(t, err)
	require.Equal(t, []Decision{DecisionAllow}, decisions)

	decisions, err = p.BatchCheck(context.Background(), Principal("bob"), []CheckItem{
		{Operation: "table.select", Entity: table},
	})
	require.NoError(t, err)
	require.Equal(t, []Decision{DecisionDeny}, decisions)

	decisions, err = p.BatchCheck(context.Background(), Principal("mallory"), []CheckItem{
		{Operation: "table.select", Entity: table},
	})
	require.NoError(t, err)
	require.Equal(t, []Decision{DecisionCannotSee}, decisions)
}

func TestPolicyPropertyRoleABAC(t *testing.T) {
	p := newTestPolicy(t)
	table := Entity{
		Kind: EntityTable,
		ID:   "t1",
		Properties: map[string]string{
			"access.role.readers": "analyst, steward",
			"comment":             "unrelated",
		},
	}

	decisions, err := p.BatchCheck(context.Background(), AssumedRole("carol", "analyst"), []CheckItem{
		{Operation: "table.select", Entity: table},
	})
	require.NoError(t, err)
	require.Equal(t, []Decision{DecisionAllow}, decisions)

	decisions, err = p.BatchCheck(context.Background(), AssumedRole("carol", "intern"), []CheckItem{
		{Operation: "table.select", Entity: table},
	})
	require.NoError(t, err)
	require.Equal(t, []Decision{DecisionCannotSee}, decisions)
}

func TestParsePrefixedRefs(t *testing.T) {
	props := map[string]string{
		"access.role.readers": "a, b",
		"access.role.writers": "b,c",
		"other":               "d",
	}
	refs := parsePrefixedRefs(props, []string{"access.role."})
	require.ElementsMatch(t, []string{"a", "b", "c"}, refs)
	require.Empty(t, parsePrefixedRefs(props, nil))
}

func TestAllowAllDeniesAnonymous(t *testing.T) {
	a := NewAllowAll()
	decisions, err := a.BatchCheck(context.Background(), Anonymous(), []CheckItem{
		{Operation: "warehouse.describe", Entity: Entity{Kind: EntityWarehouse, ID: "w"}},
	})
	require.NoError(t, err)
	require.Equal(t, []Decision{DecisionCannotSee}, decisions)

	decisions, err = a.BatchCheck(context.Background(), Principal("u"), []CheckItem{
		{Operation: "warehouse.describe", Entity: Entity{Kind: EntityWarehouse, ID: "w"}},
		{Operation: "table.commit", Entity: Entity{Kind: EntityTable, ID: "t"}},
	})
	require.NoError(t, err)
	require.Equal(t, []Decision{DecisionAllow, DecisionAllow}, decisions)
}
