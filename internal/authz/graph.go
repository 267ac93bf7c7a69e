package authz

import (
	"context"
	"fmt"
	"strings"

	"github.com/lakekeeper/lakekeeper-go/pkg/database"
	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// Relation names stored in the graph.
const (
	RelOwnership    = "ownership"
	RelAdmin        = "admin"
	RelModify       = "modify"
	RelSelect       = "select"
	RelDescribe     = "describe"
	RelCreate       = "create"
	RelManageGrants = "manage_grants"
	RelAssignee     = "assignee"
)

// operationRelations maps an action to the relations that satisfy it, on the
// entity itself or any ancestor. Order is irrelevant; the check is
// existential.
var operationRelations = map[string][]string{
	"server.admin":                      {RelAdmin},
	"project.describe":                  {RelDescribe, RelSelect, RelModify, RelCreate, RelAdmin, RelOwnership},
	"project.modify":                    {RelAdmin, RelOwnership},
	"project.create_warehouse":          {RelCreate, RelAdmin, RelOwnership},
	"warehouse.describe":                {RelDescribe, RelSelect, RelModify, RelCreate, RelAdmin, RelOwnership},
	"warehouse.modify":                  {RelModify, RelAdmin, RelOwnership},
	"warehouse.delete":                  {RelAdmin, RelOwnership},
	"warehouse.create_namespace":        {RelCreate, RelAdmin, RelOwnership},
	"warehouse.introspect_permissions":  {RelManageGrants, RelAdmin, RelOwnership},
	"namespace.describe":                {RelDescribe, RelSelect, RelModify, RelCreate, RelAdmin, RelOwnership},
	"namespace.modify":                  {RelModify, RelAdmin, RelOwnership},
	"namespace.delete":                  {RelModify, RelAdmin, RelOwnership},
	"namespace.create_child":            {RelCreate, RelAdmin, RelOwnership},
	"namespace.create_table":            {RelCreate, RelAdmin, RelOwnership},
	"namespace.create_view":             {RelCreate, RelAdmin, RelOwnership},
	"namespace.manage_grants":           {RelManageGrants, RelAdmin, RelOwnership},
	"table.describe":                    {RelDescribe, RelSelect, RelModify, RelAdmin, RelOwnership},
	"table.select":                      {RelSelect, RelModify, RelAdmin, RelOwnership},
	"table.commit":                      {RelModify, RelAdmin, RelOwnership},
	"table.rename":                      {RelModify, RelAdmin, RelOwnership},
	"table.drop":                        {RelModify, RelAdmin, RelOwnership},
	"table.undrop":                      {RelModify, RelAdmin, RelOwnership},
	"table.get_credentials":             {RelSelect, RelModify, RelAdmin, RelOwnership},
	"table.sign_requests":               {RelSelect, RelModify, RelAdmin, RelOwnership},
	"view.describe":                     {RelDescribe, RelSelect, RelModify, RelAdmin, RelOwnership},
	"view.commit":                       {RelModify, RelAdmin, RelOwnership},
	"view.rename":                       {RelModify, RelAdmin, RelOwnership},
	"view.drop":                         {RelModify, RelAdmin, RelOwnership},
	"role.describe":                     {RelDescribe, RelAdmin, RelOwnership, RelAssignee},
	"role.modify":                       {RelAdmin, RelOwnership},
	"role.delete":                       {RelAdmin, RelOwnership},
	"role.assume":                       {RelAssignee, RelOwnership},
	"role.manage_grants":                {RelManageGrants, RelAdmin, RelOwnership},
}

// Graph is the relationship-graph backend: typed relation tuples in the
// catalog database, checked through recursive role expansion.
type Graph struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

func NewGraph(db *database.PostgreSQL, log *logger.Logger) *Graph {
	return &Graph{db: db, logger: log}
}

// actorRolesCTE expands the set of role ids reachable from the actor through
// assignee edges, cycles tolerated by the UNION-distinct semantics.
const actorRolesCTE = `
WITH RECURSIVE actor_roles(role_id) AS (
    SELECT entity_id FROM authz_relations
    WHERE actor_type = 'user' AND actor_id = $1
      AND relation = 'assignee' AND entity_type = 'role'
    UNION
    SELECT r.entity_id FROM authz_relations r
    JOIN actor_roles ar ON r.actor_type = 'role' AND r.actor_id = ar.role_id
    WHERE r.relation = 'assignee' AND r.entity_type = 'role'
)
`

func (g *Graph) BatchCheck(ctx context.Context, actor Actor, items []CheckItem) ([]Decision, error) {
	decisions := make([]Decision, len(items))
	for i, item := range items {
		d, err := g.check(ctx, actor, item)
		if err != nil {
			g.logger.Errorf("Graph check failed for %s on %s: %v", item.Operation, item.Entity, err)
			decisions[i] = DecisionInternalError
			continue
		}
		decisions[i] = d
	}
	return decisions, nil
}

func (g *Graph) check(ctx context.Context, actor Actor, item CheckItem) (Decision, error) {
	if actor.Kind == ActorInternal {
		return DecisionAllow, nil
	}
	if actor.Kind == ActorAnonymous {
		return DecisionCannotSee, nil
	}

	relations, ok := operationRelations[item.Operation]
	if !ok {
		return DecisionInvalid, nil
	}

	entities := append([]Entity{item.Entity}, item.Entity.Ancestors...)

	// manage_grants does not inherit past a managed-access boundary.
	if strings.HasSuffix(item.Operation, ".manage_grants") {
		entities = g.truncateAtManagedBoundary(ctx, entities)
	}

	granted, err := g.hasAnyRelation(ctx, actor, entities, relations)
	if err != nil {
		return DecisionInternalError, err
	}
	if granted {
		return DecisionAllow, nil
	}

	// Distinguish "forbidden but visible" from "cannot see at all": any
	// relation anywhere on the chain makes the entity visible.
	visible, err := g.hasAnyRelation(ctx, actor, entities, nil)
	if err != nil {
		return DecisionInternalError, err
	}
	if visible {
		return DecisionDeny, nil
	}
	return DecisionCannotSee, nil
}

// hasAnyRelation reports whether the actor (directly or through reachable
// roles) holds one of the relations on one of the entities. A nil relations
// slice matches any relation.
func (g *Graph) hasAnyRelation(ctx context.Context, actor Actor, entities []Entity, relations []string) (bool, error) {
	entityKeys := make([]string, 0, len(entities))
	for _, e := range entities {
		entityKeys = append(entityKeys, string(e.Kind)+"|"+e.ID)
	}

	var roleFilter string
	args := []interface{}{actor.UserID, entityKeys}
	if len(relations) > 0 {
		args = append(args, relations)
		roleFilter = "AND r.relation = ANY($3)"
	}

	query := actorRolesCTE + `
SELECT EXISTS (
    SELECT 1 FROM authz_relations r
    WHERE (r.entity_type || '|' || r.entity_id) = ANY($2)
      ` + roleFilter + `
      AND (
           (r.actor_type = 'user' AND r.actor_id = $1)
        OR (r.actor_type = 'role' AND r.actor_id IN (SELECT role_id FROM actor_roles))
      )
)`

	var exists bool
	if err := g.db.ReadPool().QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// truncateAtManagedBoundary cuts the ancestor chain at the first entity with
// managed access enabled (the boundary itself stays included).
func (g *Graph) truncateAtManagedBoundary(ctx context.Context, entities []Entity) []Entity {
	for i, e := range entities {
		if e.Kind != EntityNamespace && e.Kind != EntityWarehouse {
			continue
		}
		var managed bool
		err := g.db.ReadPool().QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM managed_access WHERE entity_type = $1 AND entity_id = $2::uuid)`,
			string(e.Kind), e.ID,
		).Scan(&managed)
		if err == nil && managed {
			return entities[:i+1]
		}
	}
	return entities
}

func (g *Graph) AddAssignment(ctx context.Context, entity Entity, a Assignment) error {
	_, err := g.db.Pool().Exec(ctx,
		`INSERT INTO authz_relations (actor_type, actor_id, relation, entity_type, entity_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT DO NOTHING`,
		a.ActorType, a.ActorID, a.Relation, string(entity.Kind), entity.ID,
	)
	return err
}

func (g *Graph) RemoveAssignment(ctx context.Context, entity Entity, a Assignment) error {
	_, err := g.db.Pool().Exec(ctx,
		`DELETE FROM authz_relations
		 WHERE actor_type = $1 AND actor_id = $2 AND relation = $3
		   AND entity_type = $4 AND entity_id = $5`,
		a.ActorType, a.ActorID, a.Relation, string(entity.Kind), entity.ID,
	)
	return err
}

func (g *Graph) ListAssignments(ctx context.Context, entity Entity) ([]Assignment, error) {
	rows, err := g.db.ReadPool().Query(ctx,
		`SELECT actor_type, actor_id, relation FROM authz_relations
		 WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY relation, actor_type, actor_id`,
		string(entity.Kind), entity.ID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ActorType, &a.ActorID, &a.Relation); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (g *Graph) SetManagedAccess(ctx context.Context, entity Entity, managed bool) error {
	if entity.Kind != EntityNamespace && entity.Kind != EntityWarehouse {
		return fmt.Errorf("managed access applies to namespaces and warehouses only")
	}
	if managed {
		_, err := g.db.Pool().Exec(ctx,
			`INSERT INTO managed_access (entity_type, entity_id) VALUES ($1, $2::uuid)
			 ON CONFLICT DO NOTHING`,
			string(entity.Kind), entity.ID,
		)
		return err
	}
	_, err := g.db.Pool().Exec(ctx,
		`DELETE FROM managed_access WHERE entity_type = $1 AND entity_id = $2::uuid`,
		string(entity.Kind), entity.ID,
	)
	return err
}

// OnEntityCreated records the creator as owner.
func (g *Graph) OnEntityCreated(ctx context.Context, entity Entity, owner Actor) error {
	if owner.Kind != ActorPrincipal && owner.Kind != ActorAssumedRole {
		return nil
	}
	return g.AddAssignment(ctx, entity, Assignment{
		ActorType: "user",
		ActorID:   owner.UserID,
		Relation:  RelOwnership,
	})
}

// OnEntityDeleted drops every tuple on the entity.
func (g *Graph) OnEntityDeleted(ctx context.Context, entity Entity) error {
	_, err := g.db.Pool().Exec(ctx,
		`DELETE FROM authz_relations WHERE entity_type = $1 AND entity_id = $2`,
		string(entity.Kind), entity.ID,
	)
	return err
}
