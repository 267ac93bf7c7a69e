// Package authz is the authorization kernel: a capability surface of batch
// permission checks plus assignment management, with interchangeable
// backends.
package authz

import (
	"context"
	"fmt"
)

// Decision is the outcome of a single check.
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionDeny
	DecisionNotFound
	DecisionCannotSee
	DecisionInvalid
	DecisionInternalError
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDeny:
		return "deny"
	case DecisionNotFound:
		return "not_found"
	case DecisionCannotSee:
		return "cannot_see"
	case DecisionInvalid:
		return "invalid"
	default:
		return "internal_error"
	}
}

// ActorKind discriminates the actor variants.
type ActorKind string

const (
	ActorAnonymous   ActorKind = "anonymous"
	ActorPrincipal   ActorKind = "principal"
	ActorAssumedRole ActorKind = "assumed-role"
	ActorInternal    ActorKind = "internal"
)

// Actor is the authenticated principal a check runs for.
type Actor struct {
	Kind   ActorKind
	UserID string
	RoleID string
}

// Anonymous is the unauthenticated actor.
func Anonymous() Actor { return Actor{Kind: ActorAnonymous} }

// Principal is a directly-authenticated user.
func Principal(userID string) Actor { return Actor{Kind: ActorPrincipal, UserID: userID} }

// AssumedRole is a user acting through a role.
func AssumedRole(userID, roleID string) Actor {
	return Actor{Kind: ActorAssumedRole, UserID: userID, RoleID: roleID}
}

// Internal is the server acting for itself; it bypasses nothing — backends
// grant it everything explicitly.
func Internal() Actor { return Actor{Kind: ActorInternal} }

func (a Actor) String() string {
	switch a.Kind {
	case ActorPrincipal:
		return "user:" + a.UserID
	case ActorAssumedRole:
		return fmt.Sprintf("user:%s/role:%s", a.UserID, a.RoleID)
	case ActorInternal:
		return "internal"
	default:
		return "anonymous"
	}
}

// EntityKind is one level of the entity hierarchy.
type EntityKind string

const (
	EntityServer    EntityKind = "server"
	EntityProject   EntityKind = "project"
	EntityWarehouse EntityKind = "warehouse"
	EntityNamespace EntityKind = "namespace"
	EntityTable     EntityKind = "table"
	EntityView      EntityKind = "view"
	EntityRole      EntityKind = "role"
)

// Entity identifies a node in the hierarchy together with its ancestor
// chain (nearest first), so backends can evaluate inherited grants without
// re-reading the catalog.
type Entity struct {
	Kind EntityKind
	ID   string
	// Properties feeds ABAC policy backends (namespace/table properties).
	Properties map[string]string
	Ancestors  []Entity
}

func (e Entity) String() string {
	return string(e.Kind) + ":" + e.ID
}

// CheckItem is one (operation, entity, context) triple of a batch check.
// Operations are entity-kind-qualified action names such as
// "namespace.create_child" or "table.commit".
type CheckItem struct {
	Operation string
	Entity    Entity
	// Context carries operation details for policy backends, e.g. the
	// property delta of a commit.
	Context map[string]interface{}
}

// Assignment is an (actor, relation, entity) tuple.
type Assignment struct {
	ActorType string `json:"actor-type"` // user | role
	ActorID   string `json:"actor-id"`
	Relation  string `json:"relation"`
}

// Authorizer is the pluggable backend capability.
type Authorizer interface {
	// BatchCheck returns one decision per item, in order. It never returns
	// fewer decisions than items unless err is non-nil.
	BatchCheck(ctx context.Context, actor Actor, items []CheckItem) ([]Decision, error)

	// Assignment management.
	AddAssignment(ctx context.Context, entity Entity, a Assignment) error
	RemoveAssignment(ctx context.Context, entity Entity, a Assignment) error
	ListAssignments(ctx context.Context, entity Entity) ([]Assignment, error)

	// SetManagedAccess marks an inheritance boundary on a namespace or
	// warehouse.
	SetManagedAccess(ctx context.Context, entity Entity, managed bool) error

	// OnEntityCreated/Deleted let graph-style backends maintain their edge
	// set; policy backends may no-op.
	OnEntityCreated(ctx context.Context, entity Entity, owner Actor) error
	OnEntityDeleted(ctx context.Context, entity Entity) error
}

// Check is the single-item convenience over BatchCheck.
func Check(ctx context.Context, a Authorizer, actor Actor, item CheckItem) (Decision, error) {
	decisions, err := a.BatchCheck(ctx, actor, []CheckItem{item})
	if err != nil {
		return DecisionInternalError, err
	}
	if len(decisions) != 1 {
		return DecisionInternalError, fmt.Errorf("backend returned %d decisions for 1 item", len(decisions))
	}
	return decisions[0], nil
}
