package authz

import "context"

// AllowAll grants everything to authenticated actors. Used for bootstrap and
// single-user deployments; anonymous actors are still denied.
type AllowAll struct{}

func NewAllowAll() *AllowAll { return &AllowAll{} }

func (a *AllowAll) BatchCheck(_ context.Context, actor Actor, items []CheckItem) ([]Decision, error) {
	decisions := make([]Decision, len(items))
	for i := range items {
		if actor.Kind == ActorAnonymous {
			decisions[i] = DecisionCannotSee
		} else {
			decisions[i] = DecisionAllow
		}
	}
	return decisions, nil
}

func (a *AllowAll) AddAssignment(context.Context, Entity, Assignment) error    { return nil }
func (a *AllowAll) RemoveAssignment(context.Context, Entity, Assignment) error { return nil }
func (a *AllowAll) ListAssignments(context.Context, Entity) ([]Assignment, error) {
	return nil, nil
}
func (a *AllowAll) SetManagedAccess(context.Context, Entity, bool) error    { return nil }
func (a *AllowAll) OnEntityCreated(context.Context, Entity, Actor) error    { return nil }
func (a *AllowAll) OnEntityDeleted(context.Context, Entity) error           { return nil }
