package access

import (
	"context"

	"github.com/spacetrove/trove/pkg/model"
)

// Management space layout: users, roles, groups and permissions are regular
// entries under a reserved space.
const (
	ManagementSpace    = "management"
	SubpathUsers       = "users"
	SubpathRoles       = "roles"
	SubpathGroups      = "groups"
	SubpathPermissions = "permissions"
)

// Reserved principals and grants.
const (
	// AnonymousUser is the caller shortname for unauthenticated requests.
	AnonymousUser = "anonymous"

	// LoggedInRole is implicitly granted to every authenticated caller.
	LoggedInRole = "logged_in"

	// WorldPermission, when defined, applies to every caller including
	// anonymous ones.
	WorldPermission = "world"
)

// EntryLoader is the narrow read surface the resolver needs. Both storage
// adapters satisfy it.
type EntryLoader interface {
	LoadOrNil(ctx context.Context, space, subpath, shortname string, rt model.ResourceType) (model.Resource, error)
}

// Grant is one permission's contribution to a key: its actions together
// with the conditions and field restrictions that same permission carried.
type Grant struct {
	Actions             map[model.Action]struct{}
	Conditions          map[model.Condition]struct{}
	RestrictedFields    []string
	AllowedFieldsValues map[string][]string
}

func grantOf(p *model.Permission) *Grant {
	g := &Grant{
		Actions:             make(map[model.Action]struct{}, len(p.Actions)),
		Conditions:          make(map[model.Condition]struct{}, len(p.Conditions)),
		RestrictedFields:    p.RestrictedFields,
		AllowedFieldsValues: p.AllowedFieldsValues,
	}
	for _, action := range p.Actions {
		g.Actions[action] = struct{}{}
	}
	for _, condition := range p.Conditions {
		g.Conditions[condition] = struct{}{}
	}
	return g
}

// Allows reports whether the grant covers an action.
func (g *Grant) Allows(action model.Action) bool {
	_, ok := g.Actions[action]
	return ok
}

// HasCondition reports whether the grant carries a condition.
func (g *Grant) HasCondition(c model.Condition) bool {
	_, ok := g.Conditions[c]
	return ok
}

// Entitlement is the set of grants landing on one {space}:{subpath}:{type}
// key. Grants stay separate and are evaluated independently: a condition
// carried by one permission never narrows an action another permission
// granted unconditionally on the same key.
type Entitlement struct {
	Grants []*Grant
}

func newEntitlement() *Entitlement {
	return &Entitlement{}
}

// add appends one permission's grant to the key.
func (e *Entitlement) add(g *Grant) {
	e.Grants = append(e.Grants, g)
}

// Allows reports whether any grant covers the action.
func (e *Entitlement) Allows(action model.Action) bool {
	for _, g := range e.Grants {
		if g.Allows(action) {
			return true
		}
	}
	return false
}

// PermissionMap keys entitlements by {space}:{subpath}:{resource_type}.
type PermissionMap map[string]*Entitlement

// Resolution bundles the permission map with the membership facts condition
// evaluation needs.
type Resolution struct {
	Permissions PermissionMap
	Groups      []string
	Roles       []string
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
