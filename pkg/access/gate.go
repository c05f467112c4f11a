package access

import (
	"context"
	"strings"

	"github.com/spacetrove/trove/pkg/model"
	"github.com/spacetrove/trove/pkg/observability"
	"github.com/spacetrove/trove/pkg/policy"
	"github.com/spacetrove/trove/pkg/storage"
)

// AllSpaces in a permission's subpaths map grants across every space.
const AllSpaces = "*"

// CheckRequest carries the coordinates and resource state of one access
// decision.
type CheckRequest struct {
	User         string
	Space        string
	Subpath      string
	ResourceType model.ResourceType
	Action       model.Action

	ResourceIsActive   bool
	ResourceOwner      string
	ResourceOwnerGroup string
	EntryShortname     string

	// ACL is the target entry's own access list, consulted only after the
	// permission map denies.
	ACL []model.ACLEntry

	// Record, when present, is checked against allowed_fields_values
	// restrictions on write actions.
	Record *model.Record
}

// Gate is the single enforcement checkpoint. It is a pure decision function
// over the resolver's output and the supplied resource state.
type Gate struct {
	resolver *Resolver
	metrics  *observability.Metrics
}

// NewGate creates a gate over a resolver.
func NewGate(resolver *Resolver, metrics *observability.Metrics) *Gate {
	return &Gate{resolver: resolver, metrics: metrics}
}

// CheckAccess decides one action. It never errors: unresolvable callers are
// denied.
func (g *Gate) CheckAccess(ctx context.Context, req CheckRequest) bool {
	allowed := g.check(ctx, req)
	if g.metrics != nil {
		g.metrics.ObserveAccess(string(req.Action), allowed)
	}
	return allowed
}

func (g *Gate) check(ctx context.Context, req CheckRequest) bool {
	resolution := g.resolver.Resolve(ctx, req.User)

	subpath := req.Subpath
	if req.EntryShortname != "" {
		subpath = policy.Normalize(subpath)
		if subpath == policy.RootSubpath {
			subpath = req.EntryShortname
		} else {
			subpath = subpath + "/" + req.EntryShortname
		}
	}

	for _, space := range []string{req.Space, AllSpaces} {
		for _, key := range policy.CandidateKeys(space, subpath, req.ResourceType) {
			entitlement, ok := resolution.Permissions[key]
			if !ok {
				continue
			}
			// Each grant is decided on its own: the conditions and field
			// restrictions a permission carried bind only its own actions.
			for _, grant := range entitlement.Grants {
				if !grant.Allows(req.Action) {
					continue
				}
				if !g.conditionsSatisfied(grant.Conditions, req, resolution.Groups) {
					continue
				}
				if !fieldValuesAllowed(grant.AllowedFieldsValues, req) {
					continue
				}
				return true
			}
		}
	}

	// The permission map denied; fall back to the entry's own ACL.
	if acl := aclEntryFor(req.ACL, req.User); acl != nil {
		for _, action := range acl.AllowedActions {
			if action != req.Action {
				continue
			}
			conditions := make(map[model.Condition]struct{}, len(acl.Conditions))
			for _, c := range acl.Conditions {
				conditions[c] = struct{}{}
			}
			if g.conditionsSatisfied(conditions, req, resolution.Groups) {
				return true
			}
		}
	}
	return false
}

func (g *Gate) conditionsSatisfied(conditions map[model.Condition]struct{}, req CheckRequest, callerGroups []string) bool {
	for condition := range conditions {
		switch condition {
		case model.ConditionIsActive:
			if !req.ResourceIsActive {
				return false
			}
		case model.ConditionOwn:
			if req.ResourceOwner == req.User {
				continue
			}
			if req.ResourceOwnerGroup != "" && containsString(callerGroups, req.ResourceOwnerGroup) {
				continue
			}
			return false
		default:
			// Unknown conditions fail closed.
			return false
		}
	}
	return true
}

// fieldValuesAllowed enforces allowed_fields_values on write actions: a
// restricted field present in the record must carry one of the allowed
// values.
func fieldValuesAllowed(allowed map[string][]string, req CheckRequest) bool {
	if len(allowed) == 0 || req.Record == nil {
		return true
	}
	switch req.Action {
	case model.ActionCreate, model.ActionUpdate, model.ActionAssign:
	default:
		return true
	}
	for field, values := range allowed {
		raw, present := req.Record.FieldValue(field)
		if !present {
			continue
		}
		text, ok := raw.(string)
		if !ok || !containsString(values, text) {
			return false
		}
	}
	return true
}

func aclEntryFor(acl []model.ACLEntry, user string) *model.ACLEntry {
	for i := range acl {
		if acl[i].UserShortname == user {
			return &acl[i]
		}
	}
	return nil
}

// CheckSpaceAccess is the coarse space-listing filter: true iff the caller
// holds any entitlement touching the space.
func (g *Gate) CheckSpaceAccess(ctx context.Context, user, space string) bool {
	resolution := g.resolver.Resolve(ctx, user)
	for key, entitlement := range resolution.Permissions {
		granted := false
		for _, grant := range entitlement.Grants {
			if len(grant.Actions) > 0 {
				granted = true
				break
			}
		}
		if !granted {
			continue
		}
		keySpace, _, ok := splitKey(key)
		if ok && (keySpace == space || keySpace == AllSpaces) {
			return true
		}
	}
	return false
}

// RestrictedFields returns the field paths hidden from the caller at the
// given coordinates: the most specific viewing entitlement wins. Within one
// key a field is hidden only if every viewing grant hides it, since any
// unrestricted grant already exposes the full entry.
func (g *Gate) RestrictedFields(ctx context.Context, user, space, subpath string, rt model.ResourceType) []string {
	resolution := g.resolver.Resolve(ctx, user)
	for _, candidateSpace := range []string{space, AllSpaces} {
		for _, key := range policy.CandidateKeys(candidateSpace, subpath, rt) {
			entitlement, ok := resolution.Permissions[key]
			if !ok {
				continue
			}
			var restricted []string
			viewing := false
			for _, grant := range entitlement.Grants {
				if !grant.Allows(model.ActionView) && !grant.Allows(model.ActionQuery) {
					continue
				}
				if !viewing {
					restricted = append([]string(nil), grant.RestrictedFields...)
					viewing = true
					continue
				}
				restricted = intersectStrings(restricted, grant.RestrictedFields)
			}
			if viewing {
				return restricted
			}
		}
	}
	return nil
}

func intersectStrings(a, b []string) []string {
	var out []string
	for _, s := range a {
		if containsString(b, s) {
			out = append(out, s)
		}
	}
	return out
}

// QueryFilter compiles the caller's entitlements for a space into the policy
// strings the storage adapters filter queries with. The expansion mirrors
// the write-time tagging in pkg/policy, so every readable entry matches.
func (g *Gate) QueryFilter(ctx context.Context, user, space string) storage.AccessFilter {
	resolution := g.resolver.Resolve(ctx, user)
	filter := storage.AccessFilter{Caller: user}

	seen := make(map[string]struct{})
	add := func(s string) {
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		filter.Policies = append(filter.Policies, s)
	}

	for key, entitlement := range resolution.Permissions {
		keySpace, rest, ok := splitKey(key)
		if !ok || (keySpace != space && keySpace != AllSpaces) {
			continue
		}
		idx := strings.LastIndex(rest, ":")
		if idx < 0 {
			continue
		}
		subpath, rt := rest[:idx], model.ResourceType(rest[idx+1:])

		// Expand each viewing grant on its own so one grant's conditions do
		// not narrow the reach another grant gave unconditionally.
		for _, grant := range entitlement.Grants {
			if !grant.Allows(model.ActionView) && !grant.Allows(model.ActionQuery) {
				continue
			}

			activeStates := []bool{true}
			if !grant.HasCondition(model.ConditionIsActive) {
				activeStates = append(activeStates, false)
			}

			scopes := []string{user}
			for _, group := range resolution.Groups {
				scopes = append(scopes, "g:"+group)
			}
			if !grant.HasCondition(model.ConditionOwn) {
				scopes = append(scopes, "")
			}

			for _, active := range activeStates {
				for _, scope := range scopes {
					add(policy.String(space, subpath, rt, active, scope))
				}
			}
		}
	}
	return filter
}

func splitKey(key string) (space, rest string, ok bool) {
	idx := strings.Index(key, ":")
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}
