package access

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/spacetrove/trove/pkg/model"
	"github.com/spacetrove/trove/pkg/observability"
	"github.com/spacetrove/trove/pkg/policy"
)

// Resolver computes and caches per-user entitlement maps.
type Resolver struct {
	loader  EntryLoader
	cache   *lru.LRU[string, *Resolution]
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewResolver creates a resolver with an expirable per-user cache. The TTL
// is a backstop; callers invalidate explicitly on role, group and
// permission writes.
func NewResolver(loader EntryLoader, cacheSize int, cacheTTL time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &Resolver{
		loader:  loader,
		cache:   lru.NewLRU[string, *Resolution](cacheSize, nil, cacheTTL),
		logger:  logger,
		metrics: metrics,
	}
}

// Invalidate drops one user's cached resolution.
func (r *Resolver) Invalidate(user string) {
	r.cache.Remove(user)
}

// InvalidateAll drops every cached resolution. Role, group and permission
// mutations call this since a single permission edit can affect any user.
func (r *Resolver) InvalidateAll() {
	r.cache.Purge()
}

// Resolve computes the caller's effective entitlements. It never returns an
// error for malformed principals: a missing user or unresolvable role
// degrades to fewer (or no) entitlements.
func (r *Resolver) Resolve(ctx context.Context, user string) *Resolution {
	if user == "" {
		user = AnonymousUser
	}
	if cached, ok := r.cache.Get(user); ok {
		if r.metrics != nil {
			r.metrics.PermissionCacheHits.Inc()
		}
		return cached
	}
	if r.metrics != nil {
		r.metrics.PermissionCacheMisses.Inc()
	}

	resolution := r.resolve(ctx, user)
	r.cache.Add(user, resolution)
	return resolution
}

func (r *Resolver) resolve(ctx context.Context, user string) *Resolution {
	resolution := &Resolution{Permissions: make(PermissionMap)}

	var roleNames []string
	if user != AnonymousUser {
		account := r.loadUser(ctx, user)
		if account != nil {
			resolution.Groups = account.Groups
			roleNames = append(roleNames, account.Roles...)
			for _, group := range account.Groups {
				roleNames = append(roleNames, r.groupRoles(ctx, group)...)
			}
		}
		roleNames = append(roleNames, LoggedInRole)
	}
	resolution.Roles = dedupe(roleNames)

	permissionNames := []string{WorldPermission}
	for _, roleName := range resolution.Roles {
		permissionNames = append(permissionNames, r.rolePermissions(ctx, roleName)...)
	}

	for _, permissionName := range dedupe(permissionNames) {
		permission := r.loadPermission(ctx, permissionName)
		if permission == nil {
			continue
		}
		r.apply(resolution.Permissions, permission, user)
	}
	return resolution
}

// apply expands one permission's subpath patterns into map keys, expanding
// magic tokens against the caller.
func (r *Resolver) apply(permissions PermissionMap, p *model.Permission, user string) {
	grant := grantOf(p)
	for space, patterns := range p.Subpaths {
		for _, pattern := range patterns {
			expanded := expandPattern(pattern, user)
			for _, rt := range p.ResourceTypes {
				key := policy.Key(space, expanded, rt)
				entitlement, ok := permissions[key]
				if !ok {
					entitlement = newEntitlement()
					permissions[key] = entitlement
				}
				entitlement.add(grant)
			}
		}
	}
}

// expandPattern canonicalizes a permission subpath pattern: the caller's
// own-shortname token becomes the literal shortname, a bare "*" (or the
// reserved token) matches any subpath, and a trailing "/*" reduces to its
// prefix since candidate-key expansion already matches descendants through
// ancestor prefixes.
func expandPattern(pattern, user string) string {
	pattern = strings.ReplaceAll(pattern, policy.MagicOwnShortname, user)
	normalized := policy.Normalize(pattern)
	if normalized == "*" || normalized == policy.MagicAllSubpaths {
		return policy.MagicAllSubpaths
	}
	normalized = strings.TrimSuffix(normalized, "/*")
	return policy.Normalize(normalized)
}

func (r *Resolver) loadUser(ctx context.Context, shortname string) *model.User {
	res, err := r.loader.LoadOrNil(ctx, ManagementSpace, SubpathUsers, shortname, model.ResourceTypeUser)
	if err != nil || res == nil {
		if err != nil {
			r.logger.WithError(err).WithField("user", shortname).Warn("user resolution degraded to no permissions")
		}
		return nil
	}
	user, _ := res.(*model.User)
	return user
}

func (r *Resolver) groupRoles(ctx context.Context, shortname string) []string {
	res, err := r.loader.LoadOrNil(ctx, ManagementSpace, SubpathGroups, shortname, model.ResourceTypeGroup)
	if err != nil || res == nil {
		return nil
	}
	group, ok := res.(*model.Group)
	if !ok {
		return nil
	}
	return group.Roles
}

func (r *Resolver) rolePermissions(ctx context.Context, shortname string) []string {
	res, err := r.loader.LoadOrNil(ctx, ManagementSpace, SubpathRoles, shortname, model.ResourceTypeRole)
	if err != nil || res == nil {
		return nil
	}
	role, ok := res.(*model.Role)
	if !ok {
		return nil
	}
	return role.Permissions
}

func (r *Resolver) loadPermission(ctx context.Context, shortname string) *model.Permission {
	res, err := r.loader.LoadOrNil(ctx, ManagementSpace, SubpathPermissions, shortname, model.ResourceTypePermission)
	if err != nil || res == nil {
		return nil
	}
	permission, _ := res.(*model.Permission)
	return permission
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
