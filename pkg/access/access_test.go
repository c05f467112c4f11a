package access

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetrove/trove/pkg/model"
	"github.com/spacetrove/trove/pkg/observability"
	"github.com/spacetrove/trove/pkg/policy"
)

type fakeLoader struct {
	entries map[string]model.Resource
	loads   int
}

func (f *fakeLoader) LoadOrNil(_ context.Context, space, subpath, shortname string, _ model.ResourceType) (model.Resource, error) {
	f.loads++
	if space != ManagementSpace {
		return nil, nil
	}
	return f.entries[subpath+"/"+shortname], nil
}

func metaOf(shortname string) model.Meta {
	return model.Meta{Shortname: shortname, IsActive: true}
}

func newFixture(t *testing.T) (*fakeLoader, *Resolver, *Gate) {
	t.Helper()
	loader := &fakeLoader{entries: map[string]model.Resource{
		"users/alice": &model.User{
			Meta:   metaOf("alice"),
			Roles:  []string{"viewer"},
			Groups: []string{"press"},
		},
		"groups/press": &model.Group{
			Meta:  metaOf("press"),
			Roles: []string{"editor"},
		},
		"roles/viewer": &model.Role{
			Meta:        metaOf("viewer"),
			Permissions: []string{"read_articles"},
		},
		"roles/editor": &model.Role{
			Meta:        metaOf("editor"),
			Permissions: []string{"edit_own_articles"},
		},
		"roles/logged_in": &model.Role{
			Meta:        metaOf("logged_in"),
			Permissions: []string{"own_profile"},
		},
		"permissions/world": &model.Permission{
			Meta:          metaOf("world"),
			Subpaths:      map[string][]string{"public": {"*"}},
			ResourceTypes: []model.ResourceType{model.ResourceTypeContent},
			Actions:       []model.Action{model.ActionView},
		},
		"permissions/read_articles": &model.Permission{
			Meta:             metaOf("read_articles"),
			Subpaths:         map[string][]string{"data": {"articles"}},
			ResourceTypes:    []model.ResourceType{model.ResourceTypeContent},
			Actions:          []model.Action{model.ActionView, model.ActionQuery},
			RestrictedFields: []string{"payload.body.secret"},
		},
		"permissions/edit_own_articles": &model.Permission{
			Meta:          metaOf("edit_own_articles"),
			Subpaths:      map[string][]string{"data": {"articles/*"}},
			ResourceTypes: []model.ResourceType{model.ResourceTypeContent},
			Actions:       []model.Action{model.ActionUpdate},
			Conditions:    []model.Condition{model.ConditionOwn, model.ConditionIsActive},
			AllowedFieldsValues: map[string][]string{
				"payload.body.category": {"tech", "science"},
			},
		},
		"permissions/own_profile": &model.Permission{
			Meta:          metaOf("own_profile"),
			Subpaths:      map[string][]string{ManagementSpace: {"users/" + policy.MagicOwnShortname}},
			ResourceTypes: []model.ResourceType{model.ResourceTypeUser},
			Actions:       []model.Action{model.ActionView, model.ActionUpdate},
		},
	}}
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	resolver := NewResolver(loader, 16, time.Minute, logger, nil)
	return loader, resolver, NewGate(resolver, nil)
}

func TestResolve(t *testing.T) {
	_, resolver, _ := newFixture(t)
	ctx := context.Background()

	res := resolver.Resolve(ctx, "alice")
	assert.ElementsMatch(t, []string{"viewer", "editor", "logged_in"}, res.Roles)
	assert.Equal(t, []string{"press"}, res.Groups)

	articles, ok := res.Permissions[policy.Key("data", "articles", model.ResourceTypeContent)]
	require.True(t, ok)
	assert.True(t, articles.Allows(model.ActionView))
	assert.True(t, articles.Allows(model.ActionUpdate))
	assert.False(t, articles.Allows(model.ActionDelete))

	// The own-shortname token expands against the caller.
	profile, ok := res.Permissions[policy.Key(ManagementSpace, "users/alice", model.ResourceTypeUser)]
	require.True(t, ok)
	assert.True(t, profile.Allows(model.ActionUpdate))
}

func TestResolveAnonymous(t *testing.T) {
	_, resolver, _ := newFixture(t)

	res := resolver.Resolve(context.Background(), "")
	assert.Empty(t, res.Roles)
	assert.Empty(t, res.Groups)

	// Anonymous callers get the world permission and nothing else.
	require.Len(t, res.Permissions, 1)
	world, ok := res.Permissions[policy.Key("public", policy.MagicAllSubpaths, model.ResourceTypeContent)]
	require.True(t, ok)
	assert.True(t, world.Allows(model.ActionView))
}

func TestResolveUnknownUser(t *testing.T) {
	_, resolver, gate := newFixture(t)
	ctx := context.Background()

	res := resolver.Resolve(ctx, "ghost")
	assert.Empty(t, res.Groups)

	// Unknown but non-anonymous callers still carry logged_in and world.
	assert.Equal(t, []string{"logged_in"}, res.Roles)
	assert.True(t, gate.CheckAccess(ctx, CheckRequest{
		User: "ghost", Space: "public", Subpath: "docs",
		ResourceType: model.ResourceTypeContent, Action: model.ActionView,
		ResourceIsActive: true,
	}))
}

func TestResolveCaching(t *testing.T) {
	loader, resolver, _ := newFixture(t)
	ctx := context.Background()

	resolver.Resolve(ctx, "alice")
	first := loader.loads
	resolver.Resolve(ctx, "alice")
	assert.Equal(t, first, loader.loads)

	resolver.Invalidate("alice")
	resolver.Resolve(ctx, "alice")
	assert.Greater(t, loader.loads, first)
}

func TestCheckAccess(t *testing.T) {
	_, _, gate := newFixture(t)
	ctx := context.Background()

	base := CheckRequest{
		User:             "alice",
		Space:            "data",
		Subpath:          "articles/tech",
		ResourceType:     model.ResourceTypeContent,
		ResourceIsActive: true,
		ResourceOwner:    "bob",
	}

	t.Run("view through ancestor prefix", func(t *testing.T) {
		req := base
		req.Action = model.ActionView
		assert.True(t, gate.CheckAccess(ctx, req))
	})

	t.Run("unentitled action denied", func(t *testing.T) {
		req := base
		req.Action = model.ActionDelete
		assert.False(t, gate.CheckAccess(ctx, req))
	})

	t.Run("other space denied", func(t *testing.T) {
		req := base
		req.Space = "hr"
		req.Action = model.ActionView
		assert.False(t, gate.CheckAccess(ctx, req))
	})
}

func TestCheckAccessConditions(t *testing.T) {
	_, _, gate := newFixture(t)
	ctx := context.Background()

	base := CheckRequest{
		User:             "alice",
		Space:            "data",
		Subpath:          "articles",
		ResourceType:     model.ResourceTypeContent,
		Action:           model.ActionUpdate,
		ResourceIsActive: true,
	}

	t.Run("own entry", func(t *testing.T) {
		req := base
		req.ResourceOwner = "alice"
		assert.True(t, gate.CheckAccess(ctx, req))
	})

	t.Run("foreign entry denied", func(t *testing.T) {
		req := base
		req.ResourceOwner = "bob"
		assert.False(t, gate.CheckAccess(ctx, req))
	})

	t.Run("owner group membership counts as own", func(t *testing.T) {
		req := base
		req.ResourceOwner = "bob"
		req.ResourceOwnerGroup = "press"
		assert.True(t, gate.CheckAccess(ctx, req))
	})

	t.Run("inactive entry denied", func(t *testing.T) {
		req := base
		req.ResourceOwner = "alice"
		req.ResourceIsActive = false
		assert.False(t, gate.CheckAccess(ctx, req))
	})
}

func TestConditionsScopedToGrantingPermission(t *testing.T) {
	// read_articles (no conditions) and edit_own_articles (own, is_active)
	// both land on the articles key. The unconditional view must not
	// inherit the edit permission's conditions.
	_, _, gate := newFixture(t)
	ctx := context.Background()

	base := CheckRequest{
		User:             "alice",
		Space:            "data",
		Subpath:          "articles",
		ResourceType:     model.ResourceTypeContent,
		ResourceIsActive: true,
		ResourceOwner:    "bob",
	}

	t.Run("foreign entry still viewable", func(t *testing.T) {
		req := base
		req.Action = model.ActionView
		assert.True(t, gate.CheckAccess(ctx, req))
	})

	t.Run("inactive foreign entry still viewable", func(t *testing.T) {
		req := base
		req.Action = model.ActionView
		req.ResourceIsActive = false
		assert.True(t, gate.CheckAccess(ctx, req))
	})

	t.Run("conditions still bind the granting permission", func(t *testing.T) {
		req := base
		req.Action = model.ActionUpdate
		assert.False(t, gate.CheckAccess(ctx, req))
	})

	t.Run("filter keeps the unscoped active policy", func(t *testing.T) {
		filter := gate.QueryFilter(ctx, "alice", "data")
		assert.Contains(t, filter.Policies, policy.String("data", "articles", model.ResourceTypeContent, true, ""))
		assert.Contains(t, filter.Policies, policy.String("data", "articles", model.ResourceTypeContent, false, ""))
	})
}

func TestCheckAccessACLFallback(t *testing.T) {
	_, _, gate := newFixture(t)
	ctx := context.Background()

	acl := []model.ACLEntry{{
		UserShortname:  "dana",
		AllowedActions: []model.Action{model.ActionView},
	}}
	req := CheckRequest{
		User:             "dana",
		Space:            "data",
		Subpath:          "articles",
		ResourceType:     model.ResourceTypeContent,
		Action:           model.ActionView,
		ResourceIsActive: true,
		ResourceOwner:    "bob",
		ACL:              acl,
	}
	assert.True(t, gate.CheckAccess(ctx, req))

	req.Action = model.ActionUpdate
	assert.False(t, gate.CheckAccess(ctx, req))

	req.Action = model.ActionView
	req.User = "eve"
	assert.False(t, gate.CheckAccess(ctx, req))
}

func TestCheckAccessAllowedFieldsValues(t *testing.T) {
	_, _, gate := newFixture(t)
	ctx := context.Background()

	base := CheckRequest{
		User:             "alice",
		Space:            "data",
		Subpath:          "articles",
		ResourceType:     model.ResourceTypeContent,
		Action:           model.ActionUpdate,
		ResourceIsActive: true,
		ResourceOwner:    "alice",
	}

	record := func(category string) *model.Record {
		return &model.Record{Attributes: model.JSON{
			"payload": map[string]interface{}{
				"body": map[string]interface{}{"category": category},
			},
		}}
	}

	t.Run("allowed value", func(t *testing.T) {
		req := base
		req.Record = record("tech")
		assert.True(t, gate.CheckAccess(ctx, req))
	})

	t.Run("disallowed value", func(t *testing.T) {
		req := base
		req.Record = record("gossip")
		assert.False(t, gate.CheckAccess(ctx, req))
	})

	t.Run("field absent", func(t *testing.T) {
		req := base
		req.Record = &model.Record{Attributes: model.JSON{}}
		assert.True(t, gate.CheckAccess(ctx, req))
	})
}

func TestCheckSpaceAccess(t *testing.T) {
	_, _, gate := newFixture(t)
	ctx := context.Background()

	assert.True(t, gate.CheckSpaceAccess(ctx, "alice", "data"))
	assert.False(t, gate.CheckSpaceAccess(ctx, "alice", "hr"))
	assert.True(t, gate.CheckSpaceAccess(ctx, AnonymousUser, "public"))
	assert.False(t, gate.CheckSpaceAccess(ctx, AnonymousUser, "data"))
}

func TestRestrictedFields(t *testing.T) {
	_, _, gate := newFixture(t)
	ctx := context.Background()

	fields := gate.RestrictedFields(ctx, "alice", "data", "articles/tech", model.ResourceTypeContent)
	assert.Equal(t, []string{"payload.body.secret"}, fields)

	assert.Empty(t, gate.RestrictedFields(ctx, "alice", "hr", "payroll", model.ResourceTypeContent))
}

// Policies generated at write time must be matched by the filter compiled at
// read time for any caller entitled to see the entry.
func TestQueryFilterMatchesGeneratedPolicies(t *testing.T) {
	_, _, gate := newFixture(t)
	ctx := context.Background()

	entryPolicies := policy.Generate("data", "articles", model.ResourceTypeContent, true, "bob", "", "")
	filter := gate.QueryFilter(ctx, "alice", "data")

	matched := false
	for _, p := range filter.Policies {
		for _, e := range entryPolicies {
			if p == e {
				matched = true
			}
		}
	}
	assert.True(t, matched, "read filter should overlap write-time policies")

	// An owner-scoped-only caller set would not match a foreign entry; the
	// viewer entitlement carries no conditions so the unscoped inactive
	// variant is present too.
	inactive := policy.Generate("data", "articles", model.ResourceTypeContent, false, "bob", "", "")
	matched = false
	for _, p := range filter.Policies {
		for _, e := range inactive {
			if p == e {
				matched = true
			}
		}
	}
	assert.True(t, matched)
}

func TestQueryFilterScopes(t *testing.T) {
	_, _, gate := newFixture(t)
	filter := gate.QueryFilter(context.Background(), "alice", "data")

	assert.Equal(t, "alice", filter.Caller)
	assert.False(t, filter.Unrestricted)
	assert.Contains(t, filter.Policies, policy.String("data", "articles", model.ResourceTypeContent, true, "alice"))
	assert.Contains(t, filter.Policies, policy.String("data", "articles", model.ResourceTypeContent, true, "g:press"))
	assert.Contains(t, filter.Policies, policy.String("data", "articles", model.ResourceTypeContent, true, ""))
}

func TestExpandPattern(t *testing.T) {
	assert.Equal(t, "users/alice", expandPattern("users/"+policy.MagicOwnShortname, "alice"))
	assert.Equal(t, policy.MagicAllSubpaths, expandPattern("*", "alice"))
	assert.Equal(t, "articles", expandPattern("articles/*", "alice"))
	assert.Equal(t, policy.RootSubpath, expandPattern("/", "alice"))
}
