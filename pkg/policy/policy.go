package policy

import (
	"strings"

	"github.com/spacetrove/trove/pkg/model"
)

const (
	// MagicAllSubpaths stands for "any subpath at any depth" in permission
	// patterns and generated policies.
	MagicAllSubpaths = "__all_subpaths__"

	// MagicOwnShortname in a permission subpath pattern expands to the
	// caller's own shortname at resolution time.
	MagicOwnShortname = "__own__"

	// RootSubpath is the normalized form of the space root.
	RootSubpath = "/"
)

// Normalize canonicalizes a subpath: forward slashes, no leading or trailing
// slash, "/" for the root.
func Normalize(subpath string) string {
	subpath = strings.Trim(strings.ReplaceAll(subpath, "\\", "/"), "/")
	if subpath == "" || subpath == "." {
		return RootSubpath
	}
	return subpath
}

// Prefixes returns every cumulative prefix of a subpath, root segment first.
// Prefixes("/articles/tech") == ["articles", "articles/tech"]; the space
// root yields ["/"].
func Prefixes(subpath string) []string {
	normalized := Normalize(subpath)
	if normalized == RootSubpath {
		return []string{RootSubpath}
	}
	segments := strings.Split(normalized, "/")
	prefixes := make([]string, 0, len(segments))
	for i := range segments {
		prefixes = append(prefixes, strings.Join(segments[:i+1], "/"))
	}
	return prefixes
}

// String assembles one policy string. scope is the optional trailing owner or
// owner-group shortname.
func String(space, prefix string, rt model.ResourceType, isActive bool, scope string) string {
	var b strings.Builder
	b.WriteString(space)
	b.WriteByte(':')
	b.WriteString(prefix)
	b.WriteByte(':')
	b.WriteString(string(rt))
	b.WriteByte(':')
	if isActive {
		b.WriteString("true")
	} else {
		b.WriteString("false")
	}
	if scope != "" {
		b.WriteByte(':')
		b.WriteString(scope)
	}
	return b.String()
}

// Key assembles a permission-map key {space}:{subpath}:{resource_type}.
func Key(space, subpath string, rt model.ResourceType) string {
	return space + ":" + Normalize(subpath) + ":" + string(rt)
}

// Generate returns the full list of policy strings that tag an entry at
// write time. For each subpath prefix it emits an owner-scoped string and
// either a state-only string or, when the entry has an owner group, a
// group-scoped string. Prefixes at depth two or more additionally emit the
// all-subpaths variant. entryShortname, when non-empty, extends the deepest
// prefix by one level so folder entries are matched by patterns that name
// them directly.
func Generate(space, subpath string, rt model.ResourceType, isActive bool, owner, ownerGroup, entryShortname string) []string {
	prefixes := Prefixes(subpath)
	if entryShortname != "" {
		deepest := prefixes[len(prefixes)-1]
		if deepest == RootSubpath {
			prefixes = append(prefixes, entryShortname)
		} else {
			prefixes = append(prefixes, deepest+"/"+entryShortname)
		}
	}

	seen := make(map[string]struct{})
	policies := make([]string, 0, len(prefixes)*3)
	emit := func(prefix string) {
		for _, scope := range scopes(owner, ownerGroup) {
			s := String(space, prefix, rt, isActive, scope)
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			policies = append(policies, s)
		}
	}

	for depth, prefix := range prefixes {
		emit(prefix)
		if depth >= 1 {
			emit(MagicAllSubpaths)
		}
	}
	return policies
}

// scopes lists the trailing scope variants for an entry: always the owner,
// plus either the owner group or the unscoped state-only form.
func scopes(owner, ownerGroup string) []string {
	variants := []string{owner}
	if ownerGroup != "" {
		variants = append(variants, "g:"+ownerGroup)
	} else {
		variants = append(variants, "")
	}
	return variants
}

// CandidateKeys expands the permission-map keys that can authorize an access
// to (space, subpath, resource type): the exact key, each ancestor prefix,
// the space root and the all-subpaths wildcard. The expansion mirrors
// Generate so read-time authorization is symmetric with write-time tagging.
func CandidateKeys(space, subpath string, rt model.ResourceType) []string {
	prefixes := Prefixes(subpath)
	keys := make([]string, 0, len(prefixes)+2)
	seen := make(map[string]struct{})
	add := func(prefix string) {
		k := space + ":" + prefix + ":" + string(rt)
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	// Deepest first so the most specific grant wins field restrictions.
	for i := len(prefixes) - 1; i >= 0; i-- {
		add(prefixes[i])
	}
	add(RootSubpath)
	add(MagicAllSubpaths)
	return keys
}
