package storage

import (
	"context"
	"fmt"

	"github.com/spacetrove/trove/pkg/core"
	"github.com/spacetrove/trove/pkg/model"
	"github.com/spacetrove/trove/pkg/policy"
)

// ParentOf splits a normalized subpath into its parent and leaf segment.
// ParentOf("articles/tech") == ("articles", "tech"); a single segment's
// parent is the root.
func ParentOf(subpath string) (parent, leaf string) {
	normalized := policy.Normalize(subpath)
	if normalized == policy.RootSubpath {
		return policy.RootSubpath, ""
	}
	for i := len(normalized) - 1; i >= 0; i-- {
		if normalized[i] == '/' {
			return normalized[:i], normalized[i+1:]
		}
	}
	return policy.RootSubpath, normalized
}

// EntryPolicies derives the write-time policy tags for a resource. Folder
// entries additionally tag their own shortname level so shallow grants that
// name the folder directly still match.
func EntryPolicies(space, subpath string, res model.Resource) []string {
	meta := res.Base()
	entryShortname := ""
	if res.Type() == model.ResourceTypeFolder {
		entryShortname = meta.Shortname
	}
	return policy.Generate(space, subpath, res.Type(), meta.IsActive,
		meta.OwnerShortname, meta.OwnerGroupShortname, entryShortname)
}

// FolderOf loads the folder entry governing a subpath, nil when the subpath
// has no declared folder.
func FolderOf(ctx context.Context, a Adapter, space, subpath string) (*model.Folder, error) {
	parent, leaf := ParentOf(subpath)
	if leaf == "" {
		return nil, nil
	}
	res, err := a.LoadOrNil(ctx, space, parent, leaf, model.ResourceTypeFolder)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	folder, ok := res.(*model.Folder)
	if !ok {
		return nil, fmt.Errorf("entry %s/%s/%s is not a folder", space, parent, leaf)
	}
	return folder, nil
}

// ValidateUniqueness enforces the folder-level unique_fields declaration for
// a record about to be written. excludeShortname skips the record itself on
// updates.
func ValidateUniqueness(ctx context.Context, a Adapter, space string, rec model.Record, excludeShortname string) error {
	folder, err := FolderOf(ctx, a, space, rec.Subpath)
	if err != nil {
		return err
	}
	if folder == nil || len(folder.UniqueFields) == 0 {
		return nil
	}

	result, err := a.Query(ctx, Query{
		Type:    QuerySubpath,
		Space:   space,
		Subpath: rec.Subpath,
		Limit:   10000,
	}, AccessFilter{Unrestricted: true})
	if err != nil {
		return err
	}

	for _, group := range folder.UniqueFields {
		values, complete := fieldValues(rec, group)
		if !complete {
			continue
		}
		for _, sibling := range result.Records {
			if sibling.Shortname == excludeShortname && sibling.ResourceType == rec.ResourceType {
				continue
			}
			siblingValues, ok := fieldValues(sibling, group)
			if ok && sameValues(values, siblingValues) {
				return core.NewError(core.CodeDataShouldBeUnique,
					"another entry in %s already carries %v", rec.Subpath, group)
			}
		}
	}
	return nil
}

func fieldValues(rec model.Record, fields []string) ([]interface{}, bool) {
	values := make([]interface{}, 0, len(fields))
	for _, field := range fields {
		v, ok := rec.FieldValue(field)
		if !ok || v == nil {
			return nil, false
		}
		values = append(values, v)
	}
	return values, true
}

func sameValues(a, b []interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !valuesEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}
