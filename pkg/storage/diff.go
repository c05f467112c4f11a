package storage

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/spacetrove/trove/pkg/model"
)

// Flatten converts a nested document into a dot-keyed map of leaves. List
// values are kept whole; the diff rule treats them specially.
func Flatten(doc model.JSON) map[string]interface{} {
	flat := make(map[string]interface{})
	flattenInto(flat, "", doc)
	return flat
}

func flattenInto(flat map[string]interface{}, prefix string, value interface{}) {
	doc, ok := value.(map[string]interface{})
	if !ok {
		flat[prefix] = value
		return
	}
	if len(doc) == 0 && prefix != "" {
		flat[prefix] = doc
		return
	}
	for key, child := range doc {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		flattenInto(flat, path, child)
	}
}

// FlattenResource flattens a resource's attribute document.
func FlattenResource(res model.Resource) (map[string]interface{}, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to flatten %s: %w", res.Type(), err)
	}
	doc := model.JSON{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to flatten %s: %w", res.Type(), err)
	}
	return Flatten(doc), nil
}

// Diff computes the history diff between two flattened documents.
//
// Rules, kept deliberately explicit:
//   - only fields named in changed are considered; an empty changed list
//     considers the union of both key sets;
//   - fields whose values compare equal are omitted;
//   - fields present in old but absent from new are reported with a nil new
//     value (both backends, uniformly);
//   - when both values are lists, the recorded old/new are the elements not
//     common to both, order-insensitive. This is a set difference, not a
//     positional diff.
func Diff(old, new map[string]interface{}, changed []string) map[string]model.HistoryDelta {
	fields := changed
	if len(fields) == 0 {
		seen := make(map[string]struct{}, len(old)+len(new))
		for k := range old {
			seen[k] = struct{}{}
		}
		for k := range new {
			seen[k] = struct{}{}
		}
		fields = make([]string, 0, len(seen))
		for k := range seen {
			fields = append(fields, k)
		}
		sort.Strings(fields)
	}

	diff := make(map[string]model.HistoryDelta)
	for _, field := range fields {
		oldValue, hadOld := old[field]
		newValue, hasNew := new[field]
		if !hadOld && !hasNew {
			continue
		}
		if hadOld && !hasNew {
			diff[field] = model.HistoryDelta{Old: oldValue, New: nil}
			continue
		}
		if valuesEqual(oldValue, newValue) {
			continue
		}
		if oldList, ok := asList(oldValue); ok {
			if newList, ok := asList(newValue); ok {
				removed, added := listDifference(oldList, newList)
				if len(removed) == 0 && len(added) == 0 {
					continue
				}
				diff[field] = model.HistoryDelta{Old: removed, New: added}
				continue
			}
		}
		diff[field] = model.HistoryDelta{Old: oldValue, New: newValue}
	}
	return diff
}

func asList(v interface{}) ([]interface{}, bool) {
	list, ok := v.([]interface{})
	return list, ok
}

// listDifference returns the elements unique to each side, preserving each
// side's relative order.
func listDifference(old, new []interface{}) (removed, added []interface{}) {
	removed = subtract(old, new)
	added = subtract(new, old)
	return removed, added
}

func subtract(from, exclude []interface{}) []interface{} {
	result := make([]interface{}, 0)
	for _, v := range from {
		found := false
		for _, e := range exclude {
			if valuesEqual(v, e) {
				found = true
				break
			}
		}
		if !found {
			result = append(result, v)
		}
	}
	return result
}

func valuesEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

// StateChecksum hashes a flattened document canonically (sorted keys) so
// optimistic-concurrency comparisons are stable across backends.
func StateChecksum(flat map[string]interface{}) string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	canonical := make([]interface{}, 0, len(keys)*2)
	for _, k := range keys {
		canonical = append(canonical, k, flat[k])
	}
	data, _ := json.Marshal(canonical)
	return model.ChecksumOf(data)
}

// NewHistory builds the history record appended after a successful update.
func NewHistory(owner string, diff map[string]model.HistoryDelta, checksum string, headers map[string][]string, now time.Time) *model.History {
	h := &model.History{
		Timestamp:      now,
		Diff:           diff,
		RequestHeaders: headers,
	}
	h.Shortname = "history"
	h.OwnerShortname = owner
	h.IsActive = true
	h.Payload = &model.Payload{ContentType: model.ContentTypeJSON, Checksum: checksum}
	h.Stamp(now)
	return h
}

// NewLockReleaseHistory builds the diff-less history record appended when an
// update consumes the caller's own lock. It repeats the state checksum of
// the update it follows so checksum-guarded writes still see the latest
// state.
func NewLockReleaseHistory(owner, checksum string, now time.Time) *model.History {
	h := &model.History{
		Timestamp: now,
		Diff:      map[string]model.HistoryDelta{},
	}
	h.Shortname = "lock_release"
	h.OwnerShortname = owner
	h.IsActive = true
	h.Payload = &model.Payload{ContentType: model.ContentTypeJSON, Checksum: checksum}
	h.Stamp(now)
	return h
}

// HistoryChecksum extracts the state checksum a history record carries.
func HistoryChecksum(h *model.History) string {
	if h == nil || h.Payload == nil {
		return ""
	}
	return h.Payload.Checksum
}
