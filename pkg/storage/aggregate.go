package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spacetrove/trove/pkg/model"
)

// The helpers below run the query variants that are backend-neutral: both
// adapters fetch candidate records their own way, then share this code so
// identical inputs yield identical outputs.

// SortRecords orders records by a field in place. "shortname" sorts the
// identity; any other field resolves as a dotted attribute path. Missing
// values sort first.
func SortRecords(records []model.Record, sortBy, order string) {
	descending := order == SortDescending
	sort.SliceStable(records, func(i, j int) bool {
		less := recordLess(records[i], records[j], sortBy)
		if descending {
			return recordLess(records[j], records[i], sortBy)
		}
		return less
	})
}

func recordLess(a, b model.Record, field string) bool {
	av, aok := recordField(a, field)
	bv, bok := recordField(b, field)
	if !aok || !bok {
		return !aok && bok
	}
	af, aNum := toFloat(av)
	bf, bNum := toFloat(bv)
	if aNum && bNum {
		return af < bf
	}
	return fmt.Sprintf("%v", av) < fmt.Sprintf("%v", bv)
}

func recordField(rec model.Record, field string) (interface{}, bool) {
	switch field {
	case "shortname":
		return rec.Shortname, true
	case "subpath":
		return rec.Subpath, true
	case "resource_type":
		return string(rec.ResourceType), true
	}
	return rec.FieldValue(field)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Paginate applies offset/limit to an already-sorted slice.
func Paginate(records []model.Record, offset, limit int) []model.Record {
	if offset >= len(records) {
		return nil
	}
	records = records[offset:]
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

// searchableAttributes is the free-text search surface: authored content
// only. Bookkeeping attributes (uuid, checksums, timestamps) are excluded
// so generated identifiers never satisfy a search term.
var searchableAttributes = []string{"tags", "displayname", "description", "payload"}

// SearchMatch reports whether a record matches a free-text term: shortname,
// tags, displaynames, descriptions and payload content are searched
// case-insensitively.
func SearchMatch(rec model.Record, term string) bool {
	if term == "" {
		return true
	}
	term = strings.ToLower(term)
	if strings.Contains(strings.ToLower(rec.Shortname), term) {
		return true
	}
	for _, attr := range searchableAttributes {
		if v, ok := rec.Attributes[attr]; ok && valueContains(v, term) {
			return true
		}
	}
	return false
}

func valueContains(v interface{}, term string) bool {
	switch t := v.(type) {
	case string:
		return strings.Contains(strings.ToLower(t), term)
	case map[string]interface{}:
		for _, child := range t {
			if valueContains(child, term) {
				return true
			}
		}
	case []interface{}:
		for _, child := range t {
			if valueContains(child, term) {
				return true
			}
		}
	}
	return false
}

// CountTags buckets tag frequencies across records, most frequent first and
// alphabetical within equal counts.
func CountTags(records []model.Record) []TagCount {
	counts := make(map[string]int64)
	for _, rec := range records {
		raw, ok := rec.Attributes["tags"]
		if !ok {
			continue
		}
		list, ok := raw.([]interface{})
		if !ok {
			continue
		}
		for _, item := range list {
			if tag, ok := item.(string); ok {
				counts[tag]++
			}
		}
	}
	buckets := make([]TagCount, 0, len(counts))
	for tag, count := range counts {
		buckets = append(buckets, TagCount{Tag: tag, Count: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Count != buckets[j].Count {
			return buckets[i].Count > buckets[j].Count
		}
		return buckets[i].Tag < buckets[j].Tag
	})
	return buckets
}

// Aggregate groups records and applies reducers, one output record per
// group carrying the group-by values plus each reducer's aliased result.
func Aggregate(records []model.Record, spec *AggregationSpec) []model.Record {
	if spec == nil {
		return nil
	}
	type group struct {
		key     string
		values  map[string]interface{}
		members []model.Record
	}
	groups := make(map[string]*group)
	var order []string

	for _, rec := range records {
		keyParts := make([]string, 0, len(spec.GroupBy))
		values := make(map[string]interface{}, len(spec.GroupBy))
		for _, field := range spec.GroupBy {
			v, _ := recordField(rec, field)
			keyParts = append(keyParts, fmt.Sprintf("%v", v))
			values[field] = v
		}
		key := strings.Join(keyParts, "\x00")
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, values: values}
			groups[key] = g
			order = append(order, key)
		}
		g.members = append(g.members, rec)
	}

	sort.Strings(order)
	results := make([]model.Record, 0, len(order))
	for _, key := range order {
		g := groups[key]
		attrs := model.JSON{}
		for field, v := range g.values {
			attrs[field] = v
		}
		for _, reducer := range spec.Reducers {
			attrs[reducer.Alias] = reduce(reducer, g.members)
		}
		results = append(results, model.Record{
			ResourceType: model.ResourceTypeJSON,
			Shortname:    strings.ReplaceAll(g.key, "\x00", "/"),
			Attributes:   attrs,
		})
	}
	return results
}

func reduce(r Reducer, members []model.Record) interface{} {
	if r.Fn == ReducerCount {
		return int64(len(members))
	}
	var numbers []float64
	for _, rec := range members {
		v, ok := recordField(rec, r.Field)
		if !ok {
			continue
		}
		if f, isNum := toFloat(v); isNum {
			numbers = append(numbers, f)
		}
	}
	if r.Fn == ReducerSample {
		for _, rec := range members {
			if v, ok := recordField(rec, r.Field); ok {
				return v
			}
		}
		return nil
	}
	if len(numbers) == 0 {
		return nil
	}
	switch r.Fn {
	case ReducerSum, ReducerAvg:
		var sum float64
		for _, n := range numbers {
			sum += n
		}
		if r.Fn == ReducerAvg {
			return sum / float64(len(numbers))
		}
		return sum
	case ReducerMin:
		min := numbers[0]
		for _, n := range numbers[1:] {
			if n < min {
				min = n
			}
		}
		return min
	case ReducerMax:
		max := numbers[0]
		for _, n := range numbers[1:] {
			if n > max {
				max = n
			}
		}
		return max
	}
	return nil
}
