package storage

import (
	"github.com/spacetrove/trove/pkg/model"
)

// QueryType selects a query variant.
type QueryType string

const (
	QuerySubpath     QueryType = "subpath"
	QuerySearch      QueryType = "search"
	QuerySpaces      QueryType = "spaces"
	QueryHistory     QueryType = "history"
	QueryEvents      QueryType = "events"
	QueryCounters    QueryType = "counters"
	QueryAggregation QueryType = "aggregation"
	QueryRandom      QueryType = "random"
	QueryTags        QueryType = "tags"
)

// SortOrder directions.
const (
	SortAscending  = "ascending"
	SortDescending = "descending"
)

// ReducerFn enumerates aggregation reducers.
type ReducerFn string

const (
	ReducerCount  ReducerFn = "count"
	ReducerSum    ReducerFn = "sum"
	ReducerAvg    ReducerFn = "avg"
	ReducerMin    ReducerFn = "min"
	ReducerMax    ReducerFn = "max"
	ReducerSample ReducerFn = "random_sample"
)

// Reducer is one aggregation function applied per group.
type Reducer struct {
	Fn    ReducerFn `json:"fn"`
	Field string    `json:"field,omitempty"`
	Alias string    `json:"alias"`
}

// AggregationSpec describes a group-by aggregation.
type AggregationSpec struct {
	GroupBy  []string  `json:"group_by"`
	Reducers []Reducer `json:"reducers"`
}

// Query is the backend-neutral query specification.
type Query struct {
	Type    QueryType `json:"type"`
	Space   string    `json:"space_name,omitempty"`
	Subpath string    `json:"subpath,omitempty"`

	ResourceTypes []model.ResourceType `json:"filter_types,omitempty"`
	Shortnames    []string             `json:"filter_shortnames,omitempty"`
	Tags          []string             `json:"filter_tags,omitempty"`
	Search        string               `json:"search,omitempty"`

	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`

	SortBy    string `json:"sort_by,omitempty"`
	SortOrder string `json:"sort_type,omitempty"`

	Aggregation *AggregationSpec `json:"aggregation_data,omitempty"`
}

// AccessFilter is the caller's read-time policy context, resolved by the
// access gate. An entry is visible when its policy tags intersect Policies
// or the caller appears in its view ACL; Unrestricted bypasses filtering
// (counters, internal maintenance).
type AccessFilter struct {
	Caller       string
	Policies     []string
	Unrestricted bool
}

// Matches reports whether an entry tagged with the given policies and view
// ACL is visible under the filter.
func (f AccessFilter) Matches(entryPolicies, viewACL []string) bool {
	if f.Unrestricted {
		return true
	}
	if f.Caller != "" {
		for _, user := range viewACL {
			if user == f.Caller {
				return true
			}
		}
	}
	if len(f.Policies) == 0 {
		return false
	}
	allowed := make(map[string]struct{}, len(f.Policies))
	for _, p := range f.Policies {
		allowed[p] = struct{}{}
	}
	for _, p := range entryPolicies {
		if _, ok := allowed[p]; ok {
			return true
		}
	}
	return false
}

// QueryResult carries the total match count alongside the requested page.
type QueryResult struct {
	Total   int64          `json:"total"`
	Records []model.Record `json:"records"`
}

// TagCount is one bucket of a tags query.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int64  `json:"count"`
}

// DefaultLimit bounds unpaginated listings.
const DefaultLimit = 100

// Normalize fills query defaults in place.
func (q *Query) Normalize() {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.SortOrder == "" {
		q.SortOrder = SortAscending
	}
	if q.SortBy == "" {
		q.SortBy = "shortname"
	}
}
