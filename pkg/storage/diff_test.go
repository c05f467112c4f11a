package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetrove/trove/pkg/model"
)

func TestFlatten(t *testing.T) {
	flat := Flatten(model.JSON{
		"shortname": "a1",
		"payload": map[string]interface{}{
			"content_type": "json",
			"body":         map[string]interface{}{"slug": "hello", "views": float64(3)},
		},
		"tags": []interface{}{"go", "news"},
	})

	assert.Equal(t, "a1", flat["shortname"])
	assert.Equal(t, "json", flat["payload.content_type"])
	assert.Equal(t, "hello", flat["payload.body.slug"])
	assert.Equal(t, []interface{}{"go", "news"}, flat["tags"])
}

func TestDiff(t *testing.T) {
	t.Run("identical documents produce an empty diff", func(t *testing.T) {
		doc := map[string]interface{}{"a": "x", "b": float64(1)}
		assert.Empty(t, Diff(doc, doc, nil))
	})

	t.Run("scalar change", func(t *testing.T) {
		diff := Diff(
			map[string]interface{}{"title": "old"},
			map[string]interface{}{"title": "new"},
			[]string{"title"},
		)
		require.Len(t, diff, 1)
		assert.Equal(t, model.HistoryDelta{Old: "old", New: "new"}, diff["title"])
	})

	t.Run("only changed fields are considered", func(t *testing.T) {
		diff := Diff(
			map[string]interface{}{"title": "old", "views": float64(1)},
			map[string]interface{}{"title": "new", "views": float64(2)},
			[]string{"views"},
		)
		require.Len(t, diff, 1)
		assert.NotContains(t, diff, "title")
	})

	t.Run("removed fields report a nil new value", func(t *testing.T) {
		diff := Diff(
			map[string]interface{}{"legacy": "x"},
			map[string]interface{}{},
			nil,
		)
		require.Contains(t, diff, "legacy")
		assert.Equal(t, "x", diff["legacy"].Old)
		assert.Nil(t, diff["legacy"].New)
	})

	t.Run("lists diff as a set difference, not positionally", func(t *testing.T) {
		diff := Diff(
			map[string]interface{}{"tags": []interface{}{"a", "b", "c"}},
			map[string]interface{}{"tags": []interface{}{"c", "b", "d"}},
			[]string{"tags"},
		)
		require.Contains(t, diff, "tags")
		assert.Equal(t, []interface{}{"a"}, diff["tags"].Old)
		assert.Equal(t, []interface{}{"d"}, diff["tags"].New)
	})

	t.Run("reordered lists are not a change", func(t *testing.T) {
		diff := Diff(
			map[string]interface{}{"tags": []interface{}{"a", "b"}},
			map[string]interface{}{"tags": []interface{}{"b", "a"}},
			[]string{"tags"},
		)
		assert.Empty(t, diff)
	})
}

func TestStateChecksum(t *testing.T) {
	a := map[string]interface{}{"x": float64(1), "y": "two"}
	b := map[string]interface{}{"y": "two", "x": float64(1)}

	assert.Equal(t, StateChecksum(a), StateChecksum(b), "checksum must not depend on key order")
	assert.NotEqual(t, StateChecksum(a), StateChecksum(map[string]interface{}{"x": float64(2), "y": "two"}))
}

func TestNewHistory(t *testing.T) {
	now := time.Now()
	diff := map[string]model.HistoryDelta{"title": {Old: "a", New: "b"}}
	h := NewHistory("alice", diff, "sum123", map[string][]string{"X-Request-Id": {"r1"}}, now)

	assert.Equal(t, "history", h.Shortname)
	assert.Equal(t, "alice", h.OwnerShortname)
	assert.Equal(t, diff, h.Diff)
	assert.Equal(t, "sum123", HistoryChecksum(h))
	assert.Equal(t, now, h.Timestamp)
}

func TestParentOf(t *testing.T) {
	parent, leaf := ParentOf("articles/tech")
	assert.Equal(t, "articles", parent)
	assert.Equal(t, "tech", leaf)

	parent, leaf = ParentOf("/articles")
	assert.Equal(t, "/", parent)
	assert.Equal(t, "articles", leaf)

	parent, leaf = ParentOf("/")
	assert.Equal(t, "/", parent)
	assert.Equal(t, "", leaf)
}

func TestAccessFilterMatches(t *testing.T) {
	filter := AccessFilter{
		Caller:   "alice",
		Policies: []string{"data:articles:content:true"},
	}

	assert.True(t, filter.Matches([]string{"data:articles:content:true", "x"}, nil))
	assert.False(t, filter.Matches([]string{"data:articles:content:false"}, nil))
	assert.True(t, filter.Matches(nil, []string{"alice"}), "view ACL overrides policy mismatch")
	assert.True(t, AccessFilter{Unrestricted: true}.Matches(nil, nil))
}
