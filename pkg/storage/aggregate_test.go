package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spacetrove/trove/pkg/model"
)

func TestSearchMatch(t *testing.T) {
	rec := model.Record{
		ResourceType: model.ResourceTypeContent,
		Shortname:    "launch-note",
		Subpath:      "articles",
		Attributes: model.JSON{
			"uuid":            "9b2fa7c0-44d1-4f6e-9f2e-0c1d2e3f4a5b",
			"owner_shortname": "alice",
			"tags":            []interface{}{"release", "go"},
			"displayname":     map[string]interface{}{"en": "Launch Note"},
			"description":     map[string]interface{}{"en": "the first public build"},
			"payload": map[string]interface{}{
				"content_type": "json",
				"body":         map[string]interface{}{"title": "Spacecraft assembly"},
			},
			"created_at": "2025-06-01T00:00:00Z",
		},
	}

	t.Run("matches authored content", func(t *testing.T) {
		assert.True(t, SearchMatch(rec, "launch-note"))
		assert.True(t, SearchMatch(rec, "release"))
		assert.True(t, SearchMatch(rec, "PUBLIC"))
		assert.True(t, SearchMatch(rec, "assembly"))
	})

	t.Run("ignores bookkeeping attributes", func(t *testing.T) {
		assert.False(t, SearchMatch(rec, "9b2fa7c0"))
		assert.False(t, SearchMatch(rec, "44d1"))
		assert.False(t, SearchMatch(rec, "2025-06"))
		assert.False(t, SearchMatch(rec, "alice"))
	})

	t.Run("empty term matches everything", func(t *testing.T) {
		assert.True(t, SearchMatch(rec, ""))
	})
}
