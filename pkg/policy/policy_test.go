package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetrove/trove/pkg/model"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "/", Normalize(""))
	assert.Equal(t, "/", Normalize("/"))
	assert.Equal(t, "articles", Normalize("/articles/"))
	assert.Equal(t, "articles/tech", Normalize("articles/tech"))
	assert.Equal(t, "articles/tech", Normalize("\\articles\\tech"))
}

func TestPrefixes(t *testing.T) {
	assert.Equal(t, []string{"/"}, Prefixes("/"))
	assert.Equal(t, []string{"articles"}, Prefixes("/articles"))
	assert.Equal(t,
		[]string{"articles", "articles/tech", "articles/tech/go"},
		Prefixes("/articles/tech/go"))
}

func TestGenerate(t *testing.T) {
	t.Run("single level entry", func(t *testing.T) {
		policies := Generate("data", "/articles", model.ResourceTypeContent, true, "alice", "", "")

		assert.ElementsMatch(t, []string{
			"data:articles:content:true:alice",
			"data:articles:content:true",
		}, policies)
	})

	t.Run("deep subpath emits every prefix and the wildcard", func(t *testing.T) {
		policies := Generate("data", "/articles/tech", model.ResourceTypeContent, true, "alice", "", "")

		assert.ElementsMatch(t, []string{
			"data:articles:content:true:alice",
			"data:articles:content:true",
			"data:articles/tech:content:true:alice",
			"data:articles/tech:content:true",
			"data:__all_subpaths__:content:true:alice",
			"data:__all_subpaths__:content:true",
		}, policies)
	})

	t.Run("owner group replaces the state-only variant", func(t *testing.T) {
		policies := Generate("data", "/articles", model.ResourceTypeContent, false, "alice", "editors", "")

		assert.ElementsMatch(t, []string{
			"data:articles:content:false:alice",
			"data:articles:content:false:g:editors",
		}, policies)
	})

	t.Run("entry shortname extends the deepest prefix", func(t *testing.T) {
		policies := Generate("data", "/articles", model.ResourceTypeFolder, true, "alice", "", "tech")

		assert.Contains(t, policies, "data:articles/tech:folder:true:alice")
		assert.Contains(t, policies, "data:articles/tech:folder:true")
		// Two levels now exist, so the wildcard variant appears.
		assert.Contains(t, policies, "data:__all_subpaths__:folder:true")
	})

	t.Run("deterministic", func(t *testing.T) {
		a := Generate("data", "/a/b/c", model.ResourceTypeTicket, true, "o", "g", "s")
		b := Generate("data", "/a/b/c", model.ResourceTypeTicket, true, "o", "g", "s")
		assert.Equal(t, a, b)
	})
}

func TestCandidateKeys(t *testing.T) {
	keys := CandidateKeys("data", "/articles/tech", model.ResourceTypeContent)

	require.Equal(t, []string{
		"data:articles/tech:content",
		"data:articles:content",
		"data:/:content",
		"data:__all_subpaths__:content",
	}, keys)
}

// Write-time tagging and read-time candidate expansion must stay symmetric:
// each candidate key is a policy string minus its active/scope suffix.
func TestPolicySymmetry(t *testing.T) {
	space, subpath := "data", "/articles/tech/go"
	policies := Generate(space, subpath, model.ResourceTypeContent, true, "alice", "", "")
	keys := CandidateKeys(space, subpath, model.ResourceTypeContent)

	matched := 0
	for _, key := range keys {
		for _, p := range policies {
			if p == key+":true" || p == key+":true:alice" {
				matched++
				break
			}
		}
	}
	assert.Greater(t, matched, 0, "candidate keys must intersect write-time policies")
}
