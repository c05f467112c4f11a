package validation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetrove/trove/pkg/core"
	"github.com/spacetrove/trove/pkg/model"
)

type fakeSource struct {
	schemas map[string]string
	fetches int
}

func (f *fakeSource) SchemaDocument(_ context.Context, space, shortname string) ([]byte, error) {
	doc, ok := f.schemas[space+":"+shortname]
	if !ok {
		return nil, core.NotFound(space, "schema", shortname)
	}
	f.fetches++
	return []byte(doc), nil
}

const articleSchema = `{
	"type": "object",
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"views": {"type": "integer", "minimum": 0}
	},
	"required": ["title"]
}`

func jsonPayload(schema string, body string) *model.Payload {
	return &model.Payload{
		ContentType:     model.ContentTypeJSON,
		SchemaShortname: schema,
		Body:            json.RawMessage(body),
	}
}

func TestValidateShortname(t *testing.T) {
	for _, valid := range []string{"a", "article_1", "UPPER", "x9"} {
		assert.NoError(t, ValidateShortname(valid), valid)
	}
	for _, invalid := range []string{"", "has space", "dash-ed", "a/b", "ün1code",
		"way_too_long_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"} {
		err := ValidateShortname(invalid)
		require.Error(t, err, invalid)
		assert.True(t, core.IsCode(err, core.CodeInvalidData))
	}
}

func TestValidateSpaceName(t *testing.T) {
	assert.NoError(t, ValidateSpaceName("management"))
	assert.NoError(t, ValidateSpaceName("data_2"))
	for _, invalid := range []string{"", "Data", "9lives", "a-b"} {
		err := ValidateSpaceName(invalid)
		require.Error(t, err, invalid)
		assert.True(t, core.IsCode(err, core.CodeInvalidData))
	}
}

func TestValidatePayload(t *testing.T) {
	source := &fakeSource{schemas: map[string]string{
		"data:article": articleSchema,
		"data:broken":  `{"type": ["not", 1, "valid"`,
	}}
	validator := NewValidator(source)
	ctx := context.Background()

	t.Run("valid body", func(t *testing.T) {
		err := validator.ValidatePayload(ctx, "data", jsonPayload("article", `{"title":"hi","views":3}`))
		assert.NoError(t, err)
	})

	t.Run("violation carries location", func(t *testing.T) {
		err := validator.ValidatePayload(ctx, "data", jsonPayload("article", `{"views":-1}`))
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeSchemaViolation))
	})

	t.Run("no declared schema passes", func(t *testing.T) {
		payload := jsonPayload("", `{"anything": true}`)
		assert.NoError(t, validator.ValidatePayload(ctx, "data", payload))
		assert.NoError(t, validator.ValidatePayload(ctx, "data", nil))
	})

	t.Run("missing schema entry", func(t *testing.T) {
		err := validator.ValidatePayload(ctx, "data", jsonPayload("ghost", `{}`))
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeObjectNotFound))
	})

	t.Run("broken schema document", func(t *testing.T) {
		err := validator.ValidatePayload(ctx, "data", jsonPayload("broken", `{}`))
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeInvalidData))
	})

	t.Run("body not JSON", func(t *testing.T) {
		err := validator.ValidatePayload(ctx, "data", jsonPayload("article", `{{{`))
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeInvalidData))
	})

	t.Run("compiled schemas are cached", func(t *testing.T) {
		before := source.fetches
		for i := 0; i < 3; i++ {
			require.NoError(t, validator.ValidatePayload(ctx, "data", jsonPayload("article", `{"title":"x"}`)))
		}
		assert.Equal(t, before, source.fetches)

		validator.Invalidate("data", "article")
		require.NoError(t, validator.ValidatePayload(ctx, "data", jsonPayload("article", `{"title":"x"}`)))
		assert.Equal(t, before+1, source.fetches)
	})
}
