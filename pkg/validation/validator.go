package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/spacetrove/trove/pkg/core"
	"github.com/spacetrove/trove/pkg/model"
)

var (
	shortnameRe = regexp.MustCompile(`^[a-zA-Z0-9_]{1,64}$`)
	spaceRe     = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
)

// ValidateShortname checks entry shortname rules: word characters only,
// at most 64 of them.
func ValidateShortname(shortname string) error {
	if !shortnameRe.MatchString(shortname) {
		return core.NewError(core.CodeInvalidData, "invalid shortname %q", shortname)
	}
	return nil
}

// ValidateSpaceName checks space naming rules, stricter than shortnames
// since space names become path and policy segments.
func ValidateSpaceName(space string) error {
	if !spaceRe.MatchString(space) {
		return core.NewError(core.CodeInvalidData, "invalid space name %q", space)
	}
	return nil
}

// SchemaSource fetches a schema document by space and shortname.
type SchemaSource interface {
	SchemaDocument(ctx context.Context, space, shortname string) ([]byte, error)
}

// Validator compiles and caches JSON schemas and validates payload bodies
// against them.
type Validator struct {
	source SchemaSource

	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator creates a validator backed by a schema source.
func NewValidator(source SchemaSource) *Validator {
	return &Validator{
		source:   source,
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// ValidatePayload checks a payload body against its declared schema.
// Schema violations fail SCHEMA_VIOLATION with the first failing location.
func (v *Validator) ValidatePayload(ctx context.Context, space string, payload *model.Payload) error {
	if payload == nil || payload.SchemaShortname == "" {
		return nil
	}
	schema, err := v.schema(ctx, space, payload.SchemaShortname)
	if err != nil {
		return err
	}
	var body interface{}
	decoder := json.NewDecoder(bytes.NewReader(payload.Body))
	decoder.UseNumber()
	if err := decoder.Decode(&body); err != nil {
		return core.NewError(core.CodeInvalidData, "payload body is not valid JSON").WithCause(err)
	}
	if err := schema.Validate(body); err != nil {
		return schemaViolation(payload.SchemaShortname, err)
	}
	return nil
}

func schemaViolation(schemaShortname string, err error) error {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		location := leaf.InstanceLocation
		if location == "" {
			location = "/"
		}
		return core.NewError(core.CodeSchemaViolation,
			"payload violates schema %s at %s: %s", schemaShortname, location, leaf.Message).WithCause(err)
	}
	return core.NewError(core.CodeSchemaViolation,
		"payload violates schema %s", schemaShortname).WithCause(err)
}

// Invalidate drops a cached compiled schema, called when a schema entry
// changes.
func (v *Validator) Invalidate(space, shortname string) {
	v.mu.Lock()
	delete(v.compiled, space+":"+shortname)
	v.mu.Unlock()
}

func (v *Validator) schema(ctx context.Context, space, shortname string) (*jsonschema.Schema, error) {
	key := space + ":" + shortname
	v.mu.RLock()
	schema, ok := v.compiled[key]
	v.mu.RUnlock()
	if ok {
		return schema, nil
	}

	document, err := v.source.SchemaDocument(ctx, space, shortname)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("trove://%s/schema/%s.json", space, shortname)
	if err := compiler.AddResource(url, bytes.NewReader(document)); err != nil {
		return nil, core.NewError(core.CodeInvalidData, "schema %s is not valid JSON", shortname).WithCause(err)
	}
	schema, err = compiler.Compile(url)
	if err != nil {
		return nil, core.NewError(core.CodeInvalidData, "schema %s does not compile", shortname).WithCause(err)
	}

	v.mu.Lock()
	v.compiled[key] = schema
	v.mu.Unlock()
	return schema, nil
}
