package model

import (
	"encoding/json"
	"fmt"
)

// Record is the backend-agnostic projection of a resource exchanged with
// orchestrators and transports.
type Record struct {
	ResourceType ResourceType            `json:"resource_type"`
	Shortname    string                  `json:"shortname"`
	Subpath      string                  `json:"subpath"`
	Attributes   JSON                    `json:"attributes"`
	Attachments  map[ResourceType][]Record `json:"attachments,omitempty"`
}

// ToRecord projects a resource into a Record. Attributes carry every meta
// field except the identity fields that live on the record itself.
func ToRecord(res Resource, subpath string) (Record, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return Record{}, fmt.Errorf("failed to project %s: %w", res.Type(), err)
	}
	attrs := JSON{}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return Record{}, fmt.Errorf("failed to project %s: %w", res.Type(), err)
	}
	delete(attrs, "shortname")
	return Record{
		ResourceType: res.Type(),
		Shortname:    res.Base().Shortname,
		Subpath:      subpath,
		Attributes:   attrs,
	}, nil
}

// ToResource materializes the concrete variant described by a record.
func (r Record) ToResource() (Resource, error) {
	attrs := JSON{}
	for k, v := range r.Attributes {
		attrs[k] = v
	}
	attrs["shortname"] = r.Shortname
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to materialize record %s: %w", r.Shortname, err)
	}
	return Decode(r.ResourceType, data)
}

// StripFields removes the named attribute paths from the record, used to
// apply a caller's restricted-fields list. Dotted paths descend into nested
// attribute maps.
func (r *Record) StripFields(paths []string) {
	for _, path := range paths {
		stripPath(r.Attributes, splitPath(path))
	}
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	return append(parts, path[start:])
}

func stripPath(doc JSON, parts []string) {
	if doc == nil || len(parts) == 0 {
		return
	}
	if len(parts) == 1 {
		delete(doc, parts[0])
		return
	}
	child, ok := doc[parts[0]].(map[string]interface{})
	if !ok {
		return
	}
	stripPath(child, parts[1:])
}

// FieldValue resolves a dotted attribute path, reporting whether it exists.
func (r Record) FieldValue(path string) (interface{}, bool) {
	parts := splitPath(path)
	var current interface{} = map[string]interface{}(r.Attributes)
	for _, part := range parts {
		doc, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if current, ok = doc[part]; !ok {
			return nil, false
		}
	}
	return current, true
}
