// Package validation enforces entry well-formedness: shortname and space
// naming rules, and JSON Schema validation of payload bodies against
// schema entries.
package validation
