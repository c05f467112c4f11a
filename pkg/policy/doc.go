// Package policy generates the coarse-grained query policy strings that tag
// entries at write time and filter them at read time.
//
// A policy string encodes {space}:{subpath-prefix}:{resource_type}:{active}
// with an optional trailing owner or owner-group scope. Strings are emitted
// for every prefix of the entry's subpath plus a reserved all-subpaths token,
// so a permission granted at a shallow pattern matches entries arbitrarily
// deep. Generation is pure and deterministic; consumers treat the lists as
// sets.
//
// The access gate and both storage adapters must use this package for every
// policy string they produce so write-time tagging and read-time filtering
// stay symmetric.
package policy
