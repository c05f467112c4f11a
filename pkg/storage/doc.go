// Package storage defines the uniform persistence contract both trove
// backends implement, together with the backend-neutral machinery they
// share: flattened structural diffs, history-record construction, query
// specifications and folder-level uniqueness validation.
//
// Two implementations exist:
//
//   - pkg/storage/fs: JSON documents on the local filesystem with a
//     redis-backed inverted index for policy-filtered queries.
//   - pkg/storage/sqldb: relational rows behind database/sql with the query
//     policies denormalized into each entry row.
//
// Both must produce identical Record projections and identical error codes
// for the same logical inputs; pkg/storage/adaptertest holds the shared
// conformance suite that asserts this equivalence.
//
// Adapters never apply access control themselves. Callers resolve an
// AccessFilter through the access gate and pass it to Query; mutations are
// authorized before they reach the adapter.
package storage
