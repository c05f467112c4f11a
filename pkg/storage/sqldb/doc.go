// Package sqldb is the relational storage backend.
//
// Entries live as rows carrying the full resource document as JSON plus
// denormalized filtering columns, including the write-time query-policy
// tags. The SQL stays dialect-neutral across PostgreSQL (production, lib/pq)
// and SQLite (tests): $N placeholders, ON CONFLICT upserts, and policy
// intersection evaluated in Go rather than with array operators. Payload
// blobs go to a database table by default or to S3 when configured.
package sqldb
