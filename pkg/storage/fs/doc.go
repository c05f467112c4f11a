// Package fs is the filesystem storage backend.
//
// Entries live as JSON metadata files under per-space directory trees:
// an entry's metadata sits at {space}/{subpath}/.dm/{shortname}/meta.{type}.json,
// folders keep theirs inside their own directory, history is an append-only
// history.jsonl beside the metadata, and attachments nest under the entry's
// .dm directory. A Redis inverted index mirrors the tree for querying and
// policy filtering; it is disposable and can be rebuilt from disk at any
// time.
package fs
