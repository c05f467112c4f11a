// Package locks implements short-TTL mutual-exclusion leases on entries.
//
// A lease belongs to the user that acquired it and lapses passively when its
// TTL elapses; no background process is required for correctness. The same
// owner re-acquiring a lease extends it, a different caller hitting a live
// lease fails with LOCKED_ENTRY.
package locks
