// Package access implements trove's authorization engine: the permission
// resolver that compiles a user's role and group graph into an entitlement
// map, and the gate that decides every per-action access check against it.
//
// The resolver walks user -> roles, user -> groups -> roles, the implicit
// logged_in role and the always-included world permission, expanding magic
// subpath tokens per caller. Resolution results are cached per user in an
// expirable LRU and invalidated explicitly by every role, group and
// permission mutation path; stale permissions are a security concern, so
// the TTL is only a safety net.
//
// The gate is pure: it never mutates state and never fails open. A caller
// with missing or corrupted role data resolves to an empty entitlement map
// and is denied, not errored.
package access
