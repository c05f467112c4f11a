// Package model defines the trove resource model.
//
// Every addressable entity is located by (space, subpath, shortname,
// resource type) and carries a Meta base: ownership, activation flag, tags,
// an ordered ACL, locale-keyed display names and an optional payload. The
// concrete variants form a closed tagged union over ResourceType; decoding
// goes through a registry resolved once at init rather than reflection.
//
// Record is the backend-agnostic projection both storage adapters must
// produce so orchestrators never see backend-shaped data.
package model
