package service

import (
	"context"
	"time"

	"github.com/spacetrove/trove/pkg/access"
	"github.com/spacetrove/trove/pkg/core"
	"github.com/spacetrove/trove/pkg/model"
	"github.com/spacetrove/trove/pkg/storage"
)

// Lock acquires or extends an edit lease on an entry for the actor.
func (s *Service) Lock(ctx context.Context, space, subpath, shortname string, rt model.ResourceType, actor string, ttl time.Duration) (*model.Lock, error) {
	existing, err := s.adapter.Load(ctx, space, subpath, shortname, rt)
	if err != nil {
		return nil, err
	}
	meta := existing.Base()

	if !s.gate.CheckAccess(ctx, access.CheckRequest{
		User:               actor,
		Space:              space,
		Subpath:            subpath,
		ResourceType:       existing.Type(),
		Action:             model.ActionLock,
		ResourceIsActive:   meta.IsActive,
		ResourceOwner:      meta.OwnerShortname,
		ResourceOwnerGroup: meta.OwnerGroupShortname,
		ACL:                meta.ACL,
	}) {
		return nil, core.NewError(core.CodeNotAllowed,
			"%s may not lock %s/%s/%s", actor, space, subpath, shortname)
	}

	key := storage.LockKey{Space: space, Subpath: subpath, Shortname: shortname}
	return s.locks.Acquire(ctx, key, actor, ttl)
}

// Unlock releases the actor's lease. Releasing an absent lease is a no-op;
// a live foreign lease fails LOCKED_ENTRY.
func (s *Service) Unlock(ctx context.Context, space, subpath, shortname, actor string) error {
	key := storage.LockKey{Space: space, Subpath: subpath, Shortname: shortname}
	return s.locks.Release(ctx, key, actor)
}
