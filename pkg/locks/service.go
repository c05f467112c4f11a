package locks

import (
	"context"
	"time"

	"github.com/spacetrove/trove/pkg/core"
	"github.com/spacetrove/trove/pkg/model"
	"github.com/spacetrove/trove/pkg/observability"
	"github.com/spacetrove/trove/pkg/storage"
)

// Store is the lease persistence surface; both storage adapters satisfy it.
type Store interface {
	FetchLock(ctx context.Context, key storage.LockKey) (*model.Lock, error)
	StoreLock(ctx context.Context, key storage.LockKey, lock *model.Lock) error
	DeleteLock(ctx context.Context, key storage.LockKey) error
}

// Service arbitrates lock leases on top of a Store.
type Service struct {
	store      Store
	defaultTTL time.Duration
	logger     *observability.Logger
	metrics    *observability.Metrics

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewService creates a lock service. defaultTTL applies when a caller does
// not ask for a specific lease duration.
func NewService(store Store, defaultTTL time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Service {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Service{
		store:      store,
		defaultTTL: defaultTTL,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Acquire takes or extends the lease on an entry. A live lease held by a
// different owner fails with LOCKED_ENTRY; an expired one is silently
// replaced.
func (s *Service) Acquire(ctx context.Context, key storage.LockKey, owner string, ttl time.Duration) (*model.Lock, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now()

	existing, err := s.store.FetchLock(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.Expired(now) && existing.OwnerShortname != owner {
		if s.metrics != nil {
			s.metrics.LockContentionTotal.Inc()
		}
		return nil, core.NewError(core.CodeLockedEntry,
			"entry %s/%s/%s is locked by %s", key.Space, key.Subpath, key.Shortname, existing.OwnerShortname)
	}

	lock := &model.Lock{
		Meta: model.Meta{
			Shortname:      key.Shortname,
			OwnerShortname: owner,
			IsActive:       true,
		},
		LockTime: now,
		TTL:      ttl,
	}
	lock.Stamp(now)
	outcome := "acquired"
	if existing != nil && existing.OwnerShortname == owner && !existing.Expired(now) {
		lock.UUID = existing.UUID
		lock.CreatedAt = existing.CreatedAt
		outcome = "extended"
	}

	if err := s.store.StoreLock(ctx, key, lock); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.LockAcquisitionsTotal.WithLabelValues(outcome).Inc()
	}
	s.logger.WithEntry(key.Space, key.Subpath, key.Shortname).
		WithField("lock_owner", owner).
		WithField("ttl", ttl.String()).
		Debug("lock acquired")
	return lock, nil
}

// Fetch returns the live lease on an entry, nil when absent or lapsed.
func (s *Service) Fetch(ctx context.Context, key storage.LockKey) (*model.Lock, error) {
	lock, err := s.store.FetchLock(ctx, key)
	if err != nil {
		return nil, err
	}
	if lock == nil || lock.Expired(s.now()) {
		return nil, nil
	}
	return lock, nil
}

// Release drops the lease. Releasing an absent or lapsed lease is a no-op;
// releasing another owner's live lease fails with LOCKED_ENTRY.
func (s *Service) Release(ctx context.Context, key storage.LockKey, owner string) error {
	lock, err := s.store.FetchLock(ctx, key)
	if err != nil {
		return err
	}
	if lock == nil {
		return nil
	}
	if !lock.Expired(s.now()) && lock.OwnerShortname != owner {
		return core.NewError(core.CodeLockedEntry,
			"entry %s/%s/%s is locked by %s", key.Space, key.Subpath, key.Shortname, lock.OwnerShortname)
	}
	if err := s.store.DeleteLock(ctx, key); err != nil {
		return err
	}
	s.logger.WithEntry(key.Space, key.Subpath, key.Shortname).
		WithField("lock_owner", owner).
		Debug("lock released")
	return nil
}

// HeldByOther reports whether a live lease held by someone other than
// caller covers the entry, returning that lease when it does.
func (s *Service) HeldByOther(ctx context.Context, key storage.LockKey, caller string) (*model.Lock, error) {
	lock, err := s.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if lock == nil || lock.OwnerShortname == caller {
		return nil, nil
	}
	return lock, nil
}
