package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL bounds how long a permission change may take to be observed.
const DefaultCacheTTL = 5 * time.Minute

// DefaultLoadTimeout bounds a shared store load. It is independent of the
// callers' contexts because one load serves every concurrent caller.
const DefaultLoadTimeout = 5 * time.Second

// CacheObserver receives cache hit/miss notifications.
type CacheObserver interface {
	PermissionCacheLookup(hit bool)
}

// Resolver aggregates a user's roles into one effective permission set.
type Resolver struct {
	store       Store
	cache       Cache
	ttl         time.Duration
	loadTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
	observer    CacheObserver
	group       singleflight.Group
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithClock overrides the clock used to stamp resolved sets.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLoadTimeout overrides DefaultLoadTimeout.
func WithLoadTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.loadTimeout = d
		}
	}
}

// WithCacheObserver reports cache lookups, typically to metrics.
func WithCacheObserver(o CacheObserver) ResolverOption {
	return func(r *Resolver) {
		r.observer = o
	}
}

// NewResolver constructs a Resolver. A nil cache disables caching.
func NewResolver(store Store, cache Cache, ttl time.Duration, logger *slog.Logger, opts ...ResolverOption) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{store: store, cache: cache, ttl: ttl, loadTimeout: DefaultLoadTimeout, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the effective permissions of userID. Store failures are
// returned as errors wrapping shared.ErrStoreUnavailable and must not be
// read as "no permissions".
func (r *Resolver) Resolve(ctx context.Context, userID uuid.UUID) (PermissionSet, error) {
	key := CacheKey(userID)
	if r.cache != nil {
		set, ok, err := r.cache.Get(ctx, key)
		if err != nil {
			r.logger.Warn("rbac cache get", slog.String("user_id", userID.String()), slog.Any("error", err))
		}
		r.observe(ok && err == nil)
		if ok && err == nil {
			return set, nil
		}
	}

	// The load is shared by every caller waiting on key, so it must not
	// inherit the first caller's cancellation. Each caller still stops
	// waiting when its own ctx is done.
	ch := r.group.DoChan(key, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.loadTimeout)
		defer cancel()
		set, err := r.load(lctx, userID)
		if err != nil {
			return PermissionSet{}, err
		}
		if r.cache != nil {
			if err := r.cache.Set(lctx, key, set, r.ttl); err != nil {
				r.logger.Warn("rbac cache set", slog.String("user_id", userID.String()), slog.Any("error", err))
			}
		}
		return set, nil
	})
	select {
	case <-ctx.Done():
		return PermissionSet{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return PermissionSet{}, res.Err
		}
		return res.Val.(PermissionSet).clone(), nil
	}
}

func (r *Resolver) load(ctx context.Context, userID uuid.UUID) (PermissionSet, error) {
	set := PermissionSet{UserID: userID, Modules: []EffectivePermission{}, ResolvedAt: r.now()}

	roles, err := r.store.ActiveRolesForUser(ctx, userID)
	if err != nil {
		return PermissionSet{}, fmt.Errorf("rbac: resolve %s: %w", userID, err)
	}
	if len(roles) == 0 {
		return set, nil
	}

	roleIDs := make([]int64, 0, len(roles))
	for _, role := range roles {
		roleIDs = append(roleIDs, role.ID)
		if role.Name == AdminRole {
			set.Admin = true
		}
	}

	var (
		rows    []RoleModulePermission
		modules []Module
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rows, err = r.store.PermissionsForRoles(gctx, roleIDs)
		return err
	})
	g.Go(func() error {
		var err error
		modules, err = r.store.ListModules(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return PermissionSet{}, fmt.Errorf("rbac: resolve %s: %w", userID, err)
	}

	if set.Admin {
		set.Modules = FullAccess(modules)
		return set, nil
	}
	set.Modules = Aggregate(rows, modules)
	return set, nil
}

func (r *Resolver) observe(hit bool) {
	if r.observer != nil {
		r.observer.PermissionCacheLookup(hit)
	}
}

// Invalidate drops the cached set of userID so the next Resolve reads the
// store. Used after a user's own role assignments change.
func (r *Resolver) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Expire(ctx, CacheKey(userID))
}
