package rbac

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ijj-records/ijj-records/internal/shared"
)

// ============================================================================
// MOCK STORE
// ============================================================================

type mockStore struct {
	mu          sync.Mutex
	roles       map[uuid.UUID][]Role
	permissions []RoleModulePermission
	modules     []Module
	rolesErr    error
	permsErr    error
	roleCalls   atomic.Int32
}

func newMockStore() *mockStore {
	return &mockStore{
		roles: make(map[uuid.UUID][]Role),
		modules: []Module{
			{ID: 1, Name: "Expedientes", Route: "/dashboard/expedientes", Order: 1},
			{ID: 2, Name: "Atenciones", Route: "/dashboard/atenciones", Order: 2},
			{ID: 3, Name: "Administración", Route: "/dashboard/admin", Order: 9},
		},
	}
}

func (m *mockStore) ActiveRolesForUser(ctx context.Context, userID uuid.UUID) ([]Role, error) {
	m.roleCalls.Add(1)
	if m.rolesErr != nil {
		return nil, m.rolesErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Role(nil), m.roles[userID]...), nil
}

func (m *mockStore) PermissionsForRoles(ctx context.Context, roleIDs []int64) ([]RoleModulePermission, error) {
	if m.permsErr != nil {
		return nil, m.permsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[int64]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		wanted[id] = struct{}{}
	}
	var out []RoleModulePermission
	for _, p := range m.permissions {
		if _, ok := wanted[p.RoleID]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockStore) ListModules(ctx context.Context) ([]Module, error) {
	return m.modules, nil
}

func (m *mockStore) setPermission(p RoleModulePermission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.permissions {
		if m.permissions[i].RoleID == p.RoleID && m.permissions[i].ModuleID == p.ModuleID {
			m.permissions[i] = p
			return
		}
	}
	m.permissions = append(m.permissions, p)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestResolver(store Store, clock *fakeClock) *Resolver {
	return NewResolver(store, NewMemoryCache(clock.Now), DefaultCacheTTL, nil, WithClock(clock.Now))
}

// ============================================================================
// TESTS
// ============================================================================

func TestResolveZeroRolesDeniesEverything(t *testing.T) {
	store := newMockStore()
	resolver := newTestResolver(store, newFakeClock())

	set, err := resolver.Resolve(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, set.Admin)
	assert.Empty(t, set.Modules)
	for _, m := range store.modules {
		perm := set.For(m.Route)
		assert.False(t, perm.Any(), "module %s", m.Route)
		for _, action := range []Action{ActionView, ActionCreate, ActionEdit, ActionDelete} {
			assert.False(t, set.Can(m.Route, action))
		}
	}
}

func TestResolveUnionAcrossRoles(t *testing.T) {
	store := newMockStore()
	userID := uuid.New()
	store.roles[userID] = []Role{{ID: 10, Name: "psicologo", Active: true}, {ID: 11, Name: "trabajador_social", Active: true}}
	store.permissions = []RoleModulePermission{
		{RoleID: 10, ModuleID: 1, CanView: true},
		{RoleID: 11, ModuleID: 1, CanView: false, CanCreate: true},
		{RoleID: 11, ModuleID: 2, CanView: true, CanEdit: true},
		{RoleID: 99, ModuleID: 3, CanView: true},
	}
	resolver := newTestResolver(store, newFakeClock())

	set, err := resolver.Resolve(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, set.Modules, 2)

	expedientes := set.For("/dashboard/expedientes")
	assert.True(t, expedientes.CanView)
	assert.True(t, expedientes.CanCreate)
	assert.False(t, expedientes.CanEdit)
	assert.False(t, expedientes.CanDelete)

	atenciones := set.For("/dashboard/atenciones")
	assert.True(t, atenciones.CanView)
	assert.True(t, atenciones.CanEdit)

	assert.False(t, set.For("/dashboard/admin").CanView, "rows of roles the user does not hold must not leak")
	assert.Equal(t, []int64{1, 2}, []int64{set.Modules[0].ModuleID, set.Modules[1].ModuleID})
}

func TestResolveUnionPropertyForEveryFlagCombination(t *testing.T) {
	for mask := 0; mask < 4; mask++ {
		r1 := mask&1 != 0
		r2 := mask&2 != 0
		t.Run(fmt.Sprintf("r1=%v,r2=%v", r1, r2), func(t *testing.T) {
			store := newMockStore()
			userID := uuid.New()
			store.roles[userID] = []Role{{ID: 1, Name: "a", Active: true}, {ID: 2, Name: "b", Active: true}}
			store.permissions = []RoleModulePermission{
				{RoleID: 1, ModuleID: 2, CanView: r1, CanDelete: true},
				{RoleID: 2, ModuleID: 2, CanView: r2},
			}
			set, err := newTestResolver(store, newFakeClock()).Resolve(context.Background(), userID)
			require.NoError(t, err)
			assert.Equal(t, r1 || r2, set.For("/dashboard/atenciones").CanView)
		})
	}
}

func TestResolveAdminRole(t *testing.T) {
	store := newMockStore()
	userID := uuid.New()
	store.roles[userID] = []Role{{ID: 1, Name: AdminRole, Active: true}}
	resolver := newTestResolver(store, newFakeClock())

	set, err := resolver.Resolve(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, set.Admin)
	require.Len(t, set.Modules, 3)
	for _, m := range set.Modules {
		assert.True(t, m.CanView && m.CanCreate && m.CanEdit && m.CanDelete, m.Route)
	}
	assert.True(t, set.Can("/dashboard/admin", ActionDelete))
}

func TestResolveStoreUnavailablePropagates(t *testing.T) {
	store := newMockStore()
	store.rolesErr = fmt.Errorf("rbac: user roles: %w: %w", shared.ErrStoreUnavailable, errors.New("connection refused"))
	resolver := newTestResolver(store, newFakeClock())

	_, err := resolver.Resolve(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
}

func TestResolvePermissionReadFailureIsNotCached(t *testing.T) {
	store := newMockStore()
	userID := uuid.New()
	store.roles[userID] = []Role{{ID: 1, Name: "a", Active: true}}
	store.permsErr = fmt.Errorf("%w: timeout", shared.ErrStoreUnavailable)
	resolver := newTestResolver(store, newFakeClock())

	_, err := resolver.Resolve(context.Background(), userID)
	require.ErrorIs(t, err, shared.ErrStoreUnavailable)

	store.permsErr = nil
	store.permissions = []RoleModulePermission{{RoleID: 1, ModuleID: 1, CanView: true}}
	set, err := resolver.Resolve(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, set.For("/dashboard/expedientes").CanView)
}

func TestResolveCachedWithinTTL(t *testing.T) {
	store := newMockStore()
	clock := newFakeClock()
	userID := uuid.New()
	store.roles[userID] = []Role{{ID: 1, Name: "a", Active: true}}
	store.permissions = []RoleModulePermission{{RoleID: 1, ModuleID: 1, CanView: true}}
	resolver := newTestResolver(store, clock)

	first, err := resolver.Resolve(context.Background(), userID)
	require.NoError(t, err)

	// A concurrent admin write lands between the two reads.
	store.setPermission(RoleModulePermission{RoleID: 1, ModuleID: 1, CanView: false})
	clock.Advance(DefaultCacheTTL - time.Second)

	second, err := resolver.Resolve(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), store.roleCalls.Load())

	clock.Advance(2 * time.Second)
	third, err := resolver.Resolve(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, third.For("/dashboard/expedientes").CanView)
	assert.Equal(t, int32(2), store.roleCalls.Load())
}

func TestResolveCacheIsPerUser(t *testing.T) {
	store := newMockStore()
	alice, bob := uuid.New(), uuid.New()
	store.roles[alice] = []Role{{ID: 1, Name: "a", Active: true}}
	store.permissions = []RoleModulePermission{{RoleID: 1, ModuleID: 1, CanView: true}}
	resolver := newTestResolver(store, newFakeClock())

	aliceSet, err := resolver.Resolve(context.Background(), alice)
	require.NoError(t, err)
	bobSet, err := resolver.Resolve(context.Background(), bob)
	require.NoError(t, err)

	assert.True(t, aliceSet.For("/dashboard/expedientes").CanView)
	assert.False(t, bobSet.For("/dashboard/expedientes").CanView)
	assert.Equal(t, bob, bobSet.UserID)
}

func TestResolveReturnsIndependentCopies(t *testing.T) {
	store := newMockStore()
	userID := uuid.New()
	store.roles[userID] = []Role{{ID: 1, Name: "a", Active: true}}
	store.permissions = []RoleModulePermission{{RoleID: 1, ModuleID: 1, CanView: true}}
	resolver := newTestResolver(store, newFakeClock())

	first, err := resolver.Resolve(context.Background(), userID)
	require.NoError(t, err)
	first.Modules[0].CanDelete = true

	second, err := resolver.Resolve(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, second.Modules[0].CanDelete)
}

type countingObserver struct {
	hits, misses int
}

func (o *countingObserver) PermissionCacheLookup(hit bool) {
	if hit {
		o.hits++
		return
	}
	o.misses++
}

func TestResolveReportsCacheLookups(t *testing.T) {
	store := newMockStore()
	clock := newFakeClock()
	observer := &countingObserver{}
	resolver := NewResolver(store, NewMemoryCache(clock.Now), time.Minute, nil, WithClock(clock.Now), WithCacheObserver(observer))
	userID := uuid.New()

	_, err := resolver.Resolve(context.Background(), userID)
	require.NoError(t, err)
	_, err = resolver.Resolve(context.Background(), userID)
	require.NoError(t, err)

	assert.Equal(t, 1, observer.hits)
	assert.Equal(t, 1, observer.misses)
}

func TestResolveConcurrentCallers(t *testing.T) {
	store := newMockStore()
	userID := uuid.New()
	store.roles[userID] = []Role{{ID: 1, Name: "a", Active: true}}
	store.permissions = []RoleModulePermission{{RoleID: 1, ModuleID: 2, CanView: true}}
	resolver := NewResolver(store, NewMemoryCache(nil), time.Minute, nil)

	var wg sync.WaitGroup
	results := make([]PermissionSet, 16)
	errs := make([]error, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = resolver.Resolve(context.Background(), userID)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.True(t, results[i].For("/dashboard/atenciones").CanView)
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	store := newMockStore()
	userID := uuid.New()
	store.roles[userID] = []Role{{ID: 1, Name: "a", Active: true}}
	store.permissions = []RoleModulePermission{{RoleID: 1, ModuleID: 1, CanView: true}}
	resolver := newTestResolver(store, newFakeClock())

	_, err := resolver.Resolve(context.Background(), userID)
	require.NoError(t, err)
	store.setPermission(RoleModulePermission{RoleID: 1, ModuleID: 1, CanView: false})

	require.NoError(t, resolver.Invalidate(context.Background(), userID))
	set, err := resolver.Resolve(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, set.For("/dashboard/expedientes").CanView)
	assert.Equal(t, int32(2), store.roleCalls.Load())
}

// gatedStore blocks role reads until release is closed, honouring ctx.
type gatedStore struct {
	*mockStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) ActiveRolesForUser(ctx context.Context, userID uuid.UUID) ([]Role, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, unavailable("user roles", ctx.Err())
	}
	return g.mockStore.ActiveRolesForUser(ctx, userID)
}

func TestCancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	store := &gatedStore{mockStore: newMockStore(), entered: make(chan struct{}), release: make(chan struct{})}
	userID := uuid.New()
	store.roles[userID] = []Role{{ID: 1, Name: "a", Active: true}}
	store.permissions = []RoleModulePermission{{RoleID: 1, ModuleID: 3, CanView: true}}
	resolver := NewResolver(store, NewMemoryCache(nil), time.Minute, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := resolver.Resolve(ctxA, userID)
		errA <- err
	}()
	<-store.entered

	ctxB, cancelB := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelB()
	type result struct {
		set PermissionSet
		err error
	}
	resB := make(chan result, 1)
	go func() {
		set, err := resolver.Resolve(ctxB, userID)
		resB <- result{set, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(store.release)
	b := <-resB
	require.NoError(t, b.err)
	assert.True(t, b.set.For("/dashboard/admin").CanView)
	assert.Equal(t, int32(1), store.roleCalls.Load())
}

func TestSharedLoadIsBoundedByLoadTimeout(t *testing.T) {
	store := &gatedStore{mockStore: newMockStore(), entered: make(chan struct{}), release: make(chan struct{})}
	resolver := NewResolver(store, nil, time.Minute, nil, WithLoadTimeout(20*time.Millisecond))

	_, err := resolver.Resolve(context.Background(), uuid.New())
	assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
