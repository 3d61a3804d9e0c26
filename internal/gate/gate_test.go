package gate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ijj-records/ijj-records/internal/identity"
	"github.com/ijj-records/ijj-records/internal/rbac"
	"github.com/ijj-records/ijj-records/internal/shared"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeAssurance struct {
	levels identity.AssuranceLevels
	err    error
	calls  int
}

func (f *fakeAssurance) Levels(ctx context.Context, accessToken string) (identity.AssuranceLevels, error) {
	f.calls++
	return f.levels, f.err
}

type fakeQuestions struct {
	count int
	err   error
	calls int
}

func (f *fakeQuestions) Count(ctx context.Context, userID uuid.UUID) (int, error) {
	f.calls++
	return f.count, f.err
}

type fakePermissions struct {
	set   rbac.PermissionSet
	err   error
	calls int
}

func (f *fakePermissions) Resolve(ctx context.Context, userID uuid.UUID) (rbac.PermissionSet, error) {
	f.calls++
	return f.set, f.err
}

type fixture struct {
	assurance   *fakeAssurance
	questions   *fakeQuestions
	permissions *fakePermissions
	gate        *Gate
	principal   *shared.Principal
}

// newFixture starts from a fully cleared user: aal2, questions configured,
// no admin access.
func newFixture() *fixture {
	f := &fixture{
		assurance:   &fakeAssurance{levels: identity.AssuranceLevels{Current: identity.LevelAAL2, Next: identity.LevelAAL2}},
		questions:   &fakeQuestions{count: 3},
		permissions: &fakePermissions{},
		principal:   &shared.Principal{UserID: uuid.New(), AccessToken: "access"},
	}
	f.gate = New(DefaultPaths(), f.assurance, f.questions, f.permissions, nil, 0)
	return f
}

func (f *fixture) anonymous(rawURL string) Decision {
	return f.evaluate(rawURL, nil)
}

func (f *fixture) signedIn(rawURL string) Decision {
	return f.evaluate(rawURL, f.principal)
}

func (f *fixture) evaluate(rawURL string, p *shared.Principal) Decision {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(err)
	}
	return f.gate.Evaluate(context.Background(), Request{Path: u.Path, Query: u.Query(), Principal: p})
}

// ============================================================================
// RULES
// ============================================================================

func TestAnonymousProtectedRedirectsWithNext(t *testing.T) {
	f := newFixture()

	d := f.anonymous("/dashboard/expedientes?id=7")
	assert.Equal(t, Redirect, d.Kind)
	assert.Equal(t, RuleAnonymousProtected, d.Rule)
	assert.Equal(t, "/login?next=%2Fdashboard%2Fexpedientes%3Fid%3D7", d.Target)

	d = f.anonymous("/dashboard")
	assert.Equal(t, "/login?next=%2Fdashboard", d.Target)
	assert.Zero(t, f.assurance.calls+f.questions.calls+f.permissions.calls)
}

func TestAnonymousOutsideAllowList(t *testing.T) {
	f := newFixture()

	for _, path := range []string{"/", "/reportes", "/dashboardx", "/api/x"} {
		d := f.anonymous(path)
		assert.Equal(t, Decision{Kind: Redirect, Target: "/login", Rule: RuleAnonymousOutside}, d, path)
	}
	for _, path := range []string{"/login", "/registration-notice", "/reset-password", "/reset-password/questions", "/auth/callback", "/healthz", "/static/css/app.css"} {
		d := f.anonymous(path)
		assert.Equal(t, Allow, d.Kind, path)
	}
}

func TestAdminAreaForAdminRole(t *testing.T) {
	f := newFixture()
	f.permissions.set = rbac.PermissionSet{Admin: true}

	d := f.signedIn("/dashboard/admin/roles")
	assert.Equal(t, Decision{Kind: Allow, Rule: RuleAdminArea}, d)
}

func TestAdminAreaByModulePermission(t *testing.T) {
	f := newFixture()
	f.permissions.set = rbac.PermissionSet{Modules: []rbac.EffectivePermission{{Route: "/dashboard/admin", CanView: true}}}
	assert.Equal(t, Allow, f.signedIn("/dashboard/admin").Kind)

	f = newFixture()
	f.permissions.set = rbac.PermissionSet{Modules: []rbac.EffectivePermission{{Route: "/dashboard/admin", CanEdit: true}}}
	d := f.signedIn("/dashboard/admin")
	assert.Equal(t, Decision{Kind: Redirect, Target: "/dashboard", Rule: RuleAdminArea}, d, "edit without view is hidden")

	f = newFixture()
	d = f.signedIn("/dashboard/admin/usuarios")
	assert.Equal(t, Decision{Kind: Redirect, Target: "/dashboard", Rule: RuleAdminArea}, d, "absent row redirects, never 403")
}

func TestAdminAreaStoreFailureIsUnavailable(t *testing.T) {
	f := newFixture()
	f.permissions.err = fmt.Errorf("rbac: %w: %w", shared.ErrStoreUnavailable, errors.New("dial tcp"))

	d := f.signedIn("/dashboard/admin")
	assert.Equal(t, Decision{Kind: Unavailable, Rule: RuleAdminArea}, d)
}

func TestAdminAreaSkipsSecondFactorAndQuestions(t *testing.T) {
	f := newFixture()
	f.permissions.set = rbac.PermissionSet{Admin: true}
	f.assurance.levels = identity.AssuranceLevels{Current: identity.LevelAAL1, Next: identity.LevelAAL2}
	f.questions.count = 0

	assert.Equal(t, Allow, f.signedIn("/dashboard/admin").Kind)
	assert.Zero(t, f.assurance.calls)
	assert.Zero(t, f.questions.calls)
}

func TestNoFactorEnrolledNeverChallenges(t *testing.T) {
	f := newFixture()
	f.assurance.levels = identity.AssuranceLevels{Current: identity.LevelAAL1, Next: identity.LevelNone}

	d := f.signedIn("/dashboard/reports")
	assert.Equal(t, Decision{Kind: Allow, Rule: "default"}, d)
}

func TestPendingSecondFactorRedirectsToChallenge(t *testing.T) {
	f := newFixture()
	f.assurance.levels = identity.AssuranceLevels{Current: identity.LevelAAL1, Next: identity.LevelAAL2}
	f.questions.count = 0

	d := f.signedIn("/dashboard/reports")
	assert.Equal(t, Decision{Kind: Redirect, Target: "/dashboard/mfa", Rule: RuleSecondFactor}, d)
	assert.Zero(t, f.questions.calls, "question rule only runs after the second factor passes")

	d = f.signedIn("/dashboard/mfa")
	assert.Equal(t, Allow, d.Kind, "the challenge page itself is reachable")
}

func TestClearedChallengeThenQuestionSetup(t *testing.T) {
	f := newFixture()
	f.assurance.levels = identity.AssuranceLevels{Current: identity.LevelAAL2, Next: identity.LevelAAL2}
	f.questions.count = 0

	d := f.signedIn("/dashboard/reports")
	assert.Equal(t, Decision{Kind: Redirect, Target: "/dashboard/security-questions/setup", Rule: RuleQuestionSetup}, d)

	d = f.signedIn("/dashboard/security-questions/setup")
	assert.Equal(t, Allow, d.Kind)

	f.questions.count = 2
	assert.Equal(t, Allow, f.signedIn("/dashboard/reports").Kind)
}

func TestQuestionSetupPageSkipsSecondFactor(t *testing.T) {
	f := newFixture()
	f.assurance.levels = identity.AssuranceLevels{Current: identity.LevelAAL1, Next: identity.LevelAAL2}

	assert.Equal(t, Allow, f.signedIn("/dashboard/security-questions/setup").Kind)
	assert.Zero(t, f.assurance.calls)
}

func TestReadFailuresDegradeOpen(t *testing.T) {
	f := newFixture()
	f.assurance.err = fmt.Errorf("identity: %w", shared.ErrProviderUnavailable)
	f.questions.err = fmt.Errorf("questions: %w", shared.ErrStoreUnavailable)

	d := f.signedIn("/dashboard/reports")
	assert.Equal(t, Decision{Kind: Allow, Rule: "default"}, d)
	assert.Equal(t, 1, f.assurance.calls)
	assert.Equal(t, 1, f.questions.calls)
}

func TestLoggedInUserNeverSeesLogin(t *testing.T) {
	f := newFixture()
	f.assurance.levels = identity.AssuranceLevels{Current: identity.LevelAAL1, Next: identity.LevelAAL2}

	d := f.signedIn("/login")
	assert.Equal(t, Decision{Kind: Redirect, Target: "/dashboard", Rule: RuleLoggedInLogin}, d)
}

func TestLogout(t *testing.T) {
	f := newFixture()

	d := f.signedIn("/login?logout=true")
	assert.Equal(t, Decision{Kind: Allow, Rule: RuleLogout, SignOut: true}, d)

	d = f.anonymous("/login?logout=true")
	assert.Equal(t, Decision{Kind: Allow, Rule: RuleLogout}, d)
}

func TestFactsAreReadOncePerRequest(t *testing.T) {
	f := newFixture()
	ev := &Evaluation{Request: Request{Path: "/dashboard", Principal: f.principal}, gate: f.gate}

	for i := 0; i < 3; i++ {
		_, _ = ev.Levels(context.Background())
		_, _ = ev.QuestionCount(context.Background())
		_, _ = ev.Permissions(context.Background())
	}
	assert.Equal(t, 1, f.assurance.calls)
	assert.Equal(t, 1, f.questions.calls)
	assert.Equal(t, 1, f.permissions.calls)
}

func TestRuleOrder(t *testing.T) {
	names := make([]string, 0, 7)
	for _, r := range StandardRules() {
		names = append(names, r.Name)
	}
	require.Equal(t, []string{
		RuleAnonymousProtected,
		RuleAnonymousOutside,
		RuleAdminArea,
		RuleSecondFactor,
		RuleQuestionSetup,
		RuleLoggedInLogin,
		RuleLogout,
	}, names)
}

func TestUnder(t *testing.T) {
	assert.True(t, under("/dashboard", "/dashboard"))
	assert.True(t, under("/dashboard/x", "/dashboard"))
	assert.False(t, under("/dashboardx", "/dashboard"))
	assert.True(t, under("/static/app.css", "/static/"))
	assert.False(t, under("/static", "/static/"))
	assert.False(t, under("/x", ""))
}
