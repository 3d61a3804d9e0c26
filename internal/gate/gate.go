// Package gate decides, once per request, whether the request proceeds,
// is redirected, or fails because a required read is unavailable.
package gate

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ijj-records/ijj-records/internal/identity"
	"github.com/ijj-records/ijj-records/internal/rbac"
	"github.com/ijj-records/ijj-records/internal/shared"
)

// Kind is the outcome of an evaluation.
type Kind int

const (
	// Allow lets the request through.
	Allow Kind = iota
	// Redirect sends the client to Decision.Target.
	Redirect
	// Unavailable answers 503 because a read the rule depends on failed.
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case Allow:
		return "allow"
	case Redirect:
		return "redirect"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Decision is the result of evaluating the rule table.
type Decision struct {
	Kind   Kind
	Target string
	Rule   string
	// SignOut asks the caller to revoke the session globally before serving.
	SignOut bool
}

// Paths configures the routes the gate knows about.
type Paths struct {
	Protected     string
	Admin         string
	AdminModule   string
	Login         string
	Landing       string
	MFA           string
	QuestionSetup string
	AllowList     []string
}

// DefaultPaths returns the application's default routes.
func DefaultPaths() Paths {
	return Paths{
		Protected:     "/dashboard",
		Admin:         "/dashboard/admin",
		AdminModule:   "/dashboard/admin",
		Login:         "/login",
		Landing:       "/dashboard",
		MFA:           "/dashboard/mfa",
		QuestionSetup: "/dashboard/security-questions/setup",
		AllowList:     []string{"/login", "/registration-notice", "/reset-password", "/auth/callback", "/healthz", "/metrics", "/static/"},
	}
}

// AssuranceReader reads a session's assurance levels.
type AssuranceReader interface {
	Levels(ctx context.Context, accessToken string) (identity.AssuranceLevels, error)
}

// QuestionCounter counts a user's configured security questions.
type QuestionCounter interface {
	Count(ctx context.Context, userID uuid.UUID) (int, error)
}

// Request is what the gate sees of an inbound request. A nil Principal means
// there is no valid session.
type Request struct {
	Path      string
	Query     url.Values
	Principal *shared.Principal
}

// Gate evaluates the rule table.
type Gate struct {
	paths       Paths
	rules       []Rule
	assurance   AssuranceReader
	questions   QuestionCounter
	permissions rbac.PermissionReader
	logger      *slog.Logger
	timeout     time.Duration
}

// New constructs a Gate with the standard rule table. timeout bounds each
// external read.
func New(paths Paths, assurance AssuranceReader, questions QuestionCounter, permissions rbac.PermissionReader, logger *slog.Logger, timeout time.Duration) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = identity.DefaultTimeout
	}
	if paths.AdminModule == "" {
		paths.AdminModule = paths.Admin
	}
	return &Gate{
		paths:       paths,
		rules:       StandardRules(),
		assurance:   assurance,
		questions:   questions,
		permissions: permissions,
		logger:      logger,
		timeout:     timeout,
	}
}

// Paths returns the configured routes.
func (g *Gate) Paths() Paths {
	return g.paths
}

// Evaluate runs the rules in order; the first matching rule decides.
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	ev := &Evaluation{Request: req, gate: g}
	for _, rule := range g.rules {
		if rule.Match(ctx, ev) {
			d := rule.Decide(ctx, ev)
			d.Rule = rule.Name
			return d
		}
	}
	return Decision{Kind: Allow, Rule: "default"}
}

// Evaluation carries one request through the rules and memoizes the
// external reads so each happens at most once per request.
type Evaluation struct {
	Request
	gate *Gate

	levelsDone bool
	levels     identity.AssuranceLevels
	levelsErr  error

	countDone bool
	count     int
	countErr  error

	permsDone bool
	perms     rbac.PermissionSet
	permsErr  error
}

// Authenticated reports whether the request carries a valid session.
func (e *Evaluation) Authenticated() bool {
	return e.Principal != nil
}

// Levels returns the session's assurance levels.
func (e *Evaluation) Levels(ctx context.Context) (identity.AssuranceLevels, error) {
	if !e.levelsDone {
		e.levelsDone = true
		ctx, cancel := context.WithTimeout(ctx, e.gate.timeout)
		defer cancel()
		e.levels, e.levelsErr = e.gate.assurance.Levels(ctx, e.Principal.AccessToken)
	}
	return e.levels, e.levelsErr
}

// QuestionCount returns how many security questions the user configured.
func (e *Evaluation) QuestionCount(ctx context.Context) (int, error) {
	if !e.countDone {
		e.countDone = true
		ctx, cancel := context.WithTimeout(ctx, e.gate.timeout)
		defer cancel()
		e.count, e.countErr = e.gate.questions.Count(ctx, e.Principal.UserID)
	}
	return e.count, e.countErr
}

// Permissions returns the user's effective permissions.
func (e *Evaluation) Permissions(ctx context.Context) (rbac.PermissionSet, error) {
	if !e.permsDone {
		e.permsDone = true
		ctx, cancel := context.WithTimeout(ctx, e.gate.timeout)
		defer cancel()
		e.perms, e.permsErr = e.gate.permissions.Resolve(ctx, e.Principal.UserID)
	}
	return e.perms, e.permsErr
}

func (e *Evaluation) logDegraded(rule string, err error) {
	e.gate.logger.Warn("gate read failed, passing through",
		slog.String("rule", rule),
		slog.String("path", e.Path),
		slog.String("user_id", e.Principal.UserID.String()),
		slog.Any("error", err))
}

// under reports whether path equals prefix or lies below it.
func under(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(path, prefix)
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func (p Paths) allowListed(path string) bool {
	for _, entry := range p.AllowList {
		if under(path, entry) {
			return true
		}
	}
	return false
}
