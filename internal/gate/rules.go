package gate

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/ijj-records/ijj-records/internal/rbac"
)

// Rule is one predicate/action pair of the rule table.
type Rule struct {
	Name   string
	Match  func(ctx context.Context, ev *Evaluation) bool
	Decide func(ctx context.Context, ev *Evaluation) Decision
}

// Rule names, in evaluation order.
const (
	RuleAnonymousProtected = "anonymous-protected"
	RuleAnonymousOutside   = "anonymous-outside-allow-list"
	RuleAdminArea          = "admin-area"
	RuleSecondFactor       = "second-factor"
	RuleQuestionSetup      = "security-question-setup"
	RuleLoggedInLogin      = "logged-in-login"
	RuleLogout             = "logout"
)

// StandardRules returns the rule table in evaluation order.
func StandardRules() []Rule {
	return []Rule{
		{
			Name: RuleAnonymousProtected,
			Match: func(_ context.Context, ev *Evaluation) bool {
				return !ev.Authenticated() && under(ev.Path, ev.gate.paths.Protected)
			},
			Decide: func(_ context.Context, ev *Evaluation) Decision {
				return Decision{Kind: Redirect, Target: loginWithNext(ev.gate.paths.Login, ev.Path, ev.Query)}
			},
		},
		{
			Name: RuleAnonymousOutside,
			Match: func(_ context.Context, ev *Evaluation) bool {
				return !ev.Authenticated() && !ev.gate.paths.allowListed(ev.Path)
			},
			Decide: func(_ context.Context, ev *Evaluation) Decision {
				return Decision{Kind: Redirect, Target: ev.gate.paths.Login}
			},
		},
		{
			Name: RuleAdminArea,
			Match: func(_ context.Context, ev *Evaluation) bool {
				return ev.Authenticated() && under(ev.Path, ev.gate.paths.Admin)
			},
			Decide: decideAdmin,
		},
		{
			Name: RuleSecondFactor,
			Match: func(ctx context.Context, ev *Evaluation) bool {
				if !inGatedScope(ev) || ev.Path == ev.gate.paths.MFA {
					return false
				}
				levels, err := ev.Levels(ctx)
				if err != nil {
					ev.logDegraded(RuleSecondFactor, err)
					return false
				}
				return levels.ChallengeRequired()
			},
			Decide: func(_ context.Context, ev *Evaluation) Decision {
				return Decision{Kind: Redirect, Target: ev.gate.paths.MFA}
			},
		},
		{
			Name: RuleQuestionSetup,
			Match: func(ctx context.Context, ev *Evaluation) bool {
				// The challenge page stays reachable while a second factor is pending.
				if !inGatedScope(ev) || ev.Path == ev.gate.paths.MFA {
					return false
				}
				n, err := ev.QuestionCount(ctx)
				if err != nil {
					ev.logDegraded(RuleQuestionSetup, err)
					return false
				}
				return n == 0
			},
			Decide: func(_ context.Context, ev *Evaluation) Decision {
				return Decision{Kind: Redirect, Target: ev.gate.paths.QuestionSetup}
			},
		},
		{
			Name: RuleLoggedInLogin,
			Match: func(_ context.Context, ev *Evaluation) bool {
				return ev.Authenticated() && ev.Path == ev.gate.paths.Login && !isLogout(ev)
			},
			Decide: func(_ context.Context, ev *Evaluation) Decision {
				return Decision{Kind: Redirect, Target: ev.gate.paths.Landing}
			},
		},
		{
			Name: RuleLogout,
			Match: func(_ context.Context, ev *Evaluation) bool {
				return ev.Path == ev.gate.paths.Login && isLogout(ev)
			},
			Decide: func(_ context.Context, ev *Evaluation) Decision {
				return Decision{Kind: Allow, SignOut: ev.Authenticated()}
			},
		},
	}
}

func decideAdmin(ctx context.Context, ev *Evaluation) Decision {
	perms, err := ev.Permissions(ctx)
	if err != nil {
		ev.gate.logger.Error("gate admin permission check",
			slog.String("path", ev.Path),
			slog.String("user_id", ev.Principal.UserID.String()),
			slog.Any("error", err))
		return Decision{Kind: Unavailable}
	}
	if perms.Can(ev.gate.paths.AdminModule, rbac.ActionView) {
		return Decision{Kind: Allow}
	}
	return Decision{Kind: Redirect, Target: ev.gate.paths.Landing}
}

// inGatedScope is the scope of the second-factor and question rules: the
// protected area minus the admin area and the question setup page.
func inGatedScope(ev *Evaluation) bool {
	p := ev.gate.paths
	return ev.Authenticated() &&
		under(ev.Path, p.Protected) &&
		!under(ev.Path, p.Admin) &&
		!under(ev.Path, p.QuestionSetup)
}

func isLogout(ev *Evaluation) bool {
	return ev.Query.Get("logout") == "true"
}

func loginWithNext(login, path string, query url.Values) string {
	next := path
	if encoded := query.Encode(); encoded != "" {
		next += "?" + encoded
	}
	return login + "?" + url.Values{"next": {next}}.Encode()
}
