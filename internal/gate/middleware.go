package gate

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ijj-records/ijj-records/internal/identity"
	"github.com/ijj-records/ijj-records/internal/shared"
)

// SessionAuthenticator turns a stored token pair into an identity.
type SessionAuthenticator interface {
	Authenticate(ctx context.Context, accessToken, refreshToken string) (identity.Identity, error)
}

// SignOuter revokes provider sessions.
type SignOuter interface {
	SignOut(ctx context.Context, accessToken, scope string) error
}

// SessionRenewer rotates session ids.
type SessionRenewer interface {
	Renew(sess *shared.Session)
}

// DecisionObserver receives every decision, typically for metrics.
type DecisionObserver interface {
	GateDecision(rule, kind string)
}

// Middleware applies gate decisions to HTTP requests. It must run after the
// session middleware.
type Middleware struct {
	Gate          *Gate
	Authenticator SessionAuthenticator
	SignOut       SignOuter
	Sessions      SessionRenewer
	Observer      DecisionObserver
	Logger        *slog.Logger
	Timeout       time.Duration
}

// Handler wraps next with the gate.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sess := shared.SessionFromContext(ctx)
		principal := m.principal(ctx, sess, logger)

		decision := m.Gate.Evaluate(ctx, Request{Path: r.URL.Path, Query: r.URL.Query(), Principal: principal})
		if m.Observer != nil {
			m.Observer.GateDecision(decision.Rule, decision.Kind.String())
		}

		if decision.SignOut && principal != nil {
			signCtx, cancel := context.WithTimeout(ctx, m.timeout())
			if err := m.SignOut.SignOut(signCtx, principal.AccessToken, identity.SignOutGlobal); err != nil {
				logger.Warn("global sign-out failed", slog.String("user_id", principal.UserID.String()), slog.Any("error", err))
			}
			cancel()
			if sess != nil {
				sess.ClearAuth()
				if m.Sessions != nil {
					m.Sessions.Renew(sess)
				}
				sess.AddFlash(shared.FlashMessage{Kind: "info", Message: shared.Localize(r, shared.MsgLoggedOut)})
			}
			principal = nil
		}

		switch decision.Kind {
		case Redirect:
			http.Redirect(w, r, decision.Target, http.StatusSeeOther)
			return
		case Unavailable:
			http.Error(w, shared.Localize(r, shared.MsgServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		if principal != nil {
			ctx = shared.ContextWithPrincipal(ctx, principal)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// principal validates the session's tokens. Invalid sessions are cleared so
// they count as no session; this check never degrades open.
func (m *Middleware) principal(ctx context.Context, sess *shared.Session, logger *slog.Logger) *shared.Principal {
	if sess == nil || sess.AccessToken() == "" {
		return nil
	}
	authCtx, cancel := context.WithTimeout(ctx, m.timeout())
	defer cancel()
	id, err := m.Authenticator.Authenticate(authCtx, sess.AccessToken(), sess.RefreshToken())
	if err != nil {
		logger.Info("session rejected", slog.String("user_id", sess.User()), slog.Any("error", err))
		sess.ClearAuth()
		return nil
	}
	access := sess.AccessToken()
	if id.Refreshed != nil {
		access = id.Refreshed.AccessToken
		sess.SetAuth(id.UserID.String(), id.Refreshed.AccessToken, id.Refreshed.RefreshToken)
	}
	return &shared.Principal{UserID: id.UserID, Email: id.Email, AccessToken: access}
}

func (m *Middleware) timeout() time.Duration {
	if m.Timeout > 0 {
		return m.Timeout
	}
	return identity.DefaultTimeout
}
