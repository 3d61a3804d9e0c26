package auth

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ijj-records/ijj-records/internal/identity"
	"github.com/ijj-records/ijj-records/internal/shared"
	"github.com/ijj-records/ijj-records/internal/view"
)

// Paths are the pages the auth flows redirect between.
type Paths struct {
	Login   string
	Landing string
	MFA     string
	Reset   string
}

// SessionRenewer rotates session ids when the signed-in identity changes.
type SessionRenewer interface {
	Renew(sess *shared.Session)
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	templates *view.Engine
	sessions  SessionRenewer
	csrf      *shared.CSRFManager
	validator *validator.Validate
	paths     Paths
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, templates *view.Engine, sessions SessionRenewer, csrf *shared.CSRFManager, paths Paths) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		templates: templates,
		sessions:  sessions,
		csrf:      csrf,
		validator: validator.New(),
		paths:     paths,
	}
}

// MountRoutes registers the public auth routes on the root router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get(h.paths.Login, h.showLogin)
	r.Post(h.paths.Login, h.handleLogin)
	r.Get("/auth/callback", h.handleCallback)
	r.Get("/registration-notice", h.showRegistrationNotice)
}

// MountMFARoutes registers the MFA page routes relative to the MFA path.
func (h *Handler) MountMFARoutes(r chi.Router) {
	r.Get("/", h.showMFA)
	r.Post("/", h.verifyMFA)
	r.Post("/enroll", h.enrollMFA)
}

type loginPageData struct {
	Form   loginForm
	Errors map[string]string
}

func (h *Handler) showLogin(w http.ResponseWriter, r *http.Request) {
	form := loginForm{Next: LocalTarget(r.URL.Query().Get("next"), "")}
	h.renderLogin(w, r, http.StatusOK, loginPageData{Form: form})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := loginForm{
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
		Next:     LocalTarget(r.PostFormValue("next"), ""),
	}
	errs := make(map[string]string)
	if err := h.validator.Struct(form); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				errs[fieldErr.Field()] = fieldErr.Tag()
			}
		}
		errs["general"] = shared.Localize(r, shared.MsgLoginInvalid)
	}

	if len(errs) == 0 {
		sess, err := h.service.Login(r.Context(), form.Email, form.Password)
		switch {
		case err == nil:
			h.startSession(r, sess)
			h.flash(r, "success", shared.MsgLoginWelcome)
			http.Redirect(w, r, LocalTarget(form.Next, h.paths.Landing), http.StatusSeeOther)
			return
		case errors.Is(err, shared.ErrInvalidCredentials):
			errs["general"] = shared.Localize(r, shared.MsgLoginInvalid)
		default:
			h.logger.Error("login", slog.Any("error", err))
			form.Password = ""
			errs["general"] = shared.Localize(r, shared.MsgServiceUnavailable)
			h.renderLogin(w, r, http.StatusServiceUnavailable, loginPageData{Form: form, Errors: errs})
			return
		}
	}

	form.Password = ""
	h.renderLogin(w, r, http.StatusBadRequest, loginPageData{Form: form, Errors: errs})
}

// handleCallback redeems the provider's email link. Recovery links go to the
// reset page; other links follow next when given.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	otpType := q.Get("type")
	next := LocalTarget(q.Get("next"), "")

	sess, err := h.service.Callback(r.Context(), q.Get("token_hash"), otpType)
	if err != nil {
		if errors.Is(err, shared.ErrProviderUnavailable) {
			h.logger.Error("auth callback", slog.Any("error", err))
		} else {
			h.logger.Info("auth callback rejected", slog.String("type", otpType), slog.Any("error", err))
		}
		h.flash(r, "error", shared.MsgLinkInvalid)
		http.Redirect(w, r, h.paths.Login, http.StatusSeeOther)
		return
	}
	h.startSession(r, sess)

	target := h.paths.Reset
	switch {
	case otpType == OTPRecovery:
	case next != "":
		target = next
	default:
		h.logger.Warn("auth callback without recovery type or next", slog.String("type", otpType), slog.String("user_id", sess.User.ID.String()))
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *Handler) showRegistrationNotice(w http.ResponseWriter, r *http.Request) {
	if err := h.templates.Render(w, "pages/registration_notice.html", view.Page(r, h.csrf, "Registro", nil)); err != nil {
		h.logger.Error("render registration notice", slog.Any("error", err))
	}
}

type mfaPageData struct {
	Factors    []identity.Factor
	Enrollment *identity.TOTPEnrollment
	QRCode     template.URL
	Error      string
}

func (h *Handler) showMFA(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		http.Redirect(w, r, h.paths.Login, http.StatusSeeOther)
		return
	}
	status, err := h.service.Status(r.Context(), principal.AccessToken)
	if err != nil {
		h.logger.Error("mfa status", slog.Any("error", err))
		h.renderMFA(w, r, http.StatusServiceUnavailable, mfaPageData{Error: shared.Localize(r, shared.MsgServiceUnavailable)})
		return
	}
	h.renderMFA(w, r, http.StatusOK, mfaPageData{Factors: status.Factors})
}

func (h *Handler) verifyMFA(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		http.Redirect(w, r, h.paths.Login, http.StatusSeeOther)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := mfaForm{FactorID: strings.TrimSpace(r.PostFormValue("factor_id")), Code: strings.TrimSpace(r.PostFormValue("code"))}
	data := mfaPageData{}
	if status, err := h.service.Status(r.Context(), principal.AccessToken); err == nil {
		data.Factors = status.Factors
	}
	if err := h.validator.Struct(form); err != nil {
		data.Error = shared.Localize(r, shared.MsgMFAInvalid)
		h.renderMFA(w, r, http.StatusBadRequest, data)
		return
	}

	sess, err := h.service.VerifyFactor(r.Context(), principal.UserID, principal.AccessToken, form.FactorID, form.Code)
	switch {
	case err == nil:
		h.startSession(r, sess)
		h.flash(r, "success", shared.MsgMFAVerified)
		http.Redirect(w, r, h.paths.Landing, http.StatusSeeOther)
	case errors.Is(err, ErrNoFactor):
		data.Error = shared.Localize(r, shared.MsgMFANotEnrolled)
		h.renderMFA(w, r, http.StatusBadRequest, data)
	case errors.Is(err, identity.ErrInvalidCode), errors.Is(err, identity.ErrInvalidToken):
		data.Error = shared.Localize(r, shared.MsgMFAInvalid)
		h.renderMFA(w, r, http.StatusBadRequest, data)
	default:
		h.logger.Error("mfa verify", slog.Any("error", err))
		data.Error = shared.Localize(r, shared.MsgServiceUnavailable)
		h.renderMFA(w, r, http.StatusServiceUnavailable, data)
	}
}

func (h *Handler) enrollMFA(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		http.Redirect(w, r, h.paths.Login, http.StatusSeeOther)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	enrollment, err := h.service.Enroll(r.Context(), principal.AccessToken, r.PostFormValue("friendly_name"))
	if err != nil {
		h.logger.Error("mfa enroll", slog.Any("error", err))
		h.renderMFA(w, r, http.StatusServiceUnavailable, mfaPageData{Error: shared.Localize(r, shared.MsgServiceUnavailable)})
		return
	}
	data := mfaPageData{Enrollment: &enrollment}
	// The provider returns the QR code as an SVG data URI.
	if strings.HasPrefix(enrollment.QRCode, "data:image/svg+xml") {
		data.QRCode = template.URL(enrollment.QRCode)
	}
	h.renderMFA(w, r, http.StatusOK, data)
}

// startSession stores the provider tokens and rotates the session id.
func (h *Handler) startSession(r *http.Request, s identity.Session) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during sign-in")
		return
	}
	sess.SetAuth(s.User.ID.String(), s.AccessToken, s.RefreshToken)
	if h.sessions != nil {
		h.sessions.Renew(sess)
	}
}

func (h *Handler) flash(r *http.Request, kind, key string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: kind, Message: shared.Localize(r, key)})
	}
}

func (h *Handler) renderLogin(w http.ResponseWriter, r *http.Request, status int, data loginPageData) {
	if err := h.templates.RenderStatus(w, status, "pages/login.html", view.Page(r, h.csrf, "Iniciar sesión", data)); err != nil {
		h.logger.Error("render login", slog.Any("error", err))
	}
}

func (h *Handler) renderMFA(w http.ResponseWriter, r *http.Request, status int, data mfaPageData) {
	if err := h.templates.RenderStatus(w, status, "pages/mfa.html", view.Page(r, h.csrf, "Verificación en dos pasos", data)); err != nil {
		h.logger.Error("render mfa", slog.Any("error", err))
	}
}
