package recovery

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/ijj-records/ijj-records/internal/questions"
	"github.com/ijj-records/ijj-records/internal/shared"
	"github.com/ijj-records/ijj-records/internal/view"
)

// Reset page steps.
const (
	stepEmail   = "email"
	stepAnswers = "answers"
	stepSession = "session"
)

// Handler serves the public password reset page.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	templates *view.Engine
	csrf      *shared.CSRFManager
	loginPath string
	landing   string
	limit     int
}

// NewHandler constructs a Handler. limit is the number of POSTs allowed per
// client IP and minute.
func NewHandler(logger *slog.Logger, service *Service, templates *view.Engine, csrf *shared.CSRFManager, loginPath, landing string, limit int) *Handler {
	if limit <= 0 {
		limit = 10
	}
	return &Handler{logger: logger, service: service, templates: templates, csrf: csrf, loginPath: loginPath, landing: landing, limit: limit}
}

// MountRoutes registers reset routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.showReset)
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(h.limit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Post("/questions", h.lookupQuestions)
		r.Post("/", h.reset)
	})
}

type resetPageData struct {
	Step      string
	Email     string
	Questions []questions.PublicQuestion
	MinLength int
	Error     string
}

func (h *Handler) showReset(w http.ResponseWriter, r *http.Request) {
	data := resetPageData{Step: stepEmail, MinLength: h.service.Policy().MinLength}
	if shared.PrincipalFromContext(r.Context()) != nil {
		data.Step = stepSession
	}
	h.render(w, r, http.StatusOK, data)
}

func (h *Handler) lookupQuestions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	email := strings.TrimSpace(r.PostFormValue("email"))
	data := resetPageData{Step: stepEmail, Email: email, MinLength: h.service.Policy().MinLength}

	qs, err := h.service.QuestionsForEmail(r.Context(), email)
	if err != nil {
		h.logger.Error("recovery list questions", slog.Any("error", err))
		data.Error = shared.Localize(r, shared.MsgServiceUnavailable)
		h.render(w, r, http.StatusServiceUnavailable, data)
		return
	}
	if len(qs) == 0 {
		data.Error = shared.Localize(r, shared.MsgRecoveryFailed)
		h.render(w, r, http.StatusOK, data)
		return
	}
	data.Step = stepAnswers
	data.Questions = qs
	h.render(w, r, http.StatusOK, data)
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	password := r.PostFormValue("password")
	data := resetPageData{MinLength: h.service.Policy().MinLength}

	if principal := shared.PrincipalFromContext(r.Context()); principal != nil {
		data.Step = stepSession
		if password != r.PostFormValue("password_confirm") {
			data.Error = shared.Localize(r, shared.MsgPasswordMismatch)
			h.render(w, r, http.StatusBadRequest, data)
			return
		}
		err := h.service.ResetWithSession(r.Context(), principal.UserID, principal.AccessToken, password)
		if err != nil {
			h.fail(w, r, data, err)
			return
		}
		h.done(w, r, h.landing)
		return
	}

	data.Step = stepAnswers
	data.Email = strings.TrimSpace(r.PostFormValue("email"))
	answers := formAnswers(r)
	if password != r.PostFormValue("password_confirm") {
		data.Error = shared.Localize(r, shared.MsgPasswordMismatch)
		h.renderAnswers(w, r, http.StatusBadRequest, data)
		return
	}
	if err := h.service.ResetWithAnswers(r.Context(), data.Email, answers, password); err != nil {
		if errors.Is(err, ErrWeakPassword) {
			data.Error = shared.Localize(r, shared.MsgPasswordWeak)
			h.renderAnswers(w, r, http.StatusBadRequest, data)
			return
		}
		if errors.Is(err, ErrRecoveryFailed) {
			data.Step = stepEmail
			data.Error = shared.Localize(r, shared.MsgRecoveryFailed)
			h.render(w, r, http.StatusOK, data)
			return
		}
		h.fail(w, r, data, err)
		return
	}
	h.done(w, r, h.loginPath)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, data resetPageData, err error) {
	switch {
	case errors.Is(err, ErrWeakPassword):
		data.Error = shared.Localize(r, shared.MsgPasswordWeak)
		h.render(w, r, http.StatusBadRequest, data)
	case errors.Is(err, shared.ErrProviderUnavailable), errors.Is(err, shared.ErrStoreUnavailable):
		h.logger.Error("password reset", slog.Any("error", err))
		data.Error = shared.Localize(r, shared.MsgServiceUnavailable)
		h.render(w, r, http.StatusServiceUnavailable, data)
	default:
		h.logger.Error("password reset", slog.Any("error", err))
		data.Error = shared.Localize(r, shared.MsgRecoveryFailed)
		h.render(w, r, http.StatusBadRequest, data)
	}
}

// renderAnswers re-lists the questions so the user can retry.
func (h *Handler) renderAnswers(w http.ResponseWriter, r *http.Request, status int, data resetPageData) {
	qs, err := h.service.QuestionsForEmail(r.Context(), data.Email)
	if err != nil || len(qs) == 0 {
		data.Step = stepEmail
	} else {
		data.Questions = qs
	}
	h.render(w, r, status, data)
}

func (h *Handler) done(w http.ResponseWriter, r *http.Request, target string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: "success", Message: shared.Localize(r, shared.MsgRecoveryDone)})
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, data resetPageData) {
	if err := h.templates.RenderStatus(w, status, "pages/reset_password.html", view.Page(r, h.csrf, "Restablecer contraseña", data)); err != nil {
		h.logger.Error("render reset password", slog.Any("error", err))
	}
}

// formAnswers reads answer_1..answer_N in order, stopping at the first missing field.
func formAnswers(r *http.Request) []string {
	var out []string
	for i := 1; i <= questions.MaxQuestions; i++ {
		key := "answer_" + strconv.Itoa(i)
		if _, ok := r.PostForm[key]; !ok {
			break
		}
		out = append(out, r.PostFormValue(key))
	}
	return out
}
