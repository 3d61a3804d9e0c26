package questions

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ijj-records/ijj-records/internal/platform/httpx"
	"github.com/ijj-records/ijj-records/internal/shared"
	"github.com/ijj-records/ijj-records/internal/view"
)

// Handler serves the mandatory security-question setup page.
type Handler struct {
	logger    *slog.Logger
	vault     *Vault
	templates *view.Engine
	csrf      *shared.CSRFManager
	audit     shared.AuditRecorder
	landing   string
}

// NewHandler constructs a Handler. landing is where users go after saving.
func NewHandler(logger *slog.Logger, vault *Vault, templates *view.Engine, csrf *shared.CSRFManager, audit shared.AuditRecorder, landing string) *Handler {
	if audit == nil {
		audit = shared.NopAuditRecorder{}
	}
	return &Handler{logger: logger, vault: vault, templates: templates, csrf: csrf, audit: audit, landing: landing}
}

// MountRoutes registers the setup routes relative to the setup page path.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.showSetup)
	r.Post("/", h.saveSetup)
	r.Get("/current", h.listCurrent)
}

type setupPageData struct {
	Existing []PublicQuestion
	Slots    []QuestionInput
	Error    string
}

func (h *Handler) showSetup(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	existing, err := h.vault.ListQuestions(r.Context(), principal.UserID)
	if err != nil {
		h.logger.Warn("list security questions", slog.Any("error", err))
	}
	h.render(w, r, http.StatusOK, setupPageData{Existing: existing, Slots: make([]QuestionInput, MaxQuestions)})
}

func (h *Handler) saveSetup(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	slots := formInputs(r)
	var inputs []QuestionInput
	for _, in := range slots {
		if strings.TrimSpace(in.Question) == "" && strings.TrimSpace(in.Answer) == "" {
			continue
		}
		inputs = append(inputs, in)
	}

	if _, err := h.vault.Configure(r.Context(), principal.UserID, inputs); err != nil {
		msg := shared.MsgQuestionsInvalid
		status := http.StatusBadRequest
		if !errors.Is(err, ErrInvalidQuestions) {
			h.logger.Error("configure security questions", slog.String("user_id", principal.UserID.String()), slog.Any("error", err))
			msg, status = shared.MsgGenericError, http.StatusInternalServerError
			if errors.Is(err, shared.ErrStoreUnavailable) {
				msg, status = shared.MsgServiceUnavailable, http.StatusServiceUnavailable
			}
		}
		for i := range slots {
			slots[i].Answer = ""
		}
		h.render(w, r, status, setupPageData{Slots: slots, Error: shared.Localize(r, msg)})
		return
	}

	actor := principal.UserID
	if err := h.audit.Record(r.Context(), shared.AuditLog{
		ActorID:  &actor,
		Action:   shared.AuditQuestionsSet,
		Entity:   "user",
		EntityID: actor.String(),
		Meta:     map[string]any{"count": len(inputs)},
	}); err != nil {
		h.logger.Warn("audit security questions", slog.Any("error", err))
	}
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: "success", Message: shared.Localize(r, shared.MsgQuestionsSaved)})
	}
	http.Redirect(w, r, h.landing, http.StatusSeeOther)
}

func (h *Handler) listCurrent(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	qs, err := h.vault.ListQuestions(r.Context(), principal.UserID)
	if err != nil {
		h.logger.Error("list security questions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"questions": qs})
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, data setupPageData) {
	if err := h.templates.RenderStatus(w, status, "pages/security_questions.html", view.Page(r, h.csrf, "Preguntas de seguridad", data)); err != nil {
		h.logger.Error("render security questions", slog.Any("error", err))
	}
}

// formInputs reads question_1..3 / answer_1..3 form fields.
func formInputs(r *http.Request) []QuestionInput {
	out := make([]QuestionInput, MaxQuestions)
	for i := range out {
		n := string(rune('1' + i))
		out[i] = QuestionInput{
			Question: r.PostFormValue("question_" + n),
			Answer:   r.PostFormValue("answer_" + n),
		}
	}
	return out
}
