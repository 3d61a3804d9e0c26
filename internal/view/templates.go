package view

import (
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/ijj-records/ijj-records/internal/shared"
	"github.com/ijj-records/ijj-records/web"
)

// Engine renders HTML templates.
type Engine struct {
	templates *template.Template
}

// TemplateData contains values shared across templates.
type TemplateData struct {
	Title       string
	Lang        string
	CSRFToken   string
	Flash       *shared.FlashMessage
	CurrentPath string
	Data        any
}

// NewEngine parses templates at build-time.
func NewEngine() (*Engine, error) {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("02/01/2006 15:04")
		},
		"add":       func(a, b int) int { return a + b },
		"hasPrefix": strings.HasPrefix,
	}
	tpl, err := template.New("root").Funcs(funcMap).ParseFS(web.Templates, "templates/layouts/*.html", "templates/partials/*.html", "templates/pages/*.html")
	if err != nil {
		return nil, err
	}
	return &Engine{templates: tpl}, nil
}

// Page assembles TemplateData for the request, issuing a CSRF token and
// popping the pending flash message of the session.
func Page(r *http.Request, csrf *shared.CSRFManager, title string, data any) TemplateData {
	sess := shared.SessionFromContext(r.Context())
	td := TemplateData{
		Title:       title,
		Lang:        shared.RequestLanguage(r).String(),
		CurrentPath: r.URL.Path,
		Data:        data,
	}
	if sess != nil {
		if csrf != nil {
			td.CSRFToken, _ = csrf.EnsureToken(r.Context(), sess)
		}
		td.Flash = sess.PopFlash()
	}
	return td
}

// Render executes a named template with TemplateData.
func (e *Engine) Render(w http.ResponseWriter, name string, data TemplateData) error {
	if e == nil {
		return fmt.Errorf("template engine not initialised")
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return e.templates.ExecuteTemplate(w, name, data)
}

// RenderStatus renders name with an explicit status code.
func (e *Engine) RenderStatus(w http.ResponseWriter, status int, name string, data TemplateData) error {
	if e == nil {
		return fmt.Errorf("template engine not initialised")
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	return e.templates.ExecuteTemplate(w, name, data)
}
