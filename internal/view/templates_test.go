package view

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ijj-records/ijj-records/internal/shared"
)

func TestNewEngine(t *testing.T) {
	engine, err := NewEngine()
	assert.NoError(t, err, "Templates should parse without error")
	assert.NotNil(t, engine)
}

func TestRenderStatusWritesLayoutAndFlash(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	td := TemplateData{
		Title:       "Registro",
		CurrentPath: "/registration-notice",
		Flash:       &shared.FlashMessage{Kind: "info", Message: "hola"},
	}
	require.NoError(t, engine.RenderStatus(rr, 201, "pages/registration_notice.html", td))

	assert.Equal(t, 201, rr.Code)
	assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))
	body := rr.Body.String()
	assert.Contains(t, body, "<title>Registro · IJJ</title>")
	assert.Contains(t, body, `class="flash flash-info"`)
	assert.NotContains(t, body, "/login?logout=true", "public pages carry no dashboard navigation")
}

func TestPageWithoutSession(t *testing.T) {
	req := httptest.NewRequest("GET", "/login", nil)
	td := Page(req, shared.NewCSRFManager("secret"), "Login", nil)

	assert.Equal(t, "/login", td.CurrentPath)
	assert.Empty(t, td.CSRFToken)
	assert.Nil(t, td.Flash)
	assert.Equal(t, "es", td.Lang)
}
