package shared

import (
	"net/http"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Message keys for user-visible text. Values are looked up in the x/text
// catalog registered below; Spanish is the default language.
const (
	MsgLoginInvalid       = "login.invalid"
	MsgLoginWelcome       = "login.welcome"
	MsgLoggedOut          = "login.logged_out"
	MsgMFAInvalid         = "mfa.invalid"
	MsgMFANotEnrolled     = "mfa.not_enrolled"
	MsgMFAVerified        = "mfa.verified"
	MsgLinkInvalid        = "link.invalid"
	MsgQuestionsInvalid   = "questions.invalid"
	MsgQuestionsSaved     = "questions.saved"
	MsgRecoveryFailed     = "recovery.failed"
	MsgRecoveryDone       = "recovery.done"
	MsgPasswordWeak       = "recovery.password_weak"
	MsgPasswordMismatch   = "recovery.password_mismatch"
	MsgServiceUnavailable = "service.unavailable"
	MsgGenericError       = "generic.error"
	MsgForbidden          = "generic.forbidden"
)

var supportedLanguages = []language.Tag{language.Spanish, language.English}

var languageMatcher = language.NewMatcher(supportedLanguages)

var catalog = map[string][2]string{
	MsgLoginInvalid:       {"Correo o contraseña incorrectos.", "Incorrect email or password."},
	MsgLoginWelcome:       {"Bienvenido de nuevo.", "Welcome back."},
	MsgLoggedOut:          {"Sesión cerrada.", "You have been signed out."},
	MsgMFAInvalid:         {"Código de verificación inválido.", "Invalid verification code."},
	MsgMFANotEnrolled:     {"No hay un segundo factor configurado.", "No second factor is configured."},
	MsgMFAVerified:        {"Segundo factor verificado.", "Second factor verified."},
	MsgLinkInvalid:        {"El enlace no es válido o ha expirado.", "The link is invalid or has expired."},
	MsgQuestionsInvalid:   {"Configura entre 1 y 3 preguntas; cada respuesta debe tener al menos 3 caracteres.", "Configure 1 to 3 questions; each answer needs at least 3 characters."},
	MsgQuestionsSaved:     {"Preguntas de seguridad guardadas.", "Security questions saved."},
	MsgRecoveryFailed:     {"No fue posible verificar la información. Inténtalo de nuevo.", "We could not verify the information. Please try again."},
	MsgRecoveryDone:       {"Contraseña actualizada.", "Password updated."},
	MsgPasswordWeak:       {"La contraseña debe tener al menos 10 caracteres, mayúsculas, minúsculas, un número y un símbolo.", "The password needs at least 10 characters, upper and lower case letters, a digit and a symbol."},
	MsgPasswordMismatch:   {"Las contraseñas no coinciden.", "The passwords do not match."},
	MsgServiceUnavailable: {"Servicio no disponible temporalmente.", "Service temporarily unavailable."},
	MsgGenericError:       {"Ocurrió un error. Inténtalo más tarde.", "Something went wrong. Please try again later."},
	MsgForbidden:          {"No tienes permiso para esta acción.", "You are not allowed to perform this action."},
}

func init() {
	for key, text := range catalog {
		_ = message.SetString(language.Spanish, key, text[0])
		_ = message.SetString(language.English, key, text[1])
	}
}

// RequestLanguage picks the supported language for the request's Accept-Language header.
func RequestLanguage(r *http.Request) language.Tag {
	if r == nil {
		return supportedLanguages[0]
	}
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return supportedLanguages[0]
	}
	_, idx, _ := languageMatcher.Match(tags...)
	return supportedLanguages[idx]
}

// Localize returns the user-facing text for key in the request's language.
func Localize(r *http.Request, key string) string {
	return message.NewPrinter(RequestLanguage(r)).Sprintf(key)
}
