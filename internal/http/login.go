package http

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/simple-rp/internal/auth"
	rperrors "github.com/tendant/simple-rp/internal/errors"
	"github.com/tendant/simple-rp/internal/metrics"
	"github.com/tendant/simple-rp/internal/oidc"
)

// Flow is the login flow the handlers drive.
type Flow interface {
	Begin(ctx context.Context) (*oidc.AuthorizationRequest, error)
	Complete(ctx context.Context, state, code string) (*oidc.Result, error)
}

// callbackParams are the query parameters a callback may carry. Providers
// such as Keycloak add session_state, and RFC 9207 adds iss.
var callbackParams = map[string]bool{
	"state":         true,
	"code":          true,
	"session_state": true,
	"iss":           true,
}

// LoginHandler handles the browser side of the login flow.
type LoginHandler struct {
	flow        Flow
	authService *auth.Service
	logger      *slog.Logger
	template    *template.Template
}

// NewLoginHandler creates a new LoginHandler.
func NewLoginHandler(flow Flow, authService *auth.Service, logger *slog.Logger) *LoginHandler {
	return &LoginHandler{
		flow:        flow,
		authService: authService,
		logger:      logger,
		template:    template.Must(template.New("page").Parse(pageTemplate)),
	}
}

// RouteConfig describes where the login routes are mounted.
type RouteConfig struct {
	// CallbackPath is the path of the registered redirect URI.
	CallbackPath string
	// RateLimit is the number of /login and callback requests allowed per
	// client IP per minute. 0 disables limiting.
	RateLimit int
}

// Register mounts the login routes on r.
func (h *LoginHandler) Register(r chi.Router, cfg RouteConfig) {
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = "/callback"
	}
	metrics.RegisterPath(cfg.CallbackPath)

	r.Get("/", h.Index)
	r.With(RateLimitMiddleware("/login", cfg.RateLimit, time.Minute)).Get("/login", h.Login)
	r.With(RateLimitMiddleware(cfg.CallbackPath, cfg.RateLimit, time.Minute)).Get(cfg.CallbackPath, h.Callback)
	r.Get("/dashboard", h.Dashboard)
	r.Post("/logout", h.Logout)
}

// Index handles GET / - shows the signed-in subject or a login link.
func (h *LoginHandler) Index(w http.ResponseWriter, r *http.Request) {
	data := pageData{Title: "Simple RP"}
	if session, err := h.authService.CurrentSession(r.Context(), r); err == nil {
		data.Subject = session.Subject
	}
	h.render(w, http.StatusOK, data)
}

// Login handles GET /login - starts a flow and redirects to the provider.
func (h *LoginHandler) Login(w http.ResponseWriter, r *http.Request) {
	req, err := h.flow.Begin(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}

	h.authService.BindFlow(w, req.State)
	http.Redirect(w, r, req.URL, http.StatusFound)
}

// Callback handles the redirect back from the provider.
func (h *LoginHandler) Callback(w http.ResponseWriter, r *http.Request) {
	if h.authService.CallbackLocked(r) {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	q := r.URL.Query()

	if q.Has("error") {
		h.logger.Warn("provider returned an error",
			"error", q.Get("error"),
			"error_description", q.Get("error_description"),
			"state", q.Get("state"),
		)
		h.authService.Binding().Clear(w)
		metrics.RecordFlowCompleted("provider_error")
		h.renderError(w, http.StatusBadRequest)
		return
	}

	for name, values := range q {
		if !callbackParams[name] || len(values) != 1 {
			h.logger.Warn("rejected callback with unexpected parameter", "param", name)
			h.renderError(w, http.StatusBadRequest)
			return
		}
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		h.logger.Warn("rejected callback without state or code")
		h.renderError(w, http.StatusBadRequest)
		return
	}

	if err := h.authService.VerifyCallback(w, r, state); err != nil {
		h.logger.Warn("callback not bound to this browser", "state", state, "error", err)
		h.authService.RecordCallbackFailure(r)
		h.fail(w, err)
		return
	}

	result, err := h.flow.Complete(r.Context(), state, code)
	if err != nil {
		if rperrors.IsCode(err, rperrors.CodeStateNotFound) {
			h.authService.RecordCallbackFailure(r)
		}
		h.fail(w, err)
		return
	}

	if _, err := h.authService.SignIn(r.Context(), w, r, result.Subject, result.Profile); err != nil {
		h.logger.Error("failed to create session", "flow_id", result.FlowID, "error", err)
		h.renderError(w, http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

// Dashboard handles GET /dashboard - returns the signed-in profile.
func (h *LoginHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	session, err := h.authService.CurrentSession(r.Context(), r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	err = writeJSON(w, http.StatusOK, map[string]any{
		"subject":    session.Subject,
		"profile":    session.Profile,
		"expires_at": session.ExpiresAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		h.logger.Error("failed to render profile", "subject", session.Subject, "error", err)
	}
}

// Logout handles POST /logout - ends the local session.
func (h *LoginHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.authService.Logout(r.Context(), w, r); err != nil {
		h.logger.Error("logout error", "error", err)
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// fail renders a generic error page. The details stay in the logs.
func (h *LoginHandler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("login request failed", "error_code", rperrors.CodeOf(err), "error", err)
	}
	h.renderError(w, status)
}

// statusFor maps an error code to the response status.
func statusFor(err error) int {
	switch rperrors.CodeOf(err) {
	case rperrors.CodeStateNotFound, rperrors.CodeInvalidInput:
		return http.StatusBadRequest
	case rperrors.CodeTokenInvalid:
		return http.StatusUnauthorized
	case rperrors.CodeMetadataUnavailable, rperrors.CodeMetadataMalformed,
		rperrors.CodeTokenExchangeFailed, rperrors.CodeTokenResponseMalformed,
		rperrors.CodeUserInfoUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *LoginHandler) renderError(w http.ResponseWriter, status int) {
	h.render(w, status, pageData{Title: "Sign-in failed", Error: "Authentication failed. Please try again."})
}

func (h *LoginHandler) render(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.template.Execute(w, data); err != nil {
		h.logger.Error("failed to render page", "error", err)
	}
}

type pageData struct {
	Title   string
	Subject string
	Error   string
}

const pageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, sans-serif;
            background: #f5f5f5;
            margin: 0;
            padding: 20px;
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
        }
        .card {
            background: white;
            padding: 40px;
            border-radius: 8px;
            box-shadow: 0 2px 10px rgba(0,0,0,0.1);
            width: 100%;
            max-width: 400px;
            text-align: center;
        }
        .error {
            background: #fee;
            color: #c00;
            padding: 12px;
            border-radius: 4px;
            margin-bottom: 20px;
        }
        a.button, button {
            display: inline-block;
            padding: 12px 24px;
            background: #007bff;
            color: white;
            border: none;
            border-radius: 4px;
            font-size: 16px;
            text-decoration: none;
            cursor: pointer;
        }
    </style>
</head>
<body>
    <div class="card">
        <h1>{{.Title}}</h1>
        {{if .Error}}
        <div class="error">{{.Error}}</div>
        <a class="button" href="/login">Try again</a>
        {{else if .Subject}}
        <p>Signed in as <strong>{{.Subject}}</strong></p>
        <p><a href="/dashboard">Profile</a></p>
        <form method="POST" action="/logout"><button type="submit">Sign out</button></form>
        {{else}}
        <a class="button" href="/login">Sign in</a>
        {{end}}
    </div>
</body>
</html>`
