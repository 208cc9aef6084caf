package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/tendant/simple-rp/internal/domain"
	rperrors "github.com/tendant/simple-rp/internal/errors"
)

// Service ties the browser to a login: it binds flows to the browser that
// started them and signs the user in once a flow completes.
type Service struct {
	sessions *SessionService
	binding  *BindingService
	lockout  *LockoutService
	logger   *slog.Logger
}

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithLockout enables callback lockout.
func WithLockout(lockout *LockoutService) ServiceOption {
	return func(s *Service) {
		s.lockout = lockout
	}
}

// NewService creates a new auth Service.
func NewService(sessions *SessionService, binding *BindingService, opts ...ServiceOption) *Service {
	s := &Service{
		sessions: sessions,
		binding:  binding,
		lockout:  NewLockoutService(0, 0),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Sessions returns the session service.
func (s *Service) Sessions() *SessionService {
	return s.sessions
}

// Binding returns the binding service.
func (s *Service) Binding() *BindingService {
	return s.binding
}

// Lockout returns the lockout service.
func (s *Service) Lockout() *LockoutService {
	return s.lockout
}

// BindFlow ties a freshly started flow to the requesting browser.
func (s *Service) BindFlow(w http.ResponseWriter, state string) {
	s.binding.Bind(w, state)
}

// VerifyCallback checks that a callback comes from the browser that started
// the flow. The binding cookie is always cleared. A mismatch is reported as
// state_not_found so a forged callback looks like any other unknown state.
func (s *Service) VerifyCallback(w http.ResponseWriter, r *http.Request, state string) error {
	defer s.binding.Clear(w)

	if err := s.binding.Verify(r, state); err != nil {
		e := rperrors.StateNotFound()
		e.Err = err
		return e
	}
	return nil
}

// SignIn creates a session for a completed login, replacing any session
// the browser already had.
func (s *Service) SignIn(ctx context.Context, w http.ResponseWriter, r *http.Request, subject string, profile map[string]any) (*domain.Session, error) {
	var oldToken string
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		oldToken = cookie.Value
	}

	session, token, err := s.sessions.RotateSession(ctx, oldToken, subject, profile)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.sessions.SetSessionCookie(w, token)
	s.lockout.RecordSuccess(ClientKey(r))

	s.logger.Info("user signed in", "subject", subject)
	return session, nil
}

// Logout terminates the user's session.
func (s *Service) Logout(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	cookie, err := r.Cookie(SessionCookieName)
	if err == nil && cookie.Value != "" {
		if err := s.sessions.DeleteSession(ctx, cookie.Value); err != nil {
			s.logger.Warn("failed to delete session", "error", err)
		}
	}

	s.sessions.ClearSessionCookie(w)
	s.binding.Clear(w)

	return nil
}

// CurrentSession returns the session of the request.
func (s *Service) CurrentSession(ctx context.Context, r *http.Request) (*domain.Session, error) {
	return s.sessions.GetSessionFromRequest(ctx, r)
}

// IsAuthenticated checks if the request has a valid session.
func (s *Service) IsAuthenticated(ctx context.Context, r *http.Request) bool {
	_, err := s.sessions.GetSessionFromRequest(ctx, r)
	return err == nil
}

// RecordCallbackFailure counts a failed callback against the client and
// reports whether the client is now locked out.
func (s *Service) RecordCallbackFailure(r *http.Request) bool {
	client := ClientKey(r)
	locked := s.lockout.RecordFailure(client)
	if locked {
		s.logger.Warn("client locked out after repeated callback failures",
			"client", client, "duration", s.lockout.LockoutRemaining(client))
	}
	return locked
}

// CallbackLocked reports whether the client of r is locked out.
func (s *Service) CallbackLocked(r *http.Request) bool {
	return s.lockout.IsLocked(ClientKey(r))
}

// ClientKey identifies the client of a request by IP. Proxy headers are
// only honored when the router's RealIP middleware has rewritten
// RemoteAddr.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
