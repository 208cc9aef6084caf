package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/tendant/simple-rp/internal/domain"
	rperrors "github.com/tendant/simple-rp/internal/errors"
	"github.com/tendant/simple-rp/internal/metrics"
	"github.com/tendant/simple-rp/internal/store"
)

const (
	// SessionCookieName is the name of the session cookie.
	SessionCookieName = "rp_session"
	// SessionTokenLength is the length of the session id in bytes.
	SessionTokenLength = 32
	// DefaultSessionTTL is used when no session TTL is configured.
	DefaultSessionTTL = 8 * time.Hour
)

// SessionService manages signed-in sessions. The cookie carries the session
// id signed with a key derived from the cookie secret; profiles stay server
// side in the repository.
type SessionService struct {
	sessions     store.SessionRepository
	key          []byte
	cookieSecure bool
	cookieDomain string
	sessionTTL   time.Duration
	now          func() time.Time
}

// SessionServiceOption configures the SessionService.
type SessionServiceOption func(*SessionService)

// WithCookieSecure sets whether cookies should be secure (HTTPS only).
func WithCookieSecure(secure bool) SessionServiceOption {
	return func(s *SessionService) {
		s.cookieSecure = secure
	}
}

// WithCookieDomain sets the cookie domain.
func WithCookieDomain(domain string) SessionServiceOption {
	return func(s *SessionService) {
		s.cookieDomain = domain
	}
}

// WithSessionTTL sets the session duration.
func WithSessionTTL(ttl time.Duration) SessionServiceOption {
	return func(s *SessionService) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// NewSessionService creates a new SessionService.
func NewSessionService(sessions store.SessionRepository, cookieSecret string, opts ...SessionServiceOption) *SessionService {
	s := &SessionService{
		sessions:   sessions,
		key:        deriveKey([]byte(cookieSecret), purposeSession),
		sessionTTL: DefaultSessionTTL,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// TTL returns the session lifetime.
func (s *SessionService) TTL() time.Duration {
	return s.sessionTTL
}

// CreateSession stores a session for subject and returns it with the signed
// cookie value.
func (s *SessionService) CreateSession(ctx context.Context, subject string, profile map[string]any) (*domain.Session, string, error) {
	if subject == "" {
		return nil, "", rperrors.InvalidInput("subject is required")
	}
	id, err := randomToken(SessionTokenLength)
	if err != nil {
		return nil, "", err
	}

	now := s.now()
	session := &domain.Session{
		ID:        id,
		Subject:   subject,
		Profile:   profile,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, "", rperrors.Internal("failed to create session", err)
	}

	metrics.RecordSessionCreated()
	return session, sign(s.key, id), nil
}

// GetSession retrieves a session by its signed cookie value.
func (s *SessionService) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	id, ok := verify(s.key, token)
	if !ok {
		return nil, rperrors.Unauthorized("invalid session cookie")
	}

	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		if rperrors.IsCode(err, rperrors.CodeNotFound) {
			return nil, rperrors.Unauthorized("session not found")
		}
		return nil, err
	}

	if s.now().After(session.ExpiresAt) {
		_ = s.sessions.Delete(ctx, id)
		return nil, rperrors.Unauthorized("session expired")
	}

	return session, nil
}

// DeleteSession deletes the session behind a signed cookie value.
func (s *SessionService) DeleteSession(ctx context.Context, token string) error {
	id, ok := verify(s.key, token)
	if !ok {
		return rperrors.Unauthorized("invalid session cookie")
	}
	return s.sessions.Delete(ctx, id)
}

// SetSessionCookie sets the session cookie on the response.
func (s *SessionService) SetSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Domain:   s.cookieDomain,
		MaxAge:   int(s.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie clears the session cookie.
func (s *SessionService) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   s.cookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// GetSessionFromRequest retrieves the session from request cookies.
func (s *SessionService) GetSessionFromRequest(ctx context.Context, r *http.Request) (*domain.Session, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return nil, rperrors.Unauthorized("no session cookie")
	}

	return s.GetSession(ctx, cookie.Value)
}

// RotateSession creates a new session and invalidates the old one.
// Called after every completed login.
func (s *SessionService) RotateSession(ctx context.Context, oldToken, subject string, profile map[string]any) (*domain.Session, string, error) {
	if oldToken != "" {
		_ = s.DeleteSession(ctx, oldToken)
	}

	return s.CreateSession(ctx, subject, profile)
}
