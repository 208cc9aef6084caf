package auth

import (
	"crypto/hmac"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// BindingCookieName is the name of the state-binding cookie.
	BindingCookieName = "rp_flow"
	// DefaultBindingTTL matches the default flow state lifetime.
	DefaultBindingTTL = 10 * time.Minute
)

// BindingService ties a login attempt to the browser that started it. At
// login the browser receives a cookie holding a keyed digest of the state;
// the callback is only accepted when the cookie matches the returned state.
type BindingService struct {
	key          []byte
	ttl          time.Duration
	cookieSecure bool
	cookieDomain string
	now          func() time.Time
}

// NewBindingService creates a new BindingService.
func NewBindingService(secret string, ttl time.Duration, cookieSecure bool, cookieDomain string) *BindingService {
	if ttl <= 0 {
		ttl = DefaultBindingTTL
	}
	return &BindingService{
		key:          deriveKey([]byte(secret), purposeBinding),
		ttl:          ttl,
		cookieSecure: cookieSecure,
		cookieDomain: cookieDomain,
		now:          time.Now,
	}
}

// Bind sets the binding cookie for state.
func (s *BindingService) Bind(w http.ResponseWriter, state string) {
	data := fmt.Sprintf("%d:%s", s.now().Unix(), mac(s.key, "state:"+state))

	http.SetCookie(w, &http.Cookie{
		Name:     BindingCookieName,
		Value:    sign(s.key, data),
		Path:     "/",
		Domain:   s.cookieDomain,
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.cookieSecure,
		// Lax so the cookie survives the top-level redirect back from the provider
		SameSite: http.SameSiteLaxMode,
	})
}

// Verify checks that the request carries a binding cookie for state.
func (s *BindingService) Verify(r *http.Request, state string) error {
	cookie, err := r.Cookie(BindingCookieName)
	if err != nil {
		return fmt.Errorf("missing binding cookie")
	}

	data, ok := verify(s.key, cookie.Value)
	if !ok {
		return fmt.Errorf("invalid binding cookie signature")
	}

	ts, digest, ok := strings.Cut(data, ":")
	if !ok {
		return fmt.Errorf("invalid binding cookie format")
	}
	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid binding cookie timestamp")
	}
	if s.now().Sub(time.Unix(issued, 0)) > s.ttl {
		return fmt.Errorf("binding cookie expired")
	}

	if !hmac.Equal([]byte(digest), []byte(mac(s.key, "state:"+state))) {
		return fmt.Errorf("binding cookie does not match state")
	}
	return nil
}

// Clear clears the binding cookie.
func (s *BindingService) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     BindingCookieName,
		Value:    "",
		Path:     "/",
		Domain:   s.cookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
