package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"warden.id/internal/audit"
	"warden.id/internal/auth"
)

const (
	headerClientName   = "X-Client-Name"
	headerClientOS     = "X-Client-OS"
	headerClientDevice = "X-Client-Device"
	headerServiceToken = "X-Service-Token"
)

// withIdentity resolves the caller into an auth.Subject. Rejected credentials degrade to an
// anonymous subject so that a client holding a stale cookie can still log in again; handlers
// that need an identity answer 401 through the access predicates. Any other failure ends the
// request with an internal error and leaves the cookie in place.
func (a *API) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := a.bearerToken(r)
		creds := auth.Credentials{
			Token:       token,
			Fingerprint: fingerprintFromRequest(r),
			IP:          clientIP(r),
		}
		if a.settings.AssertionHeader != "" {
			creds.Assertion = strings.TrimSpace(r.Header.Get(a.settings.AssertionHeader))
		}

		subject, err := a.deps.Identity.Identify(r.Context(), creds)
		if err != nil && !errors.Is(err, auth.ErrAuthenticationRequired) {
			handleError(w, r, err)
			return
		}
		if err != nil {
			subject = auth.Anonymous()
			if _, cerr := r.Cookie(a.settings.CookieName); cerr == nil {
				a.clearCookie(w)
			}
			token = ""
		}
		ctx := auth.ContextWithSubject(r.Context(), subject)
		if token != "" && subject.Authenticated {
			ctx = auth.ContextWithToken(ctx, token)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken reads the Authorization header first and the session cookie second.
func (a *API) bearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value)
		}
		return ""
	}
	if c, err := r.Cookie(a.settings.CookieName); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

func fingerprintFromRequest(r *http.Request) auth.Fingerprint {
	client := r.Header.Get(headerClientName)
	if strings.TrimSpace(client) == "" {
		client = r.UserAgent()
	}
	return auth.Fingerprint{
		Client: client,
		OS:     r.Header.Get(headerClientOS),
		Device: r.Header.Get(headerClientDevice),
	}
}

func (a *API) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.settings.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(a.deps.Sessions.TTL().Seconds()),
		HttpOnly: true,
		Secure:   a.settings.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.settings.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.settings.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	_ = audit.LogEvent(ctx, event, fields)
}
