package tool

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"strings"
)

/*
Signed cookies.

Cookie values are signed, not encrypted: "<value>.<base64url hmac>", with the
HMAC keyed by the master key and bound to the cookie name so a value cannot
be replayed under a different name. HttpOnly is always set; SameSite and
Secure come from the provider configuration, and SameSite=None forces Secure.
*/

const stateCookieMaxAge = 600 // seconds

func (p *Provider) signCookie(name, value string) string {
	mac := hmac.New(sha256.New, []byte(p.cfg.EncryptionKey))
	mac.Write([]byte(name + "=" + value))
	return value + "." + b64url(mac.Sum(nil))
}

// cookieValue returns the verified value of a signed cookie, or false when
// the cookie is absent or its signature does not check out.
func (p *Provider) cookieValue(r *http.Request, name string) (string, bool) {
	c, err := r.Cookie(name)
	if err != nil {
		return "", false
	}
	i := strings.LastIndexByte(c.Value, '.')
	if i <= 0 {
		return "", false
	}
	value, sig := c.Value[:i], c.Value[i+1:]
	mac := hmac.New(sha256.New, []byte(p.cfg.EncryptionKey))
	mac.Write([]byte(name + "=" + value))
	if !hmac.Equal([]byte(b64url(mac.Sum(nil))), []byte(sig)) {
		return "", false
	}
	return value, true
}

// setCookie writes a signed cookie. maxAge 0 makes it a session cookie.
func (p *Provider) setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    p.signCookie(name, value),
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   p.cookieSecure(),
		SameSite: p.cookieSameSite(),
	})
}

func (p *Provider) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   p.cookieSecure(),
		SameSite: p.cookieSameSite(),
	})
}

func (p *Provider) cookieSameSite() http.SameSite {
	if p.cfg.CookieSameSite == 0 {
		return http.SameSiteLaxMode
	}
	return p.cfg.CookieSameSite
}

func (p *Provider) cookieSecure() bool {
	// SameSite=None cookies are rejected by browsers unless Secure.
	return p.cfg.CookieSecure || p.cookieSameSite() == http.SameSiteNoneMode
}
