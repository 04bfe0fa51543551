package middleware

import (
	"net/http"
	"time"

	goIdP "github.com/MrEthical07/goIdP"
)

// Cookies writes cookies with the attributes the deployment mode calls for:
// always HttpOnly, Secure in production, SameSite None for cross-subdomain
// production deployments and Lax otherwise.
type Cookies struct {
	domain   string
	secure   bool
	sameSite http.SameSite
}

// NewCookies derives cookie attributes from cfg.
func NewCookies(cfg goIdP.Config) *Cookies {
	return &Cookies{
		domain:   cfg.Cookie.Domain,
		secure:   cfg.CookieSecure(),
		sameSite: cfg.CookieSameSite(),
	}
}

// Set writes a cookie that expires at expires.
func (c *Cookies) Set(w http.ResponseWriter, name, value string, expires time.Time) {
	maxAge := int(time.Until(expires).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	http.SetCookie(w, c.cookie(name, value, maxAge, expires))
}

// Clear expires the cookie immediately.
func (c *Cookies) Clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, c.cookie(name, "", -1, time.Unix(0, 0)))
}

func (c *Cookies) cookie(name, value string, maxAge int, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.domain,
		Expires:  expires.UTC(),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: c.sameSite,
	}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
