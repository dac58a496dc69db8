package config

import "net/http"

// ToCookie materialises the configured template into a cookie carrying
// value, typically the gateway session id. Attributes not set in the
// template fall back to their net/http zero values.
func (ct *CookieTemplate) ToCookie(value string) *http.Cookie {
	sameSite := http.SameSiteDefaultMode
	switch ct.SameSite {
	case CookieSameSiteNone:
		sameSite = http.SameSiteNoneMode
	case CookieSameSiteLax:
		sameSite = http.SameSiteLaxMode
	case CookieSameSiteStrict:
		sameSite = http.SameSiteStrictMode
	}

	return &http.Cookie{
		Name:     ct.Name,
		Value:    value,
		MaxAge:   ct.MaxAge,
		Path:     ct.Path,
		Domain:   ct.Domain,
		Secure:   ct.Secure,
		HttpOnly: ct.HTTPOnly,
		SameSite: sameSite,
	}
}
