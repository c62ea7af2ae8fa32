package auth

import (
	"net/http"
	"strings"
)

// Credential sources.
const (
	AuthorizationHeader = "Authorization"
	BearerPrefix        = "Bearer "
	DefaultTokenCookie  = "token"
)

// ExtractToken returns the bearer token of r. The Authorization header is
// preferred; the named cookie is only consulted when the header carries
// no bearer token. An empty string means no token was presented.
func ExtractToken(r *http.Request, cookieName string) string {
	if token := bearerToken(r.Header.Get(AuthorizationHeader)); token != "" {
		return token
	}

	if cookieName == "" {
		cookieName = DefaultTokenCookie
	}
	if cookie, err := r.Cookie(cookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}

	return ""
}

func bearerToken(header string) string {
	if len(header) < len(BearerPrefix) || !strings.EqualFold(header[:len(BearerPrefix)], BearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(BearerPrefix):])
}
