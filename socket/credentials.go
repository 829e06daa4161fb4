package socket

import (
	"net/http"
	"os"
	"strings"

	"pagesync/internal/token"
	"pagesync/middleware"
)

// extractor pulls a raw credential candidate out of the handshake request,
// or returns "" when its source is absent.
type extractor func(r *http.Request) string

// Fixed priority order: session cookie, then bearer header, then the
// short-lived token in the query string. The first source that yields a
// non-empty candidate wins; later sources are not consulted.
var extractors = []extractor{
	fromSessionCookie,
	fromBearerHeader,
	fromQueryToken,
}

func fromSessionCookie(r *http.Request) string {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func fromBearerHeader(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

func fromQueryToken(r *http.Request) string {
	return r.URL.Query().Get("token")
}

// ResolveUser turns the handshake request into a user id. Any source may
// carry either a session JWT or a short-lived collaboration token. Returns ""
// when no source produced a usable identity; the hub's access check then
// rejects the connection.
func ResolveUser(r *http.Request) string {
	for _, extract := range extractors {
		candidate := extract(r)
		if candidate == "" {
			continue
		}
		if userID, err := middleware.ParseSessionToken(candidate); err == nil {
			return userID
		}
		if userID, err := token.Validate(candidate, os.Getenv("COLLAB_TOKEN_SECRET")); err == nil {
			return userID
		}
		// The winning source carried an invalid credential. Treat the
		// connection as anonymous rather than falling back to a weaker
		// source.
		return ""
	}
	return ""
}
