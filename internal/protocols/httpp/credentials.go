package httpp

import (
	"net/http"
	"strings"
)

// BearerToken extracts the bearer token from a HTTP request,
// or returns the empty string.
func BearerToken(r *http.Request) string {
	for _, h := range r.Header["Authorization"] {
		if strings.HasPrefix(h, "Bearer ") {
			return h[len("Bearer "):]
		}
	}
	return ""
}
