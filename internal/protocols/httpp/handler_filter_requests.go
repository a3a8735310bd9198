package httpp

import (
	"net/http"
	"strings"
)

// handlerFilterRequests rejects requests whose path is not rooted
// before they reach the router.
type handlerFilterRequests struct {
	h http.Handler
}

func (h *handlerFilterRequests) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/") {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	h.h.ServeHTTP(w, r)
}
