package httpp

import (
	"net/http"

	"github.com/pttbox/pttbox/internal/logger"
)

type statusWriter struct {
	w      http.ResponseWriter
	status int
}

func (w *statusWriter) Header() http.Header {
	return w.w.Header()
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.w.Write(b)
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.w.WriteHeader(statusCode)
}

// log requests and responses.
type handlerLogger struct {
	h   http.Handler
	log logger.Writer
}

func (h *handlerLogger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sw := &statusWriter{w: w}

	h.h.ServeHTTP(sw, r)

	h.log.Log(logger.Debug, "[conn %v] %s %s -> %d",
		r.RemoteAddr, r.Method, r.URL.Path, sw.status)
}
