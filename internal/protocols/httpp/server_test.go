package httpp

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pttbox/pttbox/internal/logger"
)

type nilLogger struct{}

func (nilLogger) Log(_ logger.Level, _ string, _ ...interface{}) {
}

func TestServer(t *testing.T) {
	s := &Server{
		Address:      "127.0.0.1:0",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("ok")) //nolint:errcheck
		}),
		Parent: nilLogger{},
	}
	err := s.Initialize()
	require.NoError(t, err)
	defer s.Close()

	res, err := http.Get("http://" + s.Addr().String() + "/")
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "pttbox", res.Header.Get("Server"))
}

func TestServerInvalidTimeouts(t *testing.T) {
	s := &Server{
		Address: "127.0.0.1:0",
		Handler: http.NewServeMux(),
		Parent:  nilLogger{},
	}
	require.Error(t, s.Initialize())
}

func TestBearerToken(t *testing.T) {
	r, err := http.NewRequest(http.MethodGet, "http://localhost/", nil)
	require.NoError(t, err)

	require.Equal(t, "", BearerToken(r))

	r.Header.Set("Authorization", "Bearer abc123")
	require.Equal(t, "abc123", BearerToken(r))
}
