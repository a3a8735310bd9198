package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestServerConnReadWrite(t *testing.T) {
	connected := make(chan *ServerConn, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, err := NewServerConn(w, r, 30*time.Second)
		require.NoError(t, err)
		connected <- sc
	}))
	defer ts.Close()

	u := "ws" + strings.TrimPrefix(ts.URL, "http")
	wc, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer wc.Close()

	sc := <-connected
	defer sc.Close()

	err = sc.WriteJSON(map[string]string{"type": "config"})
	require.NoError(t, err)

	var msg map[string]string
	err = wc.ReadJSON(&msg)
	require.NoError(t, err)
	require.Equal(t, "config", msg["type"])

	err = wc.WriteJSON(map[string]string{"type": "ptt_request"})
	require.NoError(t, err)

	err = sc.ReadJSON(&msg)
	require.NoError(t, err)
	require.Equal(t, "ptt_request", msg["type"])
}

func TestServerConnHeartbeatTimeout(t *testing.T) {
	connected := make(chan *ServerConn, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, err := NewServerConn(w, r, 100*time.Millisecond)
		require.NoError(t, err)
		connected <- sc
	}))
	defer ts.Close()

	u := "ws" + strings.TrimPrefix(ts.URL, "http")
	wc, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer wc.Close()

	// swallow pings instead of answering them
	wc.SetPingHandler(func(string) error { return nil })

	sc := <-connected
	defer sc.Close()

	readDone := make(chan error, 1)
	go func() {
		var msg map[string]string
		readDone <- sc.ReadJSON(&msg)
	}()

	// the client reader must run for the ping handler to fire
	go func() {
		for {
			if _, _, err2 := wc.ReadMessage(); err2 != nil {
				return
			}
		}
	}()

	select {
	case err := <-readDone:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("connection was not force-closed")
	}
}

func TestServerConnWriteAfterHeartbeatLoss(t *testing.T) {
	connected := make(chan *ServerConn, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, err := NewServerConn(w, r, 200*time.Millisecond)
		require.NoError(t, err)
		connected <- sc
	}))
	defer ts.Close()

	u := "ws" + strings.TrimPrefix(ts.URL, "http")
	wc, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer wc.Close()

	// swallow pings instead of answering them
	wc.SetPingHandler(func(string) error { return nil })

	sc := <-connected
	defer sc.Close()

	// the client reader must run for the ping handler to fire
	go func() {
		for {
			if _, _, err2 := wc.ReadMessage(); err2 != nil {
				return
			}
		}
	}()

	readDone := make(chan error, 1)
	go func() {
		var msg map[string]string
		readDone <- sc.ReadJSON(&msg)
	}()

	select {
	case err := <-readDone:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("connection was not force-closed")
	}

	// writes must fail fast instead of blocking forever, otherwise a
	// session stuck in a send never observes the read error
	start := time.Now()
	err = sc.WriteJSON(map[string]string{"type": "ptt_status"})
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}
