// Package websocket provides WebSocket connectivity.
package websocket

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	pingTimeout  = 5 * time.Second
	writeTimeout = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServerConn is a server-side WebSocket connection with
// automatic, periodic ping-pong. A peer that misses a whole
// ping cycle is force-closed.
type ServerConn struct {
	wc           *websocket.Conn
	pingInterval time.Duration

	heartbeatAlive atomic.Bool

	// in
	terminate chan struct{}
	write     chan []byte

	// out
	writeErr chan error
	pumpDone chan struct{}
}

// NewServerConn allocates a ServerConn.
func NewServerConn(w http.ResponseWriter, req *http.Request, pingInterval time.Duration) (*ServerConn, error) {
	wc, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return nil, err
	}

	c := &ServerConn{
		wc:           wc,
		pingInterval: pingInterval,
		terminate:    make(chan struct{}),
		write:        make(chan []byte),
		writeErr:     make(chan error),
		pumpDone:     make(chan struct{}),
	}
	c.heartbeatAlive.Store(true)

	go c.run()

	return c, nil
}

// Close closes a ServerConn.
func (c *ServerConn) Close() {
	c.wc.Close() //nolint:errcheck
	close(c.terminate)
}

// RemoteAddr returns the remote address.
func (c *ServerConn) RemoteAddr() net.Addr {
	return c.wc.RemoteAddr()
}

func (c *ServerConn) run() {
	// once the pump is gone, pending and future writes fail instead
	// of blocking
	defer close(c.pumpDone)

	c.wc.SetReadDeadline(time.Now().Add(c.pingInterval + pingTimeout)) //nolint:errcheck

	c.wc.SetPongHandler(func(string) error {
		c.heartbeatAlive.Store(true)
		c.wc.SetReadDeadline(time.Now().Add(c.pingInterval + pingTimeout)) //nolint:errcheck
		return nil
	})

	pingTicker := time.NewTicker(c.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case byts := <-c.write:
			c.wc.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			err := c.wc.WriteMessage(websocket.TextMessage, byts)
			c.writeErr <- err

		case <-pingTicker.C:
			if !c.heartbeatAlive.Load() {
				// previous ping got no pong; unblock the reader
				c.wc.Close() //nolint:errcheck
				return
			}
			c.heartbeatAlive.Store(false)
			c.wc.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			c.wc.WriteMessage(websocket.PingMessage, nil)       //nolint:errcheck

		case <-c.terminate:
			return
		}
	}
}

// ReadJSON reads a JSON object.
func (c *ServerConn) ReadJSON(in interface{}) error {
	return c.wc.ReadJSON(in)
}

// WriteJSON writes a JSON object.
func (c *ServerConn) WriteJSON(in interface{}) error {
	byts, err := json.Marshal(in)
	if err != nil {
		return err
	}

	select {
	case c.write <- byts:
		return <-c.writeErr
	case <-c.pumpDone:
		return fmt.Errorf("connection is dead")
	case <-c.terminate:
		return fmt.Errorf("terminated")
	}
}
