package conference

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gwebsocket "github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/pttbox/pttbox/internal/websocket"
)

// newBareSession builds a session whose run loop is not started, so
// the restart machinery can be driven step by step.
func newBareSession(t *testing.T, srv *Server) (*session, *gwebsocket.Conn) {
	connected := make(chan *websocket.ServerConn, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, err := websocket.NewServerConn(w, r, 30*time.Second)
		require.NoError(t, err)
		connected <- sc
	}))
	t.Cleanup(ts.Close)

	u := "ws" + strings.TrimPrefix(ts.URL, "http")
	wc, _, err := gwebsocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { wc.Close() })

	sc := <-connected
	t.Cleanup(sc.Close)

	sess := &session{id: "aabbccdd", conn: sc, server: srv}
	sess.ctx, sess.ctxCancel = context.WithCancel(context.Background())
	t.Cleanup(sess.ctxCancel)
	t.Cleanup(sess.stopTimers)

	sess.feed, err = newRTPFeed()
	require.NoError(t, err)

	return sess, wc
}

func TestSessionICERestartBudget(t *testing.T) {
	srv := &Server{ICERestartTimeout: time.Hour, Parent: nilLogger{}}
	sess, wc := newBareSession(t, srv)

	require.NoError(t, sess.requestICERestart())

	// a second trigger while one is in flight is a no-op
	require.NoError(t, sess.requestICERestart())

	// each timeout burns one attempt
	for i := 0; i < maxICERestartAttempts-1; i++ {
		require.NoError(t, sess.handleRestartTimeout())
	}

	err := sess.handleRestartTimeout()
	require.Error(t, err)

	// exactly one request per attempt went out
	wc.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	for i := 0; i < maxICERestartAttempts; i++ {
		var msg message
		require.NoError(t, wc.ReadJSON(&msg))
		require.Equal(t, "request_ice_restart", msg.Type)
	}

	wc.SetReadDeadline(time.Now().Add(250 * time.Millisecond)) //nolint:errcheck
	var msg message
	require.Error(t, wc.ReadJSON(&msg))
}

func TestSessionICERestartCooldown(t *testing.T) {
	srv := &Server{ICERestartTimeout: time.Hour, Parent: nilLogger{}}
	sess, _ := newBareSession(t, srv)

	sess.listSent = true
	sess.restartCount = 1

	require.NoError(t, sess.handleMainState(webrtc.PeerConnectionStateConnected))
	require.NotNil(t, sess.chCooldown)

	// a transient drop inside the cooldown window is ignored
	require.NoError(t, sess.handleMainState(webrtc.PeerConnectionStateDisconnected))
	require.Nil(t, sess.chRestartTmr)

	// a full failure still escalates
	require.NoError(t, sess.handleMainState(webrtc.PeerConnectionStateFailed))
	require.NotNil(t, sess.chRestartTmr)
}

func TestSessionP2PReconnectClearsRestartTimer(t *testing.T) {
	srv := &Server{
		OfferTimeout:      10 * time.Second,
		ICEGatherTimeout:  2 * time.Second,
		ICERestartTimeout: time.Hour,
		Parent:            nilLogger{},
	}
	sess, _ := newBareSession(t, srv)
	t.Cleanup(sess.destroyP2P)

	require.NoError(t, sess.requestICERestart())
	require.NotNil(t, sess.chRestartTmr)

	require.NoError(t, sess.handleMessage(&message{Type: "request_p2p_reconnect"}))
	require.Nil(t, sess.chRestartTmr)
	require.NotNil(t, sess.p2pPC)
}

func TestSessionICERestartOfferRearm(t *testing.T) {
	srv := &Server{
		OfferTimeout:      10 * time.Second,
		ICEGatherTimeout:  2 * time.Second,
		ICERestartTimeout: time.Hour,
		Parent:            nilLogger{},
	}
	sess, wc := newBareSession(t, srv)

	sess.offerTimer = time.NewTimer(time.Hour)
	sess.chOfferTimer = sess.offerTimer.C

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() }) //nolint:errcheck

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "client")
	require.NoError(t, err)

	_, err = pc.AddTrack(track)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))

	require.NoError(t, sess.handleOffer(&message{Type: "offer", SDP: offer.SDP}))
	require.NotNil(t, sess.mainPC)
	t.Cleanup(sess.mainPC.Close)

	wc.SetReadDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck
	var msg message
	for {
		require.NoError(t, wc.ReadJSON(&msg))
		if msg.Type == "answer" {
			break
		}
	}
	require.NoError(t, pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  msg.SDP,
	}))

	// a restart request is pending when the restart offer arrives
	require.NoError(t, sess.requestICERestart())
	pending := sess.restartTimer

	offer2, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer2))

	require.NoError(t, sess.handleICERestartOffer(&message{Type: "ice_restart_offer", SDP: offer2.SDP}))

	// the old deadline was cancelled and the handshake got a fresh one
	require.NotSame(t, pending, sess.restartTimer)
	require.NotNil(t, sess.chRestartTmr)

	for {
		require.NoError(t, wc.ReadJSON(&msg))
		if msg.Type == "ice_restart_answer" {
			break
		}
	}
	require.NotEmpty(t, msg.SDP)
}
