package conference

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pttbox/pttbox/internal/floor"
	"github.com/pttbox/pttbox/internal/logger"
	"github.com/pttbox/pttbox/internal/websocket"
	"github.com/pttbox/pttbox/internal/webrtcpc"
)

const (
	maxICERestartAttempts = 5
	iceRestartCooldown    = 10 * time.Second
)

var errTerminated = fmt.Errorf("terminated")

// session is the actor owning one client: its signaling transport,
// its inbound (main) peer connection and its outbound (P2P) peer
// connection. All state transitions happen inside the run loop.
type session struct {
	id     string
	conn   *websocket.ServerConn
	server *Server

	ctx       context.Context
	ctxCancel func()
	done      chan struct{}

	nameMutex sync.Mutex
	name      string

	p2pStateMutex sync.Mutex
	p2pStateStr   string

	feed *rtpFeed

	chMessage chan *message
	readErr   chan error

	// actor-owned; only touched inside the run loop
	mainPC        *webrtcpc.PeerConnection
	p2pPC         *webrtcpc.PeerConnection
	chMainState   <-chan webrtc.PeerConnectionState
	chP2PState    <-chan webrtc.PeerConnectionState
	listSent      bool
	offerTimer    *time.Timer
	chOfferTimer  <-chan time.Time
	restartTimer  *time.Timer
	chRestartTmr  <-chan time.Time
	cooldownTimer *time.Timer
	chCooldown    <-chan time.Time
	graceTimer    *time.Timer
	chGraceTimer  <-chan time.Time
	restartCount  int
}

func (s *session) initialize() error {
	var err error
	s.feed, err = newRTPFeed()
	if err != nil {
		return err
	}

	s.ctx, s.ctxCancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	s.chMessage = make(chan *message)
	s.readErr = make(chan error, 1)

	s.send(&message{
		Type:           "config",
		ClientID:       s.id,
		ICEServers:     s.server.iceServerEntries(),
		VAPIDPublicKey: s.server.Push.VAPIDPublicKey,
	})

	go s.read()
	go s.run()

	return nil
}

// close terminates the session and waits for its teardown.
func (s *session) close() {
	s.ctxCancel()
	<-s.done
}

// Log implements logger.Writer.
func (s *session) Log(level logger.Level, format string, args ...interface{}) {
	s.server.Log(level, "[client %s] "+format, append([]interface{}{s.id}, args...)...)
}

func (s *session) displayName() string {
	s.nameMutex.Lock()
	defer s.nameMutex.Unlock()
	return s.name
}

func (s *session) setDisplayName(name string) {
	s.nameMutex.Lock()
	s.name = name
	s.nameMutex.Unlock()
}

// p2pState is the dashboard view of the outbound connection.
func (s *session) p2pState() string {
	s.p2pStateMutex.Lock()
	defer s.p2pStateMutex.Unlock()
	if s.p2pStateStr == "" {
		return "none"
	}
	return s.p2pStateStr
}

func (s *session) setP2PState(state string) {
	s.p2pStateMutex.Lock()
	s.p2pStateStr = state
	s.p2pStateMutex.Unlock()
}

// send writes an envelope, best effort: an unwritable transport
// drops the frame, audio keeps flowing over RTP.
func (s *session) send(msg interface{}) {
	err := s.conn.WriteJSON(msg)
	if err != nil {
		s.Log(logger.Debug, "outbound envelope dropped: %v", err)
	}
}

// read feeds inbound envelopes into the run loop. Malformed frames
// are dropped without closing the transport.
func (s *session) read() {
	for {
		var msg message
		err := s.conn.ReadJSON(&msg)
		if err != nil {
			if isDecodeError(err) {
				s.Log(logger.Warn, "malformed envelope dropped: %v", err)
				continue
			}

			select {
			case s.readErr <- err:
			case <-s.ctx.Done():
			}
			return
		}

		select {
		case s.chMessage <- &msg:
		case <-s.ctx.Done():
			return
		}
	}
}

func isDecodeError(err error) bool {
	switch err.(type) {
	case *json.SyntaxError, *json.UnmarshalTypeError:
		return true
	}
	return false
}

func (s *session) run() {
	defer close(s.done)

	err := s.runInner()

	s.Log(logger.Info, "closed: %v", err)

	// teardown order: timers first, then handlers, then transport
	s.stopTimers()

	if s.p2pPC != nil {
		s.p2pPC.Close()
	}
	if s.mainPC != nil {
		s.mainPC.Close()
	}

	s.conn.Close()
	s.server.removeSession(s)
}

func (s *session) stopTimers() {
	for _, t := range []*time.Timer{s.offerTimer, s.restartTimer, s.cooldownTimer, s.graceTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

func (s *session) runInner() error {
	s.offerTimer = time.NewTimer(s.server.OfferTimeout)
	s.chOfferTimer = s.offerTimer.C

	for {
		select {
		case <-s.ctx.Done():
			return errTerminated

		case err := <-s.readErr:
			return err

		case <-s.chOfferTimer:
			return fmt.Errorf("no offer received within %v", s.server.OfferTimeout)

		case msg := <-s.chMessage:
			err := s.handleMessage(msg)
			if err != nil {
				return err
			}

		case state := <-s.chMainState:
			err := s.handleMainState(state)
			if err != nil {
				return err
			}

		case state := <-s.chP2PState:
			s.handleP2PState(state)

		case <-s.chRestartTmr:
			err := s.handleRestartTimeout()
			if err != nil {
				return err
			}

		case <-s.chCooldown:
			s.restartCount = 0
			s.chCooldown = nil

		case <-s.chGraceTimer:
			s.Log(logger.Warn, "p2p connection lost, tearing it down")
			s.destroyP2P()
		}
	}
}

func (s *session) handleMessage(msg *message) error {
	switch msg.Type {
	case "offer":
		return s.handleOffer(msg)

	case "ice-candidate":
		if s.mainPC == nil || msg.Candidate == nil {
			s.Log(logger.Debug, "stray candidate dropped")
			return nil
		}
		err := s.mainPC.AddRemoteCandidate(&webrtc.ICECandidateInit{
			Candidate:     msg.Candidate.Candidate,
			SDPMid:        msg.Candidate.SDPMid,
			SDPMLineIndex: msg.Candidate.SDPMLineIndex,
		})
		if err != nil {
			s.Log(logger.Debug, "cannot add candidate: %v", err)
		}
		return nil

	case "ice_restart_offer":
		return s.handleICERestartOffer(msg)

	case "ptt_request":
		resp := s.server.requestFloor(s.id, s.displayName())
		s.send(resp)
		if resp.Type == "ptt_granted" {
			s.server.broadcastFloorStatus()
		}
		return nil

	case "ptt_release":
		if s.server.releaseFloor(s.id) {
			s.server.broadcastFloorStatus()
		}
		return nil

	case "set_display_name":
		s.setDisplayName(msg.DisplayName)
		s.server.Names.Set(s.id, msg.DisplayName)
		return nil

	case "push_subscribe":
		err := s.server.Push.Subscribe(s.id, msg.Subscription)
		if err != nil {
			s.Log(logger.Warn, "invalid push subscription: %v", err)
		}
		return nil

	case "p2p_offer", "p2p_answer", "p2p_ice_candidate":
		if msg.To == floor.HolderServer {
			s.handleServerP2P(msg)
		} else {
			s.server.relayP2P(s.id, msg)
		}
		return nil

	case "request_p2p_reconnect":
		s.Log(logger.Info, "p2p reconnect requested")
		if s.restartTimer != nil {
			s.restartTimer.Stop()
			s.chRestartTmr = nil
		}
		s.destroyP2P()
		s.createP2P()
		return nil

	default:
		s.Log(logger.Warn, "unknown envelope type '%s' dropped", msg.Type)
		return nil
	}
}

func (s *session) handleOffer(msg *message) error {
	if s.mainPC != nil {
		s.Log(logger.Warn, "duplicate offer dropped")
		return nil
	}

	if err := validateOffer(msg.SDP); err != nil {
		s.Log(logger.Warn, "offer dropped: %v", err)
		return nil
	}

	pc := &webrtcpc.PeerConnection{
		ICEServers:       s.server.iceServers(),
		HandshakeTimeout: s.server.OfferTimeout,
		GatherTimeout:    s.server.ICEGatherTimeout,
		MungeSDP:         forceOpusMono,
		Log:              s,
	}

	err := pc.Start()
	if err != nil {
		return err
	}

	answer, err := pc.CreateFullAnswer(&webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  msg.SDP,
	})
	if err != nil {
		pc.Close()
		return fmt.Errorf("cannot answer offer: %w", err)
	}

	s.mainPC = pc
	s.chMainState = pc.StateChanges()

	s.offerTimer.Stop()
	s.chOfferTimer = nil

	s.send(&message{Type: "answer", SDP: answer.SDP})

	go s.forwardLocalCandidates(pc, "ice-candidate", "")
	go s.readIncomingTrack(pc)

	return nil
}

func (s *session) handleICERestartOffer(msg *message) error {
	if s.mainPC == nil {
		s.Log(logger.Warn, "ice restart offer without main connection dropped")
		return nil
	}

	// the client answered a pending restart request; the old deadline
	// no longer applies, the handshake gets a fresh one
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.chRestartTmr = nil
	}

	answer, err := s.mainPC.CreateFullAnswer(&webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  msg.SDP,
	})
	if err != nil {
		return fmt.Errorf("cannot answer restart offer: %w", err)
	}

	s.restartTimer = time.NewTimer(s.server.ICERestartTimeout)
	s.chRestartTmr = s.restartTimer.C

	s.send(&message{Type: "ice_restart_answer", SDP: answer.SDP})
	return nil
}

func (s *session) handleMainState(state webrtc.PeerConnectionState) error {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.restartTimer != nil {
			s.restartTimer.Stop()
			s.chRestartTmr = nil
		}

		if s.restartCount > 0 {
			// while the cooldown runs, transient drops are ignored
			// and the attempt counter keeps its value
			s.cooldownTimer = time.NewTimer(iceRestartCooldown)
			s.chCooldown = s.cooldownTimer.C
		}

		if !s.listSent {
			s.listSent = true
			s.send(&message{Type: "client_list", Clients: s.server.clientList()})
			s.createP2P()
		}
		return nil

	case webrtc.PeerConnectionStateDisconnected:
		if s.chCooldown != nil {
			// ice oscillates right after a restart; a full failure
			// still escalates below
			s.Log(logger.Debug, "ignoring transient disconnection during restart cooldown")
			return nil
		}
		return s.requestICERestart()

	case webrtc.PeerConnectionStateFailed:
		return s.requestICERestart()

	case webrtc.PeerConnectionStateClosed:
		return fmt.Errorf("main peer connection closed")
	}

	return nil
}

func (s *session) requestICERestart() error {
	if s.chRestartTmr != nil {
		// a restart is already in flight
		return nil
	}

	if s.restartCount >= maxICERestartAttempts {
		return fmt.Errorf("connection not recovered after %d ice restarts", s.restartCount)
	}

	s.restartCount++
	s.Log(logger.Warn, "main connection unstable, requesting ice restart (%d/%d)",
		s.restartCount, maxICERestartAttempts)

	s.send(&message{Type: "request_ice_restart"})

	s.restartTimer = time.NewTimer(s.server.ICERestartTimeout)
	s.chRestartTmr = s.restartTimer.C
	return nil
}

func (s *session) handleRestartTimeout() error {
	s.chRestartTmr = nil
	return s.requestICERestart()
}

func (s *session) createP2P() {
	if s.p2pPC != nil {
		return
	}

	pc := &webrtcpc.PeerConnection{
		ICEServers:       s.server.iceServers(),
		HandshakeTimeout: s.server.OfferTimeout,
		GatherTimeout:    s.server.ICEGatherTimeout,
		Publish:          true,
		OutgoingTrack:    s.feed.track,
		MungeSDP:         forceOpusMono,
		Log:              s,
	}

	err := pc.Start()
	if err != nil {
		s.Log(logger.Error, "cannot create p2p connection: %v", err)
		return
	}

	offer, err := pc.CreatePartialOffer()
	if err != nil {
		s.Log(logger.Error, "cannot create p2p offer: %v", err)
		pc.Close()
		return
	}

	s.p2pPC = pc
	s.chP2PState = pc.StateChanges()
	s.setP2PState("connecting")

	s.send(&message{
		Type: "p2p_offer",
		From: floor.HolderServer,
		SDP:  offer.SDP,
	})

	go s.forwardLocalCandidates(pc, "p2p_ice_candidate", floor.HolderServer)
}

func (s *session) destroyP2P() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.chGraceTimer = nil
	}

	if s.p2pPC != nil {
		s.p2pPC.Close()
		s.p2pPC = nil
		s.chP2PState = nil
		s.setP2PState("none")
	}
}

func (s *session) handleServerP2P(msg *message) {
	if s.p2pPC == nil {
		s.Log(logger.Debug, "p2p envelope without p2p connection dropped")
		return
	}

	switch msg.Type {
	case "p2p_answer":
		err := s.p2pPC.SetAnswer(&webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  msg.SDP,
		})
		if err != nil {
			s.Log(logger.Warn, "cannot apply p2p answer: %v", err)
		}

	case "p2p_ice_candidate":
		if msg.Candidate == nil {
			return
		}
		err := s.p2pPC.AddRemoteCandidate(&webrtc.ICECandidateInit{
			Candidate:     msg.Candidate.Candidate,
			SDPMid:        msg.Candidate.SDPMid,
			SDPMLineIndex: msg.Candidate.SDPMLineIndex,
		})
		if err != nil {
			s.Log(logger.Debug, "cannot add p2p candidate: %v", err)
		}

	default:
		s.Log(logger.Debug, "unexpected server-addressed envelope '%s' dropped", msg.Type)
	}
}

func (s *session) handleP2PState(state webrtc.PeerConnectionState) {
	s.setP2PState(state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.chGraceTimer = nil
		}

	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		if s.chGraceTimer == nil {
			s.graceTimer = time.NewTimer(s.server.P2PCleanupGrace)
			s.chGraceTimer = s.graceTimer.C
		}
	}
}

// forwardLocalCandidates trickles local candidates to the client.
func (s *session) forwardLocalCandidates(pc *webrtcpc.PeerConnection, msgType string, from string) {
	for {
		select {
		case c := <-pc.NewLocalCandidate():
			s.send(&message{
				Type: msgType,
				From: from,
				Candidate: &candidateEntry{
					Candidate:     c.Candidate,
					SDPMid:        c.SDPMid,
					SDPMLineIndex: c.SDPMLineIndex,
				},
			})

		case <-pc.Done():
			return

		case <-s.ctx.Done():
			return
		}
	}
}

// readIncomingTrack drains RTP from the client microphone track and
// hands packets to the server for routing.
func (s *session) readIncomingTrack(pc *webrtcpc.PeerConnection) {
	var pair webrtcpc.TrackRecvPair

	select {
	case pair = <-pc.IncomingTrack():
	case <-pc.Done():
		return
	case <-s.ctx.Done():
		return
	}

	for {
		pkt, _, err := pair.Track.ReadRTP()
		if err != nil {
			return
		}

		s.server.forwardFromClient(s.id, pkt)
	}
}
