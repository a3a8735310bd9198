// Package conference contains the signaling and audio routing core.
package conference

import (
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/pttbox/pttbox/internal/audioout"
	"github.com/pttbox/pttbox/internal/clientnames"
	"github.com/pttbox/pttbox/internal/conf"
	"github.com/pttbox/pttbox/internal/externalcmd"
	"github.com/pttbox/pttbox/internal/floor"
	"github.com/pttbox/pttbox/internal/logger"
	"github.com/pttbox/pttbox/internal/mic"
	"github.com/pttbox/pttbox/internal/push"
	"github.com/pttbox/pttbox/internal/recorder"
	"github.com/pttbox/pttbox/internal/relay"
	"github.com/pttbox/pttbox/internal/websocket"
)

// Server owns the client registry and routes signaling and audio
// between sessions, the floor arbiter and the local audio helpers.
type Server struct {
	STUNServer        string
	OfferTimeout      time.Duration
	ICEGatherTimeout  time.Duration
	ICERestartTimeout time.Duration
	P2PCleanupGrace   time.Duration
	HeartbeatInterval time.Duration

	EnableServerMic bool
	MicMode         conf.ServerMicMode
	MicCommand      string
	MicDevice       string

	RecorderCommand   string
	RecordingsDir     string
	RecordingsTempDir string

	Floor  *floor.Arbiter
	Relay  *relay.Driver
	Names  *clientnames.Store
	Push   *push.Notifier
	Audio  *audioout.Output
	Pool   *externalcmd.Pool
	Parent logger.Writer

	mutex    sync.RWMutex
	sessions map[string]*session

	recMutex  sync.Mutex
	recording *recorder.Recording

	micSource *mic.Source
}

// Initialize initializes a Server.
func (s *Server) Initialize() {
	s.sessions = make(map[string]*session)

	if s.EnableServerMic {
		s.micSource = &mic.Source{
			Command:   s.MicCommand,
			MicDevice: s.MicDevice,
			Pool:      s.Pool,
			Parent:    s,
			OnPacket:  s.fanOutMic,
		}
		s.micSource.Initialize()
	}
}

// Close closes the Server and every live session.
func (s *Server) Close() {
	if s.micSource != nil {
		s.micSource.Close()
	}

	s.mutex.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mutex.Unlock()

	for _, sess := range sessions {
		sess.close()
	}

	s.stopRecording()
}

// Log implements logger.Writer.
func (s *Server) Log(level logger.Level, format string, args ...interface{}) {
	s.Parent.Log(level, "[conference] "+format, args...)
}

// HandleConnection upgrades an HTTP request to a signaling session.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.NewServerConn(w, r, s.HeartbeatInterval)
	if err != nil {
		s.Log(logger.Warn, "upgrade failed: %v", err)
		return
	}

	sess := &session{
		id:     s.mintClientID(),
		conn:   conn,
		server: s,
	}

	// register before the actor starts, so a session dying
	// immediately still unregisters itself
	s.mutex.Lock()
	s.sessions[sess.id] = sess
	count := len(s.sessions)
	s.mutex.Unlock()

	if err := sess.initialize(); err != nil {
		s.Log(logger.Warn, "session setup failed: %v", err)
		s.mutex.Lock()
		delete(s.sessions, sess.id)
		s.mutex.Unlock()
		conn.Close()
		return
	}

	s.Log(logger.Info, "client %s connected from %v (%d total)",
		sess.id, conn.RemoteAddr(), count)

	s.broadcast(&message{
		Type:     "client_joined",
		ClientID: sess.id,
	}, sess.id)
}

// iceServers returns the ICE servers used by both legs.
func (s *Server) iceServers() []webrtc.ICEServer {
	if s.STUNServer == "" {
		return nil
	}
	return []webrtc.ICEServer{{URLs: []string{s.STUNServer}}}
}

// iceServerEntries returns the ICE servers advertised to clients.
func (s *Server) iceServerEntries() []iceServerEntry {
	if s.STUNServer == "" {
		return nil
	}
	return []iceServerEntry{{URLs: []string{s.STUNServer}}}
}

// mintClientID returns a fresh 8 hex character client id, never
// colliding with a live session or a reserved holder id.
func (s *Server) mintClientID() string {
	for {
		u := uuid.New()
		id := hex.EncodeToString(u[:4])

		if id == floor.HolderServer || id == floor.HolderExternal {
			continue
		}

		s.mutex.RLock()
		_, taken := s.sessions[id]
		s.mutex.RUnlock()

		if !taken {
			return id
		}
	}
}

// removeSession unregisters a session and broadcasts its departure.
// Any floor held by the session is released.
func (s *Server) removeSession(sess *session) {
	s.mutex.Lock()
	cur, ok := s.sessions[sess.id]
	if !ok || cur != sess {
		s.mutex.Unlock()
		return
	}
	delete(s.sessions, sess.id)
	count := len(s.sessions)
	s.mutex.Unlock()

	released := s.releaseFloor(sess.id)

	s.Log(logger.Info, "client %s disconnected (%d total)", sess.id, count)

	s.broadcast(&message{
		Type:        "client_left",
		ClientID:    sess.id,
		DisplayName: sess.displayName(),
	}, sess.id)

	if released {
		s.broadcastFloorStatus()
	}
}

func (s *Server) sessionSnapshot() []*session {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	ret := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		ret = append(ret, sess)
	}
	return ret
}

func (s *Server) findSession(id string) *session {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.sessions[id]
}

// broadcast sends an envelope to every session except one.
func (s *Server) broadcast(msg interface{}, exceptID string) {
	for _, sess := range s.sessionSnapshot() {
		if sess.id != exceptID {
			sess.send(msg)
		}
	}
}

// sendTo sends an envelope to a single session.
func (s *Server) sendTo(id string, msg interface{}) bool {
	sess := s.findSession(id)
	if sess == nil {
		return false
	}
	sess.send(msg)
	return true
}

// relayP2P forwards a peer-to-peer signaling envelope to its target,
// substituting the sender id so the origin cannot be forged.
func (s *Server) relayP2P(fromID string, msg *message) {
	fwd := *msg
	fwd.From = fromID
	fwd.To = ""

	if !s.sendTo(msg.To, &fwd) {
		s.Log(logger.Debug, "p2p envelope for unknown client %s dropped", msg.To)
	}
}

// clientList returns the registry snapshot sent to clients.
func (s *Server) clientList() []clientEntry {
	sessions := s.sessionSnapshot()

	ret := make([]clientEntry, 0, len(sessions))
	for _, sess := range sessions {
		ret = append(ret, clientEntry{
			ClientID:    sess.id,
			DisplayName: sess.displayName(),
		})
	}
	return ret
}

// isWebHolder reports whether a holder id belongs to a web client.
func isWebHolder(id string) bool {
	return id != floor.HolderServer && id != floor.HolderExternal
}

// requestFloor tries to grant the floor to a web client and performs
// the grant side effects. The returned envelope goes to the requester
// before any ptt_status broadcast.
func (s *Server) requestFloor(id string, name string) *message {
	granted, holder, holderName := s.Floor.Request(id, name)
	if !granted {
		return &message{
			Type:        "ptt_denied",
			Speaker:     holder,
			SpeakerName: holderName,
		}
	}

	s.Relay.TurnOn()
	s.Audio.StartStream()
	s.startRecording(id)
	if name != "" {
		s.Names.Set(id, name)
	}

	return &message{
		Type:        "ptt_granted",
		Speaker:     id,
		SpeakerName: name,
	}
}

// releaseFloor releases the floor if held by the given id and
// performs the release side effects.
func (s *Server) releaseFloor(id string) bool {
	if !s.Floor.Release(id) {
		return false
	}

	s.afterFloorCleared(id)
	return true
}

// afterFloorCleared undoes the grant side effects.
func (s *Server) afterFloorCleared(id string) {
	if isWebHolder(id) {
		s.Relay.TurnOff()
		s.Audio.StopStream()
		s.stopRecording()
	}
}

// OnFloorTimeout runs when the arbiter evicts a holder. The evicted
// holder learns about it from the refreshed status, like everyone
// else.
func (s *Server) OnFloorTimeout(id string) {
	s.Log(logger.Warn, "floor timeout for %s", id)
	s.afterFloorCleared(id)
	s.broadcastFloorStatus()
}

// floorStatusMessage builds the current ptt_status envelope.
func (s *Server) floorStatusMessage() *statusMessage {
	holder, holderName := s.Floor.Current()

	msg := &statusMessage{
		Type:  "ptt_status",
		State: "idle",
	}
	if holder != "" {
		msg.State = "transmitting"
		msg.Speaker = &holder
		msg.SpeakerName = &holderName
	}
	return msg
}

func (s *Server) broadcastFloorStatus() {
	s.broadcast(s.floorStatusMessage(), "")
}

// VoxOn claims the floor for the external VOX device. The relay is
// left alone: the external device is already transmitting.
func (s *Server) VoxOn() bool {
	granted, _, _ := s.Floor.Request(floor.HolderExternal, floor.HolderExternalName)
	if !granted {
		return false
	}

	s.broadcastFloorStatus()
	return true
}

// VoxOff releases the floor held by the external VOX device.
func (s *Server) VoxOff() bool {
	if !s.Floor.Release(floor.HolderExternal) {
		return false
	}

	s.broadcastFloorStatus()
	return true
}

// ServerPTTOn claims the floor for the server microphone.
func (s *Server) ServerPTTOn() bool {
	granted, _, _ := s.Floor.Request(floor.HolderServer, floor.HolderServer)
	if !granted {
		return false
	}

	s.broadcastFloorStatus()
	return true
}

// ServerPTTOff releases the floor held by the server microphone.
func (s *Server) ServerPTTOff() bool {
	if !s.Floor.Release(floor.HolderServer) {
		return false
	}

	s.broadcastFloorStatus()
	return true
}

// ForceRelease releases the floor no matter who holds it.
func (s *Server) ForceRelease() bool {
	holder, _ := s.Floor.Current()
	if holder == "" {
		return false
	}

	if !s.Floor.Release(holder) {
		return false
	}

	s.afterFloorCleared(holder)
	s.broadcastFloorStatus()
	return true
}

// FloorStatus returns the current floor state for the dashboard.
func (s *Server) FloorStatus() (string, string, string) {
	holder, holderName := s.Floor.Current()
	if holder == "" {
		return "idle", "", ""
	}
	return "transmitting", holder, holderName
}

// ClientInfo is the dashboard view of a session.
type ClientInfo struct {
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName"`
	P2PState    string `json:"p2pState"`
}

// Clients returns the registry snapshot for the dashboard.
func (s *Server) Clients() []ClientInfo {
	sessions := s.sessionSnapshot()

	ret := make([]ClientInfo, 0, len(sessions))
	for _, sess := range sessions {
		ret = append(ret, ClientInfo{
			ClientID:    sess.id,
			DisplayName: sess.displayName(),
			P2PState:    sess.p2pState(),
		})
	}
	return ret
}

// ConnectedP2PCount returns how many outbound connections are up.
func (s *Server) ConnectedP2PCount() int {
	n := 0
	for _, sess := range s.sessionSnapshot() {
		if sess.p2pState() == "connected" {
			n++
		}
	}
	return n
}

// DisconnectClient forcibly closes a session.
func (s *Server) DisconnectClient(id string) bool {
	sess := s.findSession(id)
	if sess == nil {
		return false
	}

	s.Log(logger.Info, "forcibly disconnecting %s", id)
	sess.close()
	return true
}

func (s *Server) startRecording(id string) {
	s.recMutex.Lock()
	defer s.recMutex.Unlock()

	if s.recording != nil {
		return
	}

	rec := &recorder.Recording{
		ClientID: id,
		TempDir:  s.RecordingsTempDir,
		FinalDir: s.RecordingsDir,
		Command:  s.RecorderCommand,
		Pool:     s.Pool,
		Parent:   s,
	}
	if err := rec.Start(); err != nil {
		s.Log(logger.Error, "cannot start recording: %v", err)
		return
	}
	s.recording = rec
}

func (s *Server) stopRecording() {
	s.recMutex.Lock()
	rec := s.recording
	s.recording = nil
	s.recMutex.Unlock()

	if rec != nil {
		// finalization waits for the encoder; keep it off the caller
		go rec.Close()
	}
}

// forwardFromClient routes an inbound RTP packet from a session.
// Audio flows only while its sender holds the floor; it reaches the
// local speaker, the recorder and every other session, never its
// origin.
func (s *Server) forwardFromClient(id string, pkt *rtp.Packet) {
	holder, _ := s.Floor.Current()
	if holder != id {
		return
	}

	s.Audio.WriteRTP(pkt)

	s.recMutex.Lock()
	if s.recording != nil {
		s.recording.WriteRTP(pkt) //nolint:errcheck
	}
	s.recMutex.Unlock()

	for _, sess := range s.sessionSnapshot() {
		if sess.id != id {
			sess.feed.write(pkt.Payload) //nolint:errcheck
		}
	}
}

// fanOutMic routes a server microphone packet to the sessions.
// In "always" mode the microphone is muted while a web client
// transmits, so its own audio is not captured back. In "ptt" mode it
// flows only while the server holds the floor.
func (s *Server) fanOutMic(payload []byte) {
	holder, _ := s.Floor.Current()

	switch s.MicMode {
	case conf.ServerMicModeAlways:
		if holder != "" && isWebHolder(holder) {
			return
		}

	default:
		if holder != floor.HolderServer {
			return
		}
	}

	for _, sess := range s.sessionSnapshot() {
		sess.feed.write(payload) //nolint:errcheck
	}
}

// NotifyRecording pushes a "new recording" notification and refreshes
// the name table so labeling stays fresh for post-hoc tooling.
func (s *Server) NotifyRecording(name string) {
	for _, sess := range s.sessionSnapshot() {
		if dn := sess.displayName(); dn != "" {
			s.Names.Set(sess.id, dn)
		}
	}

	go s.Push.NotifyAll(map[string]string{
		"type": "new_recording",
		"file": name,
	})
}
