// Package webrtcpc contains a WebRTC peer connection wrapper.
package webrtcpc

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/pttbox/pttbox/internal/logger"
)

// OpusPayloadType is the payload type of outbound Opus RTP packets.
const OpusPayloadType = 111

const maxPendingCandidates = 64

var opusCodec = webrtc.RTPCodecParameters{
	RTPCodecCapability: webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	},
	PayloadType: OpusPayloadType,
}

// TrackRecvPair is an incoming track with its receiver.
type TrackRecvPair struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// PeerConnection is a wrapper around webrtc.PeerConnection.
// It is audio-only and exists in two flavors: a receive-only leg that
// answers a remote offer, and a publish leg that offers an outgoing track.
type PeerConnection struct {
	ICEServers       []webrtc.ICEServer
	HandshakeTimeout time.Duration
	GatherTimeout    time.Duration
	Publish          bool
	OutgoingTrack    *webrtc.TrackLocalStaticRTP

	// MungeSDP is applied to every local description before it is set.
	MungeSDP func(string) string

	Log logger.Writer

	wr        *webrtc.PeerConnection
	ctx       context.Context
	ctxCancel context.CancelFunc

	candidateMutex    sync.Mutex
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit

	newLocalCandidate chan *webrtc.ICECandidateInit
	stateChange       chan webrtc.PeerConnectionState
	incomingTrack     chan TrackRecvPair
	connected         chan struct{}
	failed            chan struct{}
	closed            chan struct{}
	gatheringDone     chan struct{}
}

// Start starts the peer connection.
func (co *PeerConnection) Start() error {
	mediaEngine := &webrtc.MediaEngine{}

	err := mediaEngine.RegisterCodec(opusCodec, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return err
	}

	interceptorRegistry := &interceptor.Registry{}

	err = webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry)
	if err != nil {
		return err
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.LoggerFactory = &loggerFactory{writer: co.Log}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingsEngine),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry))

	co.wr, err = api.NewPeerConnection(webrtc.Configuration{
		ICEServers: co.ICEServers,
	})
	if err != nil {
		return err
	}

	co.ctx, co.ctxCancel = context.WithCancel(context.Background())

	co.newLocalCandidate = make(chan *webrtc.ICECandidateInit)
	co.stateChange = make(chan webrtc.PeerConnectionState, 16)
	co.incomingTrack = make(chan TrackRecvPair)
	co.connected = make(chan struct{})
	co.failed = make(chan struct{})
	co.closed = make(chan struct{})
	co.gatheringDone = make(chan struct{})

	if co.Publish {
		_, err = co.wr.AddTrack(co.OutgoingTrack)
		if err != nil {
			co.wr.GracefulClose() //nolint:errcheck
			return err
		}
	} else {
		_, err = co.wr.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			co.wr.GracefulClose() //nolint:errcheck
			return err
		}

		co.wr.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			select {
			case co.incomingTrack <- TrackRecvPair{track, receiver}:
			case <-co.ctx.Done():
			}
		})
	}

	var stateChangeMutex sync.Mutex

	co.wr.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		stateChangeMutex.Lock()
		defer stateChangeMutex.Unlock()

		select {
		case <-co.closed:
			return
		default:
		}

		co.Log.Log(logger.Debug, "peer connection state: "+state.String())

		select {
		case co.stateChange <- state:
		default:
		}

		switch state {
		case webrtc.PeerConnectionStateConnected:
			// "connected" can arrive twice, since state can switch
			// from "disconnected" back to "connected". The one-shot
			// channel is closed on the first occurrence only.
			select {
			case <-co.connected:
				return
			default:
			}

			co.Log.Log(logger.Info, "peer connection established, local candidate: %v, remote candidate: %v",
				co.LocalCandidate(), co.RemoteCandidate())

			close(co.connected)

		case webrtc.PeerConnectionStateFailed:
			close(co.failed)

		case webrtc.PeerConnectionStateClosed:
			// "closed" can arrive before "failed" and without
			// the Close() method being called at all, when the
			// other peer sends a DTLS CloseNotify.
			select {
			case <-co.failed:
			default:
				close(co.failed)
			}

			close(co.closed)
		}
	})

	co.wr.OnICECandidate(func(i *webrtc.ICECandidate) {
		if i != nil {
			v := i.ToJSON()
			select {
			case co.newLocalCandidate <- &v:
			case <-co.ctx.Done():
			}
		} else {
			// gathering completes again after an ICE restart
			select {
			case <-co.gatheringDone:
			default:
				close(co.gatheringDone)
			}
		}
	})

	return nil
}

// Close closes the connection. Event channels stop being served
// afterwards; callers must have detached their handlers.
func (co *PeerConnection) Close() {
	if co.wr == nil {
		return
	}

	co.ctxCancel()
	co.wr.GracefulClose() //nolint:errcheck

	// wait for OnConnectionStateChange to observe the closure,
	// since it runs in an uncontrolled goroutine
	<-co.closed
}

// CreatePartialOffer creates an offer without waiting for candidate
// gathering; candidates trickle through NewLocalCandidate.
func (co *PeerConnection) CreatePartialOffer() (*webrtc.SessionDescription, error) {
	tmp, err := co.wr.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	offer := &tmp

	co.mungeLocal(offer)

	err = co.wr.SetLocalDescription(*offer)
	if err != nil {
		return nil, err
	}

	return offer, nil
}

// SetAnswer sets the remote answer and drains pending remote candidates.
func (co *PeerConnection) SetAnswer(answer *webrtc.SessionDescription) error {
	err := co.wr.SetRemoteDescription(*answer)
	if err != nil {
		return err
	}

	co.drainPendingCandidates()
	return nil
}

// AddRemoteCandidate adds a remote candidate. Candidates arriving
// before the remote description are buffered and drained FIFO.
func (co *PeerConnection) AddRemoteCandidate(candidate *webrtc.ICECandidateInit) error {
	co.candidateMutex.Lock()

	if !co.remoteSet {
		if len(co.pendingCandidates) >= maxPendingCandidates {
			co.candidateMutex.Unlock()
			co.Log.Log(logger.Warn, "pending candidate queue full, dropping candidate")
			return nil
		}
		co.pendingCandidates = append(co.pendingCandidates, *candidate)
		co.candidateMutex.Unlock()
		return nil
	}
	co.candidateMutex.Unlock()

	return co.wr.AddICECandidate(*candidate)
}

func (co *PeerConnection) drainPendingCandidates() {
	co.candidateMutex.Lock()
	pending := co.pendingCandidates
	co.pendingCandidates = nil
	co.remoteSet = true
	co.candidateMutex.Unlock()

	for _, c := range pending {
		err := co.wr.AddICECandidate(c)
		if err != nil {
			co.Log.Log(logger.Debug, "cannot add candidate: %v", err)
		}
	}
}

// CreateFullAnswer sets the remote offer and returns a local answer,
// waiting for candidate gathering up to GatherTimeout.
func (co *PeerConnection) CreateFullAnswer(offer *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	err := co.wr.SetRemoteDescription(*offer)
	if err != nil {
		return nil, err
	}

	co.drainPendingCandidates()

	tmp, err := co.wr.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	answer := &tmp

	co.mungeLocal(answer)

	err = co.wr.SetLocalDescription(*answer)
	if err != nil {
		return nil, err
	}

	err = co.waitGatheringDone()
	if err != nil {
		return nil, err
	}

	answer = co.wr.LocalDescription()
	co.mungeLocal(answer)

	return answer, nil
}

// waitGatheringDone waits for candidate gathering, bounded by
// GatherTimeout; remaining candidates trickle afterwards.
func (co *PeerConnection) waitGatheringDone() error {
	t := time.NewTimer(co.GatherTimeout)
	defer t.Stop()

	for {
		select {
		case <-co.newLocalCandidate:
		case <-co.gatheringDone:
			return nil
		case <-t.C:
			return nil
		case <-co.ctx.Done():
			return fmt.Errorf("terminated")
		}
	}
}

func (co *PeerConnection) mungeLocal(desc *webrtc.SessionDescription) {
	if co.MungeSDP != nil {
		desc.SDP = co.MungeSDP(desc.SDP)
	}
}

// WaitUntilConnected waits until the connection is established.
func (co *PeerConnection) WaitUntilConnected(ctx context.Context) error {
	t := time.NewTimer(co.HandshakeTimeout)
	defer t.Stop()

	select {
	case <-co.connected:
		return nil

	case <-t.C:
		return fmt.Errorf("deadline exceeded while waiting connection")

	case <-ctx.Done():
		return fmt.Errorf("terminated")

	case <-co.ctx.Done():
		return fmt.Errorf("terminated")
	}
}

// Done returns when the connection is being torn down.
func (co *PeerConnection) Done() <-chan struct{} {
	return co.ctx.Done()
}

// Connected returns when connected (once).
func (co *PeerConnection) Connected() <-chan struct{} {
	return co.connected
}

// Failed returns when the connection settles to failed or closed.
func (co *PeerConnection) Failed() <-chan struct{} {
	return co.failed
}

// StateChanges returns every connection state transition. The channel
// is buffered; transitions are dropped when the consumer lags.
func (co *PeerConnection) StateChanges() <-chan webrtc.PeerConnectionState {
	return co.stateChange
}

// NewLocalCandidate returns when there's a new local candidate.
func (co *PeerConnection) NewLocalCandidate() <-chan *webrtc.ICECandidateInit {
	return co.newLocalCandidate
}

// GatheringDone returns when candidate gathering is complete.
func (co *PeerConnection) GatheringDone() <-chan struct{} {
	return co.gatheringDone
}

// IncomingTrack returns incoming tracks of the receive-only leg.
func (co *PeerConnection) IncomingTrack() <-chan TrackRecvPair {
	return co.incomingTrack
}

// LocalCandidate returns the nominated local candidate.
func (co *PeerConnection) LocalCandidate() string {
	var cid string
	for _, stats := range co.wr.GetStats() {
		if tstats, ok := stats.(webrtc.ICECandidatePairStats); ok && tstats.Nominated {
			cid = tstats.LocalCandidateID
			break
		}
	}

	return co.candidateByID(cid)
}

// RemoteCandidate returns the nominated remote candidate.
func (co *PeerConnection) RemoteCandidate() string {
	var cid string
	for _, stats := range co.wr.GetStats() {
		if tstats, ok := stats.(webrtc.ICECandidatePairStats); ok && tstats.Nominated {
			cid = tstats.RemoteCandidateID
			break
		}
	}

	return co.candidateByID(cid)
}

func (co *PeerConnection) candidateByID(cid string) string {
	if cid == "" {
		return ""
	}

	for _, stats := range co.wr.GetStats() {
		if tstats, ok := stats.(webrtc.ICECandidateStats); ok && tstats.ID == cid {
			return tstats.CandidateType.String() + "/" + tstats.Protocol + "/" +
				tstats.IP + "/" + strconv.FormatInt(int64(tstats.Port), 10)
		}
	}

	return ""
}

// BytesReceived returns received bytes.
func (co *PeerConnection) BytesReceived() uint64 {
	for _, stats := range co.wr.GetStats() {
		if tstats, ok := stats.(webrtc.TransportStats); ok && tstats.ID == "iceTransport" {
			return tstats.BytesReceived
		}
	}
	return 0
}

// BytesSent returns sent bytes.
func (co *PeerConnection) BytesSent() uint64 {
	for _, stats := range co.wr.GetStats() {
		if tstats, ok := stats.(webrtc.TransportStats); ok && tstats.ID == "iceTransport" {
			return tstats.BytesSent
		}
	}
	return 0
}
