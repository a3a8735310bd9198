package conference

import (
	"math/rand"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/pttbox/pttbox/internal/webrtcpc"
)

// opusFrameSamples is the timestamp increment per 20 ms Opus frame
// at 48 kHz.
const opusFrameSamples = 960

// rtpFeed builds outbound RTP packets for one downstream track.
// Sequence numbers are monotone mod 2^16 and the timestamp advances
// by one frame per packet; the SSRC is random per feed.
type rtpFeed struct {
	track *webrtc.TrackLocalStaticRTP

	mutex sync.Mutex
	ssrc  uint32
	seq   uint16
	ts    uint32
}

func newRTPFeed() (*rtpFeed, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "pttbox")
	if err != nil {
		return nil, err
	}

	return &rtpFeed{
		track: track,
		ssrc:  rand.Uint32(), //nolint:gosec
		seq:   uint16(rand.Uint32()),
		ts:    rand.Uint32(),
	}, nil
}

func (f *rtpFeed) write(payload []byte) error {
	f.mutex.Lock()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    webrtcpc.OpusPayloadType,
			SequenceNumber: f.seq,
			Timestamp:      f.ts,
			SSRC:           f.ssrc,
		},
		Payload: payload,
	}
	f.seq++
	f.ts += opusFrameSamples
	f.mutex.Unlock()

	return f.track.WriteRTP(pkt)
}
