package conference

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sdpWithFmtp = "v=0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1;stereo=1;sprop-stereo=1\r\n"

const sdpWithoutFmtp = "v=0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

func TestValidateOffer(t *testing.T) {
	require.NoError(t, validateOffer("v=0\r\n"+
		"o=- 1 1 IN IP4 127.0.0.1\r\n"+
		"s=-\r\n"+
		"t=0 0\r\n"+
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n"+
		"a=rtpmap:111 opus/48000/2\r\n"))

	require.Error(t, validateOffer("not an sdp"))

	require.Error(t, validateOffer("v=0\r\n"+
		"o=- 1 1 IN IP4 127.0.0.1\r\n"+
		"s=-\r\n"+
		"t=0 0\r\n"+
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n"+
		"a=rtpmap:96 VP8/90000\r\n"))
}

func TestForceOpusMono(t *testing.T) {
	out := forceOpusMono(sdpWithFmtp)
	require.Contains(t, out, "a=fmtp:111 minptime=10;useinbandfec=1;stereo=0;sprop-stereo=0\r\n")
	require.NotContains(t, out, "stereo=1")
}

func TestForceOpusMonoAddsFmtp(t *testing.T) {
	out := forceOpusMono(sdpWithoutFmtp)
	require.Contains(t, out, "a=rtpmap:111 opus/48000/2\r\na=fmtp:111 stereo=0;sprop-stereo=0\r\n")
}

func TestForceOpusMonoIdempotent(t *testing.T) {
	out := forceOpusMono(sdpWithFmtp)
	require.Equal(t, out, forceOpusMono(out))

	out = forceOpusMono(sdpWithoutFmtp)
	require.Equal(t, out, forceOpusMono(out))
}

func TestForceOpusMonoNoOpus(t *testing.T) {
	in := "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 0\r\na=rtpmap:0 PCMU/8000\r\n"
	require.Equal(t, in, forceOpusMono(in))
}
