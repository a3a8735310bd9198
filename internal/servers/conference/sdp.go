package conference

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pion/sdp/v3"
)

var reOpusRtpmap = regexp.MustCompile(`a=rtpmap:(\d+) opus/48000/2`)

// validateOffer checks that an inbound offer is parseable and carries
// an audio section before a peer connection is spent on it.
func validateOffer(in string) error {
	var desc sdp.SessionDescription
	err := desc.Unmarshal([]byte(in))
	if err != nil {
		return fmt.Errorf("invalid SDP: %w", err)
	}

	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media == "audio" {
			return nil
		}
	}

	return fmt.Errorf("no audio section")
}

// forceOpusMono rewrites an SDP so that the Opus fmtp line carries
// stereo=0;sprop-stereo=0, keeping browsers from encoding stereo.
// The transform is idempotent.
func forceOpusMono(in string) string {
	m := reOpusRtpmap.FindStringSubmatch(in)
	if m == nil {
		return in
	}
	pt := m[1]

	reFmtp := regexp.MustCompile(`a=fmtp:` + pt + ` ([^\r\n]*)`)

	if fm := reFmtp.FindStringSubmatch(in); fm != nil {
		params := fm[1]
		params = setFmtpParam(params, "sprop-stereo", "0")
		params = setFmtpParam(params, "stereo", "0")
		return reFmtp.ReplaceAllString(in, "a=fmtp:"+pt+" "+params)
	}

	return strings.Replace(in, m[0],
		m[0]+"\r\na=fmtp:"+pt+" stereo=0;sprop-stereo=0", 1)
}

func setFmtpParam(params string, key string, value string) string {
	re := regexp.MustCompile(`(^|;)` + regexp.QuoteMeta(key) + `=[^;]*`)
	if re.MatchString(params) {
		return re.ReplaceAllString(params, "${1}"+key+"="+value)
	}
	return params + ";" + key + "=" + value
}
