package audioout

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/pttbox/pttbox/internal/externalcmd"
	"github.com/pttbox/pttbox/internal/logger"
)

type nilLogger struct{}

func (nilLogger) Log(_ logger.Level, _ string, _ ...interface{}) {
}

func opusPacket(seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           0x55667788,
		},
		Payload: []byte{0xfc, 0x01, 0x02},
	}
}

func TestOutputPersistent(t *testing.T) {
	fpath := filepath.Join(t.TempDir(), "sink.ogg")

	var p externalcmd.Pool
	p.Initialize()
	defer p.Close()

	o := &Output{
		Enabled:    true,
		Persistent: true,
		Command:    "sh -c \"cat > " + fpath + "\"",
		Pool:       &p,
		Parent:     nilLogger{},
	}
	o.Initialize()

	o.StartStream()
	o.WriteRTP(opusPacket(0, 0))
	o.StopStream()

	// the decoder survives across transmissions
	o.StartStream()
	o.WriteRTP(opusPacket(1, 960))
	o.StopStream()

	o.Close()

	info, err := os.Stat(fpath)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestOutputPerTransmission(t *testing.T) {
	var p externalcmd.Pool
	p.Initialize()
	defer p.Close()

	o := &Output{
		Enabled: true,
		Command: "sh -c \"cat > /dev/null\"",
		Pool:    &p,
		Parent:  nilLogger{},
	}
	o.Initialize()

	o.StartStream()
	require.NotNil(t, o.cmd)
	o.WriteRTP(opusPacket(0, 0))
	o.StopStream()
	require.Nil(t, o.cmd)

	o.Close()
}

func TestOutputCrashCooldown(t *testing.T) {
	var p externalcmd.Pool
	p.Initialize()
	defer p.Close()

	o := &Output{
		Enabled:    true,
		Persistent: true,
		Command:    "false",
		Pool:       &p,
		Parent:     nilLogger{},
	}
	o.Initialize()

	require.Eventually(t, func() bool {
		o.mutex.Lock()
		defer o.mutex.Unlock()
		return o.cmd == nil && !o.crashedAt.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	// inside the cooldown window no respawn happens
	o.StartStream()
	o.mutex.Lock()
	require.Nil(t, o.cmd)
	require.False(t, o.streaming)
	o.mutex.Unlock()

	o.Close()
}

func TestOutputDisabled(t *testing.T) {
	o := &Output{Enabled: false, Parent: nilLogger{}}
	o.Initialize()
	o.StartStream()
	o.WriteRTP(opusPacket(0, 0))
	o.StopStream()
	o.Close()
}
