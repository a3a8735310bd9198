package relay

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pttbox/pttbox/internal/logger"
)

type nilLogger struct{}

func (nilLogger) Log(_ logger.Level, _ string, _ ...interface{}) {
}

type fakePort struct {
	buf    bytes.Buffer
	failed bool
	closed bool
}

func (p *fakePort) Write(byts []byte) (int, error) {
	if p.failed {
		return 0, fmt.Errorf("input/output error")
	}
	return p.buf.Write(byts)
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func TestDriverTokens(t *testing.T) {
	port := &fakePort{}
	prevOpen := openPort
	openPort = func(_ string, _ int) (io.WriteCloser, error) {
		return port, nil
	}
	defer func() { openPort = prevOpen }()

	d := &Driver{
		Enabled:  true,
		PortName: "/dev/ttyUSB0",
		BaudRate: 9600,
		Parent:   nilLogger{},
	}
	d.Initialize()

	d.TurnOn()
	d.TurnOff()
	d.Set(ChannelB, true)
	require.Equal(t, "A1A0B1", port.buf.String())

	d.Close()
	require.True(t, port.closed)
	require.Equal(t, "A1A0B1A0", port.buf.String())
}

func TestDriverOpenFailure(t *testing.T) {
	prevOpen := openPort
	openPort = func(_ string, _ int) (io.WriteCloser, error) {
		return nil, fmt.Errorf("no such device")
	}
	defer func() { openPort = prevOpen }()

	d := &Driver{
		Enabled:  true,
		PortName: "/dev/ttyUSB0",
		BaudRate: 9600,
		Parent:   nilLogger{},
	}
	d.Initialize()

	// operations are no-ops, not crashes
	d.TurnOn()
	d.TurnOff()
	d.Close()
}

func TestDriverWriteFailureDisables(t *testing.T) {
	port := &fakePort{}
	prevOpen := openPort
	openPort = func(_ string, _ int) (io.WriteCloser, error) {
		return port, nil
	}
	defer func() { openPort = prevOpen }()

	d := &Driver{
		Enabled:  true,
		PortName: "/dev/ttyUSB0",
		BaudRate: 9600,
		Parent:   nilLogger{},
	}
	d.Initialize()

	port.failed = true
	d.TurnOn()
	require.True(t, port.closed)

	// further operations are no-ops
	port.failed = false
	d.TurnOff()
	require.Equal(t, "", port.buf.String())
}

func TestDriverDisabled(t *testing.T) {
	prevOpen := openPort
	openPort = func(_ string, _ int) (io.WriteCloser, error) {
		t.Error("unexpected open")
		return nil, nil
	}
	defer func() { openPort = prevOpen }()

	d := &Driver{
		Enabled: false,
		Parent:  nilLogger{},
	}
	d.Initialize()
	d.TurnOn()
	d.Close()
}
